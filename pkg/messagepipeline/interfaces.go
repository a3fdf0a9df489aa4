package messagepipeline

import (
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/types"
)

// ====================================================================================
// This file defines the contracts the batch processor consumes. The queue,
// transform and sender are supplied by the caller; the processor owns only the
// drain loop.
// ====================================================================================

// ItemQueue is the consumer side of the intake queue.
type ItemQueue interface {
	// Items returns the FIFO stream of queued items for use in a select.
	Items() <-chan types.RawItem
	// TryDequeue removes the oldest item, waiting up to timeout (0 = don't wait).
	TryDequeue(timeout time.Duration) (types.RawItem, bool)
	// Len returns the number of items still queued.
	Len() int
}

// State is the lifecycle state of a BatchProcessor.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}
