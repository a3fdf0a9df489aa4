package intakequeue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/telemetry"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrAdmissionRejected is returned to intake callers when the queue has no room.
	ErrAdmissionRejected = errors.New("intake queue full, item rejected")
	// ErrQueueClosed is returned to intake callers once shutdown has begun.
	ErrQueueClosed = errors.New("intake queue closed")
)

// AdmissionPolicy decides what Enqueue does when the queue is at capacity.
type AdmissionPolicy int

const (
	// PolicyBlock makes Enqueue wait up to AdmissionTimeout for free space. It
	// avoids silent drops at the cost of pushing back-pressure onto the caller.
	PolicyBlock AdmissionPolicy = iota
	// PolicyReject makes Enqueue return false immediately. Intake latency is
	// protected, but readings arriving during a burst are dropped.
	PolicyReject
)

// ParseAdmissionPolicy maps a configuration value ("block" or "reject") to a policy.
func ParseAdmissionPolicy(s string) (AdmissionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyBlock, fmt.Errorf("unknown admission policy %q", s)
	}
}

func (p AdmissionPolicy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "block"
}

// Config holds the sizing and admission settings for a Queue.
type Config struct {
	Capacity         int
	Policy           AdmissionPolicy
	AdmissionTimeout time.Duration
}

// Queue is a bounded FIFO of raw items. Any number of producers may call Enqueue
// concurrently; a single consumer drains it with TryDequeue or Items.
type Queue struct {
	cfg     Config
	items   chan types.RawItem
	closed  chan struct{}
	once    sync.Once
	// admitting is read-held for the whole of an Enqueue; Close takes it
	// exclusively so no item lands after Close returns.
	admitting sync.RWMutex
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New creates a Queue. Capacity must be positive.
func New(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("queue capacity must be greater than 0")
	}
	if cfg.Policy == PolicyBlock && cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 250 * time.Millisecond
	}
	return &Queue{
		cfg:     cfg,
		items:   make(chan types.RawItem, cfg.Capacity),
		closed:  make(chan struct{}),
		logger:  logger.With().Str("component", "IntakeQueue").Logger(),
		metrics: metrics,
	}, nil
}

// Enqueue offers an item to the queue and reports whether it was accepted.
// It returns false once the queue is closed, or when the queue is full and the
// admission policy gives up.
func (q *Queue) Enqueue(item types.RawItem) bool {
	q.admitting.RLock()
	defer q.admitting.RUnlock()

	select {
	case <-q.closed:
		q.reject(item, "closed")
		return false
	default:
	}

	// Fast path, shared by both policies.
	select {
	case q.items <- item:
		q.accept()
		return true
	default:
	}

	if q.cfg.Policy == PolicyReject {
		q.reject(item, "full")
		return false
	}

	timer := time.NewTimer(q.cfg.AdmissionTimeout)
	defer timer.Stop()
	select {
	case q.items <- item:
		q.accept()
		return true
	case <-q.closed:
		q.reject(item, "closed")
		return false
	case <-timer.C:
		q.reject(item, "full")
		return false
	}
}

// TryDequeue removes the oldest item, waiting up to timeout for one to arrive.
// A zero timeout makes it non-blocking.
func (q *Queue) TryDequeue(timeout time.Duration) (types.RawItem, bool) {
	if timeout <= 0 {
		select {
		case item := <-q.items:
			q.metrics.SetQueueDepth(len(q.items))
			return item, true
		default:
			return types.RawItem{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		q.metrics.SetQueueDepth(len(q.items))
		return item, true
	case <-timer.C:
		return types.RawItem{}, false
	}
}

// Items exposes the consumer side of the queue so a drain loop can select on it
// alongside its own timers. Receiving from it is equivalent to TryDequeue.
func (q *Queue) Items() <-chan types.RawItem {
	return q.items
}

// Close stops admission and waits for Enqueue calls already in progress to
// finish. Items already queued stay available to the consumer.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.closed)
		q.admitting.Lock()
		defer q.admitting.Unlock()
		q.logger.Info().Int("queued", len(q.items)).Msg("Intake queue closed to new items.")
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the fixed capacity of the queue.
func (q *Queue) Cap() int { return cap(q.items) }

func (q *Queue) accept() {
	q.metrics.Accepted()
	q.metrics.SetQueueDepth(len(q.items))
}

func (q *Queue) reject(item types.RawItem, reason string) {
	q.metrics.Rejected(reason)
	q.logger.Debug().Str("item_id", item.ID).Str("source", item.Source).Str("reason", reason).Msg("Item refused at admission.")
}
