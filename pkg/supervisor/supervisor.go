package supervisor

import (
	"runtime/debug"
	"sync"

	"github.com/illmade-knight/go-edgegateway/pkg/telemetry"
	"github.com/rs/zerolog"
)

// FaultUnobservedBackground tags log lines for panics raised on goroutines
// that no caller is waiting on.
const FaultUnobservedBackground = "unobserved_background"

// Report logs a recovered panic value. It must be given the result of recover().
func Report(logger zerolog.Logger, metrics *telemetry.Metrics, task string, recovered any) {
	metrics.Fault()
	logger.Error().
		Str("fault", FaultUnobservedBackground).
		Str("task", task).
		Interface("panic", recovered).
		Str("stack", string(debug.Stack())).
		Msg("Recovered panic in background task.")
}

// Group runs background tasks that must never take the process down. Every
// task is joined by Wait, and a panic in any of them is logged instead of
// propagating.
type Group struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	wg      sync.WaitGroup
}

// NewGroup creates a Group that reports faults through logger.
func NewGroup(logger zerolog.Logger, metrics *telemetry.Metrics) *Group {
	return &Group{logger: logger, metrics: metrics}
}

// Go starts fn on its own goroutine.
func (g *Group) Go(task string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				Report(g.logger, g.metrics, task, r)
			}
		}()
		fn()
	}()
}

// Wait blocks until every task started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
