package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/supervisor"
	"github.com/illmade-knight/go-edgegateway/pkg/telemetry"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
)

// RetryConfig controls how a batch is resent after a transient failure. The
// delay starts at BaseDelay and doubles up to MaxDelay; MaxAttempts counts the
// first attempt.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BatchProcessorConfig holds the configuration for a BatchProcessor.
type BatchProcessorConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SendTimeout bounds a single Send attempt. Keep it well below the stop
	// timeout so that a stop can still drain.
	SendTimeout time.Duration `yaml:"send_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// ShutdownTimeoutError is returned by Stop when the drain did not finish in time.
type ShutdownTimeoutError struct {
	Lost    int
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("batch processor did not drain within %s: %d items lost", e.Timeout, e.Lost)
}

// run is the state owned by one execution of the drain loop.
type run struct {
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	pending atomic.Int64 // dequeued but not yet sent or dropped
}

// BatchProcessor drains the intake queue on a single goroutine, transforms each
// item, groups the records into batches and hands them to the OutboundSender.
type BatchProcessor struct {
	cfg       BatchProcessorConfig
	queue     ItemQueue
	transform transform.Func
	sender    sender.OutboundSender
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	wake      chan struct{}

	mu      sync.Mutex
	state   State
	current *run
}

// NewBatchProcessor creates a BatchProcessor. It does not start draining until Start is called.
func NewBatchProcessor(
	cfg BatchProcessorConfig,
	queue ItemQueue,
	transformFn transform.Func,
	outbound sender.OutboundSender,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
) (*BatchProcessor, error) {
	if queue == nil || transformFn == nil || outbound == nil {
		return nil, fmt.Errorf("queue, transform, and sender cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay * 16
	}

	return &BatchProcessor{
		cfg:       cfg,
		queue:     queue,
		transform: transformFn,
		sender:    outbound,
		logger:    logger.With().Str("service", "BatchProcessor").Logger(),
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Start spawns the drain loop. It is a no-op unless the processor is stopped.
func (p *BatchProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopped {
		return
	}
	p.state = StateStarting

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	p.current = r

	p.logger.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("flush_interval", p.cfg.FlushInterval).
		Int("max_attempts", p.cfg.Retry.MaxAttempts).
		Msg("Starting batch processor...")
	go p.loop(ctx, r)
	p.state = StateRunning
}

// Process signals that new data is available so a partial batch is flushed
// without waiting for the next tick. It never blocks.
func (p *BatchProcessor) Process() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (p *BatchProcessor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop asks the drain loop to flush its current batch and drain the queue, and
// waits for it up to timeout. If the timeout elapses first the loop is abandoned,
// the number of items that will not be delivered is logged, and a
// *ShutdownTimeoutError is returned. Stop always returns within the timeout.
func (p *BatchProcessor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	r := p.current
	close(r.stopCh)
	p.mu.Unlock()

	p.logger.Info().Int("queued", p.queue.Len()).Dur("timeout", timeout).Msg("Stopping batch processor...")

	var err error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		r.cancel()
		p.logger.Info().Msg("Batch processor stopped gracefully.")
	case <-timer.C:
		// Count before cancelling: a send that returns on cancellation releases its pending items.
		lost := p.queue.Len() + int(r.pending.Load())
		r.cancel()
		p.metrics.Lost(lost)
		p.logger.Error().
			Int("lost_items", lost).
			Dur("timeout", timeout).
			Msg("Timeout waiting for batch processor to drain, abandoning remaining items.")
		err = &ShutdownTimeoutError{Lost: lost, Timeout: timeout}
	}

	p.mu.Lock()
	if p.current == r {
		p.state = StateStopped
	}
	p.mu.Unlock()
	return err
}

// loop is the drain loop. Batches are flushed when full, on the wake signal and
// on every tick; once stopping it drains greedily without waiting for ticks.
func (p *BatchProcessor) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			supervisor.Report(p.logger, p.metrics, "batch-drain-loop", rec)
			p.mu.Lock()
			if p.current == r {
				p.state = StateStopped
			}
			p.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make(types.Batch, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.sendBatch(ctx, r, batch)
		batch = make(types.Batch, 0, p.cfg.BatchSize)
		ticker.Reset(p.cfg.FlushInterval)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-r.stopCh:
			flush()
			p.drain(ctx, r)
			return
		case item := <-p.queue.Items():
			p.metrics.SetQueueDepth(p.queue.Len())
			batch = p.appendItem(r, batch, item)
			batch = p.fill(r, batch)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-p.wake:
			batch = p.fill(r, batch)
			flush()
		case <-ticker.C:
			flush()
		}
	}
}

// fill tops the batch up from the queue without blocking.
func (p *BatchProcessor) fill(r *run, batch types.Batch) types.Batch {
	for len(batch) < p.cfg.BatchSize {
		item, ok := p.queue.TryDequeue(0)
		if !ok {
			break
		}
		batch = p.appendItem(r, batch, item)
	}
	return batch
}

// drain sends everything left in the queue, one full batch at a time.
func (p *BatchProcessor) drain(ctx context.Context, r *run) {
	for ctx.Err() == nil {
		batch := p.fill(r, make(types.Batch, 0, p.cfg.BatchSize))
		if len(batch) == 0 {
			return
		}
		p.sendBatch(ctx, r, batch)
	}
}

func (p *BatchProcessor) appendItem(r *run, batch types.Batch, item types.RawItem) types.Batch {
	r.pending.Add(1)
	record, ok := p.safeTransform(item)
	if !ok {
		r.pending.Add(-1)
		return batch
	}
	return append(batch, record)
}

func (p *BatchProcessor) safeTransform(item types.RawItem) (record types.OutboundRecord, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			supervisor.Report(p.logger.With().Str("item_id", item.ID).Logger(), p.metrics, "transform", rec)
			ok = false
		}
	}()
	return p.transform(item), true
}

// sendBatch delivers one batch, retrying transient failures with exponential
// backoff. A batch that cannot be delivered is logged and dropped.
func (p *BatchProcessor) sendBatch(ctx context.Context, r *run, batch types.Batch) {
	defer r.pending.Add(-int64(len(batch)))
	defer func() {
		if rec := recover(); rec != nil {
			supervisor.Report(p.logger.With().Int("batch_size", len(batch)).Logger(), p.metrics, "send", rec)
			p.metrics.Dropped("fault")
		}
	}()

	attempt := 0
	operation := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()

		err := p.sender.Send(sendCtx, batch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || sender.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.Retried()
		p.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.Retry.MaxAttempts).
			Dur("backoff", wait).
			Int("batch_size", len(batch)).
			Msg("Transient send failure, retrying batch.")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.Retry.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		p.metrics.Sent(len(batch))
		p.logger.Debug().Int("batch_size", len(batch)).Int("attempts", attempt).Msg("Batch sent.")
		return
	}

	reason := "exhausted"
	switch {
	case ctx.Err() != nil:
		reason = "shutdown"
	case sender.IsFatal(err):
		reason = "fatal"
	}
	p.metrics.Dropped(reason)
	p.logger.Error().Err(err).
		Str("reason", reason).
		Int("batch_size", len(batch)).
		Int("attempts", attempt).
		Str("first_record_id", batch[0].ID).
		Str("last_record_id", batch[len(batch)-1].ID).
		Str("subject", batch[0].Subject).
		Msg("Dropping batch after send failure.")
}

func (p *BatchProcessor) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.Retry.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.Retry.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
