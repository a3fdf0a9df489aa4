package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-edgegateway/pkg/config"
	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/messagepipeline"
	"github.com/illmade-knight/go-edgegateway/pkg/microservice"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/supervisor"
	"github.com/illmade-knight/go-edgegateway/pkg/telemetry"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var (
	// ErrAdmissionRejected is returned by Ingest when the intake queue is full.
	ErrAdmissionRejected = intakequeue.ErrAdmissionRejected
	// ErrQueueClosed is returned by Ingest once Shutdown has begun.
	ErrQueueClosed = intakequeue.ErrQueueClosed
)

const defaultMaxBodySize = 1 << 20

// opener is implemented by senders that can connect ahead of the first Send.
type opener interface {
	Open(ctx context.Context) error
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithSender replaces the sender that would be built from the configuration.
func WithSender(s sender.OutboundSender) Option {
	return func(g *Gateway) { g.sender = s }
}

// WithSources replaces the intake sources that would be built from the configuration.
func WithSources(sources ...intake.Source) Option {
	return func(g *Gateway) {
		g.sources = sources
		g.sourcesSet = true
	}
}

// WithRegistry registers the gateway metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) { g.registry = reg }
}

// Gateway owns the intake queue, the batch processor, the outbound sender and
// the inbound transports, and starts and stops them in a fixed order.
type Gateway struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	registry   *prometheus.Registry
	sender     sender.OutboundSender
	sources    []intake.Source
	sourcesSet bool

	queue      *intakequeue.Queue
	processor  *messagepipeline.BatchProcessor
	server     *microservice.BaseServer
	websocket  *intake.WebSocketHandler
	loader     *intake.Loader
	enqueue    transform.EnqueueFunc
	background *supervisor.Group
	done       chan struct{}

	newID func() string
	now   func() time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires a Gateway from cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:    cfg,
		logger: logger.With().Str("service", "Gateway").Logger(),
		done:   make(chan struct{}),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics, err := telemetry.NewMetrics(g.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	g.metrics = metrics
	g.background = supervisor.NewGroup(logger, metrics)

	if g.sender == nil {
		g.sender, err = NewSender(ctx, &cfg.Sender, logger)
		if err != nil {
			return nil, fmt.Errorf("create sender: %w", err)
		}
	}
	if !g.sourcesSet {
		g.sources, err = NewSources(ctx, cfg.Intake, logger)
		if err != nil {
			return nil, err
		}
	}

	g.queue, err = intakequeue.New(intakequeue.Config{
		Capacity:         cfg.Queue.Capacity,
		Policy:           cfg.AdmissionPolicy(),
		AdmissionTimeout: cfg.Queue.AdmissionTimeout,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	transformer := transform.NewTransformer(&cfg.Sender, nil)
	g.processor, err = messagepipeline.NewBatchProcessor(cfg.Processor, g.queue, transformer.Func(), g.sender, logger, metrics)
	if err != nil {
		return nil, err
	}
	g.enqueue = transform.WithValidation(g.admit, cfg.Limits, logger)

	maxBody := int64(cfg.Limits.MaxPayloadSize)
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	g.server = microservice.NewBaseServer(logger, cfg.HTTPPort, g.Ready, g.registry)
	intake.NewHTTPHandler(g.Ingest, maxBody, logger).Register(g.server.Mux())
	g.websocket = intake.NewWebSocketHandler(g.Ingest, maxBody, logger)
	g.websocket.Register(g.server.Mux())
	g.loader = intake.NewLoader(logger, g.sources...)

	return g, nil
}

// Ingest is the single enqueue path for every transport and source. It stamps
// the reading with an id and ingestion time, validates it, queues it and wakes
// the batch processor.
func (g *Gateway) Ingest(source string, payload []byte, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	item := types.RawItem{
		ID:         g.newID(),
		Source:     source,
		Payload:    payload,
		IngestedAt: g.now(),
		Metadata:   metadata,
	}
	if err := g.enqueue(item); err != nil {
		return err
	}
	g.processor.Process()
	return nil
}

func (g *Gateway) admit(item types.RawItem) error {
	if g.queue.Enqueue(item) {
		return nil
	}
	if g.queue.Closed() {
		return ErrQueueClosed
	}
	return ErrAdmissionRejected
}

// Start opens the sender, starts the batch processor, the HTTP transport and
// finally the intake sources. If a step fails, the steps already taken are undone.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info().Str("protocol", g.cfg.Sender.Protocol).Str("hub", g.cfg.Sender.HubName).Msg("Starting edge gateway...")

	if o, ok := g.sender.(opener); ok {
		if err := o.Open(ctx); err != nil {
			return fmt.Errorf("open sender: %w", err)
		}
	}
	g.processor.Start()

	if err := g.server.Start(); err != nil {
		_ = g.processor.Stop(g.cfg.StopTimeout)
		_ = g.sender.Close()
		return err
	}
	if err := g.loader.StartAll(ctx, g.Ingest); err != nil {
		_ = g.server.Shutdown(ctx)
		_ = g.processor.Stop(g.cfg.StopTimeout)
		_ = g.sender.Close()
		return err
	}

	g.Go("queue-depth-sampler", g.sampleQueueDepth)
	g.logger.Info().Str("http_port", g.server.Port()).Msg("Edge gateway started.")
	return nil
}

// Shutdown stops intake first, then the HTTP transport, closes the queue,
// lets the batch processor drain within the configured stop timeout and
// finally closes the sender. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info().Int("queued", g.queue.Len()).Msg("Shutting down edge gateway...")
	var errs []error

	if err := g.loader.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	g.websocket.CloseAll()
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.queue.Close()
	if err := g.processor.Stop(g.cfg.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := g.sender.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sender: %w", err))
	}

	close(g.done)
	g.background.Wait()

	err := errors.Join(errs...)
	if err != nil {
		g.logger.Error().Err(err).Msg("Edge gateway shut down with errors.")
	} else {
		g.logger.Info().Msg("Edge gateway shut down cleanly.")
	}
	return err
}

// Go runs fn on a supervised goroutine. A panic in fn is logged as an
// unobserved background fault instead of crashing the process.
func (g *Gateway) Go(name string, fn func()) {
	g.background.Go(name, fn)
}

// Ready reports whether the gateway accepts readings.
func (g *Gateway) Ready() bool {
	return g.processor.State() == messagepipeline.StateRunning && !g.queue.Closed()
}

// HTTPPort returns the port the HTTP transport listens on, as ":port".
func (g *Gateway) HTTPPort() string {
	return g.server.Port()
}

func (g *Gateway) sampleQueueDepth() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.metrics.SetQueueDepth(g.queue.Len())
		}
	}
}
