package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubConfig configures a PubSubSource.
type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	SubscriptionID  string `yaml:"subscription_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// Source names readings that carry no "source" attribute. Defaults to the subscription id.
	Source                 string `yaml:"source"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages"`
	NumGoroutines          int    `yaml:"num_goroutines"`
}

// PubSubSource receives readings from a Pub/Sub subscription. A message is
// acked once the gateway accepts it or rejects it as malformed, and nacked for
// redelivery when it is refused with back-pressure.
type PubSubSource struct {
	cfg          PubSubConfig
	client       *pubsub.Client // set only when the source owns the client
	subscription *pubsub.Subscription
	logger       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// DialPubSubSource creates a client from cfg and a source that closes it on Stop.
func DialPubSubSource(ctx context.Context, cfg PubSubConfig, logger zerolog.Logger, opts ...option.ClientOption) (*PubSubSource, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	s, err := NewPubSubSource(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewPubSubSource checks that the subscription exists.
func NewPubSubSource(ctx context.Context, cfg PubSubConfig, client *pubsub.Client, logger zerolog.Logger) (*PubSubSource, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for intake")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub intake needs a subscription id")
	}
	if cfg.Source == "" {
		cfg.Source = cfg.SubscriptionID
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	if cfg.NumGoroutines <= 0 {
		cfg.NumGoroutines = 1
	}

	sub := client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &PubSubSource{
		cfg:          cfg,
		subscription: sub,
		logger:       logger.With().Str("component", "PubSubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
	}, nil
}

func (s *PubSubSource) Name() string { return "pubsub" }

func (s *PubSubSource) Start(ctx context.Context, ingest IngestFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("pubsub intake already started")
	}
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.logger.Info().Msg("Pub/Sub receive started.")
		err := s.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			if !guard(s.logger.With().Str("msg_id", msg.ID).Logger(), "pubsub-receive", func() { s.handle(ingest, msg) }) {
				// Redelivering the message would repeat the fault.
				msg.Ack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub receive exited with error.")
		}
		s.logger.Info().Msg("Pub/Sub receive stopped.")
	}(s.done)
	return nil
}

func (s *PubSubSource) handle(ingest IngestFunc, msg *pubsub.Message) {
	source := s.cfg.Source
	metadata := make(map[string]string, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		if k == "source" {
			source = v
			continue
		}
		metadata[k] = v
	}
	metadata["transport"] = "pubsub"
	metadata["pubsub_msg_id"] = msg.ID

	err := ingest(source, msg.Data, metadata)
	switch {
	case err == nil:
		msg.Ack()
	case isBackPressure(err):
		msg.Nack()
	default:
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Reading from Pub/Sub rejected, acking.")
		msg.Ack()
	}
}

// Stop cancels the receive loop and waits for in-flight handlers to return.
func (s *PubSubSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pubsub intake did not stop: %w", ctx.Err())
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
