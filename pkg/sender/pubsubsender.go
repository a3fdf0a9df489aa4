package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewPubSubClient creates a Pub/Sub client for cfg.ProjectID, using the
// credentials file when one is configured.
func NewPubSubClient(ctx context.Context, cfg *SenderConfig, opts ...option.ClientOption) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return client, nil
}

// PubSubSender publishes batches to a Google Cloud Pub/Sub topic and waits for
// every publish result before reporting success. Records are ordered per device.
type PubSubSender struct {
	topic  *pubsub.Topic
	client *pubsub.Client // set only when the sender owns the client
	logger zerolog.Logger
}

// DialPubSubSender creates a client from cfg and a sender that closes it on Close.
func DialPubSubSender(ctx context.Context, cfg *SenderConfig, logger zerolog.Logger) (*PubSubSender, error) {
	client, err := NewPubSubClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewPubSubSender(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewPubSubSender validates that the topic named by cfg.HubName exists.
func NewPubSubSender(ctx context.Context, cfg *SenderConfig, client *pubsub.Client, logger zerolog.Logger) (*PubSubSender, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for sender")
	}
	if cfg.HubName == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}

	topic := client.Topic(cfg.HubName)
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	topic.PublishSettings.CountThreshold = pubsub.MaxPublishRequestCount
	topic.PublishSettings.NumGoroutines = 1
	topic.EnableMessageOrdering = true

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	existsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.HubName, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.HubName)
	}

	logger.Info().Str("topic_id", cfg.HubName).Msg("PubSubSender initialized successfully.")
	return &PubSubSender{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubSender").Str("prefix", cfg.LogPrefix).Str("topic_id", cfg.HubName).Logger(),
	}, nil
}

func (s *PubSubSender) Send(ctx context.Context, batch types.Batch) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, rec := range batch {
		body, err := rec.Encode()
		if err != nil {
			return Fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data:        body,
			OrderingKey: rec.DeviceID,
			Attributes: map[string]string{
				"messageId":   rec.ID,
				"subject":     rec.Subject,
				"deviceId":    rec.DeviceID,
				"source":      rec.Source,
				"contentType": contentTypeJSON,
			},
		}))
	}

	var firstErr error
	for i, res := range results {
		msgID, err := res.Get(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("pubsub publish %s: %w", batch[i].ID, err)
			}
			// A failed publish pauses its ordering key until resumed.
			s.topic.ResumePublish(batch[i].DeviceID)
			continue
		}
		s.logger.Debug().Str("record_id", batch[i].ID).Str("pubsub_msg_id", msgID).Msg("Record published.")
	}
	if firstErr != nil {
		return &SendError{Kind: classifyPubSub(firstErr), Err: firstErr}
	}
	return nil
}

// Close flushes outstanding publishes and stops the topic's goroutines.
func (s *PubSubSender) Close() error {
	s.logger.Info().Msg("Stopping Pub/Sub topic...")
	s.topic.Stop()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func classifyPubSub(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		switch se.GRPCStatus().Code() {
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
			return KindFatal
		}
	}
	return KindTransient
}
