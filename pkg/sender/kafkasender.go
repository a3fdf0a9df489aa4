package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender writes batches to a Kafka topic. Records are keyed by device so a
// device's readings stay on one partition.
type KafkaSender struct {
	writer kafkaWriter
	logger zerolog.Logger
}

// NewKafkaSender creates a KafkaSender. Address is a comma separated broker list
// and HubName is the topic.
func NewKafkaSender(cfg *SenderConfig, logger zerolog.Logger) (*KafkaSender, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.HubName == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	brokers := strings.Split(cfg.Address, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.HubName,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		// The batch processor already batches; don't hold records back.
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
	}
	if cfg.ConnectTimeout > 0 {
		writer.WriteTimeout = cfg.ConnectTimeout
	}
	return newKafkaSender(writer, cfg, logger), nil
}

func newKafkaSender(writer kafkaWriter, cfg *SenderConfig, logger zerolog.Logger) *KafkaSender {
	return &KafkaSender{
		writer: writer,
		logger: logger.With().Str("component", "KafkaSender").Str("prefix", cfg.LogPrefix).Str("topic", cfg.HubName).Logger(),
	}
}

func (s *KafkaSender) Send(ctx context.Context, batch types.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, rec := range batch {
		body, err := rec.Encode()
		if err != nil {
			return Fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.DeviceID),
			Value: body,
			Time:  rec.CreatedAt,
			Headers: []kafka.Header{
				{Key: "messageId", Value: []byte(rec.ID)},
				{Key: "subject", Value: []byte(rec.Subject)},
				{Key: "contentType", Value: []byte(contentTypeJSON)},
			},
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return &SendError{Kind: classifyKafka(err), Err: fmt.Errorf("kafka write of %d records: %w", len(batch), err)}
	}
	return nil
}

func (s *KafkaSender) Close() error {
	s.logger.Info().Msg("Closing Kafka writer...")
	return s.writer.Close()
}

func classifyKafka(err error) Kind {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && classifyKafka(e) == KindFatal {
				return KindFatal
			}
		}
		return KindTransient
	}
	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		if kafkaErr.Temporary() {
			return KindTransient
		}
		return KindFatal
	}
	return Classify(err)
}
