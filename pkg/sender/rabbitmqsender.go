package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type rabbitChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQSender publishes batches to a durable RabbitMQ queue through the
// default exchange. The channel runs in confirm mode and a batch only succeeds
// once the broker has acked every record.
type RabbitMQSender struct {
	cfg    *SenderConfig
	logger zerolog.Logger
	open   func() (rabbitChannel, func() error, error)

	mu        sync.Mutex
	channel   rabbitChannel
	closeConn func() error
}

// NewRabbitMQSender creates a RabbitMQSender. Address is the amqp:// URL and
// HubName the queue.
func NewRabbitMQSender(cfg *SenderConfig, logger zerolog.Logger) (*RabbitMQSender, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if cfg.HubName == "" {
		return nil, fmt.Errorf("rabbitmq queue is required")
	}
	s := &RabbitMQSender{
		cfg:    cfg,
		logger: logger.With().Str("component", "RabbitMQSender").Str("prefix", cfg.LogPrefix).Str("queue", cfg.HubName).Logger(),
	}
	s.open = s.dial
	return s, nil
}

func (s *RabbitMQSender) dial() (rabbitChannel, func() error, error) {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	config := amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{"connection_name": s.cfg.DeviceID},
	}
	if s.cfg.Username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: s.cfg.Username, Password: s.cfg.Password}}
	}

	conn, err := amqp.DialConfig(s.cfg.Address, config)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if _, err := ch.QueueDeclare(s.cfg.HubName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq queue declare %s: %w", s.cfg.HubName, err)
	}
	return ch, conn.Close, nil
}

// Open connects eagerly so that configuration problems surface at startup.
func (s *RabbitMQSender) Open(context.Context) error {
	_, err := s.ensureChannel()
	return err
}

func (s *RabbitMQSender) ensureChannel() (rabbitChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		return s.channel, nil
	}
	ch, closeConn, err := s.open()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open RabbitMQ channel.")
		return nil, &SendError{Kind: classifyRabbit(err), Err: err}
	}
	s.channel = ch
	s.closeConn = closeConn
	s.logger.Info().Msg("RabbitMQ channel established.")
	return ch, nil
}

func (s *RabbitMQSender) resetChannel(failed rabbitChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != failed {
		return
	}
	_ = s.channel.Close()
	if s.closeConn != nil {
		_ = s.closeConn()
	}
	s.channel = nil
	s.closeConn = nil
	s.logger.Warn().Msg("RabbitMQ channel dropped, it will be re-established on the next send.")
}

func (s *RabbitMQSender) Send(ctx context.Context, batch types.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	ch, err := s.ensureChannel()
	if err != nil {
		return err
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(batch))
	for _, rec := range batch {
		body, err := rec.Encode()
		if err != nil {
			return Fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", s.cfg.HubName, false, false, amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.ID,
			Timestamp:    rec.CreatedAt,
			Type:         rec.Subject,
			Headers:      amqp.Table{"deviceId": rec.DeviceID, "source": rec.Source},
			Body:         body,
		})
		if err != nil {
			return s.fail(ch, fmt.Errorf("rabbitmq publish %s: %w", rec.ID, err))
		}
		if dc != nil {
			confirms = append(confirms, dc)
		}
	}

	for _, dc := range confirms {
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return s.fail(ch, fmt.Errorf("rabbitmq confirm: %w", err))
		}
		if !acked {
			return Transient(fmt.Errorf("rabbitmq broker nacked delivery %d", dc.DeliveryTag))
		}
	}
	return nil
}

func (s *RabbitMQSender) fail(ch rabbitChannel, err error) error {
	if errors.Is(err, amqp.ErrClosed) || isConnectionError(err) {
		s.resetChannel(ch)
	}
	return &SendError{Kind: classifyRabbit(err), Err: err}
}

func (s *RabbitMQSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil
	}
	s.logger.Info().Msg("Closing RabbitMQ connection...")
	_ = s.channel.Close()
	var err error
	if s.closeConn != nil {
		err = s.closeConn()
	}
	s.channel = nil
	s.closeConn = nil
	return err
}

func isConnectionError(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && !amqpErr.Recover
}

func classifyRabbit(err error) Kind {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.ContentTooLarge, amqp.PreconditionFailed:
			return KindFatal
		}
		return KindTransient
	}
	return Classify(err)
}
