package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
)

// batchMessageFormat is the AMQP message format Event Hubs uses for a batch
// envelope whose data sections are themselves encoded AMQP messages.
const batchMessageFormat uint32 = 0x80013700

const contentTypeJSON = "application/json"

// amqpLink is the part of an AMQP sender link the AMQPSender depends on.
type amqpLink interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// connLink owns the connection, session and sender link opened for one dial.
type connLink struct {
	conn    *amqp.Conn
	session *amqp.Session
	sender  *amqp.Sender
}

func (l *connLink) Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error {
	return l.sender.Send(ctx, msg, opts)
}

func (l *connLink) Close(ctx context.Context) error {
	_ = l.sender.Close(ctx)
	_ = l.session.Close(ctx)
	return l.conn.Close()
}

// AMQPSender sends batches to an Event Hub (or any AMQP 1.0 node) as a single
// batch envelope, so a batch is accepted or rejected as a whole. The link is
// opened lazily and re-dialled after a connection, session or link failure.
type AMQPSender struct {
	cfg    *SenderConfig
	logger zerolog.Logger
	dial   func(ctx context.Context) (amqpLink, error)

	mu   sync.Mutex
	link amqpLink
}

// NewAMQPSender creates an AMQPSender. It does not connect until Open or the first Send.
func NewAMQPSender(cfg *SenderConfig, logger zerolog.Logger) (*AMQPSender, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("amqp address is required")
	}
	if cfg.HubName == "" {
		return nil, fmt.Errorf("amqp hub name is required")
	}
	s := &AMQPSender{
		cfg:    cfg,
		logger: logger.With().Str("component", "AMQPSender").Str("prefix", cfg.LogPrefix).Str("hub", cfg.HubName).Logger(),
	}
	s.dial = s.dialLink
	return s, nil
}

// Open connects eagerly so that configuration problems surface at startup.
func (s *AMQPSender) Open(ctx context.Context) error {
	_, err := s.ensureLink(ctx)
	return err
}

// Send delivers the batch. A single record is sent as a plain message.
func (s *AMQPSender) Send(ctx context.Context, batch types.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	msg, err := s.newBatchMessage(batch)
	if err != nil {
		return Fatal(err)
	}

	link, err := s.ensureLink(ctx)
	if err != nil {
		return err
	}
	if err := link.Send(ctx, msg, nil); err != nil {
		kind, reset := classifyAMQP(err)
		if reset {
			s.resetLink(link)
		}
		return &SendError{Kind: kind, Err: fmt.Errorf("amqp send of %d records: %w", len(batch), err)}
	}
	return nil
}

// Close releases the AMQP connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()

	if link == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info().Msg("Closing AMQP connection...")
	return link.Close(ctx)
}

func (s *AMQPSender) ensureLink(ctx context.Context) (amqpLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return s.link, nil
	}

	link, err := s.dial(ctx)
	if err != nil {
		kind, _ := classifyAMQP(err)
		s.logger.Error().Err(err).Str("kind", kind.String()).Msg("Failed to open AMQP link.")
		return nil, &SendError{Kind: kind, Err: fmt.Errorf("amqp connect: %w", err)}
	}
	s.link = link
	s.logger.Info().Msg("AMQP link established.")
	return link, nil
}

func (s *AMQPSender) resetLink(failed amqpLink) {
	s.mu.Lock()
	if s.link != failed {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = failed.Close(ctx)
	s.logger.Warn().Msg("AMQP link dropped, it will be re-established on the next send.")
}

func (s *AMQPSender) dialLink(ctx context.Context) (amqpLink, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	opts := &amqp.ConnOptions{ContainerID: s.cfg.DeviceID}
	if s.cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(s.cfg.Username, s.cfg.Password)
	}
	conn, err := amqp.Dial(ctx, s.cfg.Address, opts)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	snd, err := session.NewSender(ctx, s.cfg.HubName, nil)
	if err != nil {
		_ = session.Close(ctx)
		_ = conn.Close()
		return nil, err
	}
	return &connLink{conn: conn, session: session, sender: snd}, nil
}

// newMessage builds the AMQP message for one record.
func newMessage(rec types.OutboundRecord) (*amqp.Message, error) {
	body, err := rec.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	subject := rec.Subject
	contentType := contentTypeJSON
	created := rec.CreatedAt
	return &amqp.Message{
		Data: [][]byte{body},
		Properties: &amqp.MessageProperties{
			MessageID:    rec.ID,
			Subject:      &subject,
			ContentType:  &contentType,
			CreationTime: &created,
		},
		ApplicationProperties: map[string]any{
			"deviceId":    rec.DeviceID,
			"displayName": rec.DisplayName,
			"source":      rec.Source,
		},
	}, nil
}

func (s *AMQPSender) newBatchMessage(batch types.Batch) (*amqp.Message, error) {
	if len(batch) == 1 {
		return newMessage(batch[0])
	}
	envelope := &amqp.Message{
		Format: batchMessageFormat,
		Data:   make([][]byte, 0, len(batch)),
	}
	for i, rec := range batch {
		msg, err := newMessage(rec)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			envelope.Properties = msg.Properties
			envelope.ApplicationProperties = msg.ApplicationProperties
		}
		encoded, err := msg.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode amqp message %s: %w", rec.ID, err)
		}
		envelope.Data = append(envelope.Data, encoded)
	}
	return envelope, nil
}

// classifyAMQP maps an AMQP failure to a Kind, and reports whether the link
// must be discarded.
func classifyAMQP(err error) (kind Kind, resetLink bool) {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return conditionKind(connErr.RemoteErr), true
	}
	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) {
		return conditionKind(sessErr.RemoteErr), true
	}
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		return conditionKind(linkErr.RemoteErr), true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return conditionKind(amqpErr), false
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal, false
	}
	// Dial failures and deadline overruns leave the link in an unknown state.
	return KindTransient, true
}

func conditionKind(remote *amqp.Error) Kind {
	if remote == nil {
		return KindTransient
	}
	switch remote.Condition {
	case amqp.ErrCondUnauthorizedAccess,
		amqp.ErrCondDecodeError,
		amqp.ErrCondNotFound,
		amqp.ErrCondNotAllowed,
		amqp.ErrCondInvalidField,
		amqp.ErrCondNotImplemented,
		amqp.ErrCondMessageSizeExceeded:
		return KindFatal
	default:
		return KindTransient
	}
}
