package transform

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
)

// Limits bounds the payload size accepted at intake.
type Limits struct {
	MinPayloadSize int `yaml:"min_payload_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// DefaultLimits accepts any non-empty payload up to 256 KiB, the Event Hubs
// message size limit on the basic tier.
func DefaultLimits() Limits {
	return Limits{MinPayloadSize: 1, MaxPayloadSize: 256 * 1024}
}

// ValidationError reports why a raw item was refused at intake.
type ValidationError struct {
	ItemID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("item %q rejected: %s", e.ItemID, e.Reason)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks that a raw item is fit to be queued.
func Validate(item types.RawItem, limits Limits) error {
	if item.Source == "" {
		return &ValidationError{ItemID: item.ID, Reason: "missing source"}
	}
	size := len(item.Payload)
	if size == 0 {
		return &ValidationError{ItemID: item.ID, Reason: "empty payload"}
	}
	if size < limits.MinPayloadSize {
		return &ValidationError{ItemID: item.ID, Reason: fmt.Sprintf("payload of %d bytes below minimum %d", size, limits.MinPayloadSize)}
	}
	if limits.MaxPayloadSize > 0 && size > limits.MaxPayloadSize {
		return &ValidationError{ItemID: item.ID, Reason: fmt.Sprintf("payload of %d bytes above maximum %d", size, limits.MaxPayloadSize)}
	}
	return nil
}

// EnqueueFunc admits a raw item to the pipeline.
type EnqueueFunc func(item types.RawItem) error

// WithValidation wraps next so that malformed items are rejected, with the
// reason logged, before they reach the queue.
func WithValidation(next EnqueueFunc, limits Limits, logger zerolog.Logger) EnqueueFunc {
	return func(item types.RawItem) error {
		if err := Validate(item, limits); err != nil {
			logger.Warn().Str("item_id", item.ID).Str("source", item.Source).Int("payload_size", len(item.Payload)).Err(err).Msg("Rejecting malformed item.")
			return err
		}
		return next(item)
	}
}
