package sender

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a send failure.
type Kind int

const (
	// KindTransient failures (timeouts, resets, broker unavailable) are safe to
	// retry with the same batch.
	KindTransient Kind = iota
	// KindFatal failures (malformed payload, bad credentials, unknown target)
	// will not succeed on retry.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// SendError wraps a broker error with its classification.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Kind: KindTransient, Err: err}
}

// Fatal marks err as not retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Kind: KindFatal, Err: err}
}

// Classify returns the kind of err. Errors that were not explicitly classified
// are transient, except context cancellation which means the caller gave up.
func Classify(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindTransient
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == KindFatal
}
