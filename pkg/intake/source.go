package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/supervisor"
	"github.com/rs/zerolog"
)

// IngestFunc hands one reading to the gateway. It returns
// intakequeue.ErrAdmissionRejected, intakequeue.ErrQueueClosed or a
// *transform.ValidationError when the reading was not accepted.
type IngestFunc func(source string, payload []byte, metadata map[string]string) error

// Source is a producer of readings that runs independently of any request,
// such as a broker subscription or a poller.
type Source interface {
	Name() string
	// Start begins delivering readings to ingest. It must not block.
	Start(ctx context.Context, ingest IngestFunc) error
	// Stop ends delivery. No call to ingest is made after Stop returns.
	Stop(ctx context.Context) error
}

// Loader starts and stops a fixed set of sources.
type Loader struct {
	sources []Source
	started []Source
	logger  zerolog.Logger
}

// NewLoader creates a Loader for the given sources.
func NewLoader(logger zerolog.Logger, sources ...Source) *Loader {
	return &Loader{
		sources: sources,
		logger:  logger.With().Str("component", "IntakeLoader").Logger(),
	}
}

// StartAll starts every source in order. If one fails, the sources already
// started are stopped again and the error is returned.
func (l *Loader) StartAll(ctx context.Context, ingest IngestFunc) error {
	for _, src := range l.sources {
		if err := src.Start(ctx, ingest); err != nil {
			l.logger.Error().Err(err).Str("source", src.Name()).Msg("Failed to start intake source.")
			_ = l.StopAll(ctx)
			return fmt.Errorf("start intake source %s: %w", src.Name(), err)
		}
		l.started = append(l.started, src)
		l.logger.Info().Str("source", src.Name()).Msg("Intake source started.")
	}
	return nil
}

// StopAll stops the started sources in reverse order and returns every error encountered.
func (l *Loader) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(l.started) - 1; i >= 0; i-- {
		src := l.started[i]
		if err := src.Stop(ctx); err != nil {
			l.logger.Error().Err(err).Str("source", src.Name()).Msg("Failed to stop intake source cleanly.")
			errs = append(errs, fmt.Errorf("stop intake source %s: %w", src.Name(), err))
		}
	}
	l.started = nil
	return errors.Join(errs...)
}

// isBackPressure reports whether a reading was refused only because the
// gateway could not take it right now.
func isBackPressure(err error) bool {
	return errors.Is(err, intakequeue.ErrAdmissionRejected) || errors.Is(err, intakequeue.ErrQueueClosed)
}

// guard runs fn and reports a panic in it as a background fault, so that one
// bad reading cannot take down a poller or a broker callback goroutine. It
// reports whether fn returned normally.
func guard(logger zerolog.Logger, task string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			supervisor.Report(logger, nil, task, r)
			ok = false
		}
	}()
	fn()
	return true
}
