package extensions

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	pumped "github.com/pumped-run/pumped-go"
)

// LoggingExtension logs every operation's duration and outcome through
// zerolog, at debug level on success and warn on failure.
type LoggingExtension struct {
	pumped.BaseExtension
	logger zerolog.Logger
}

// NewLoggingExtension creates a logging extension using the package-level
// zerolog logger.
func NewLoggingExtension() *LoggingExtension {
	return NewLoggingExtensionWithLogger(log.Logger)
}

// NewLoggingExtensionWithLogger creates a logging extension bound to a
// caller-supplied logger, for tests or scopes that want their own sink.
func NewLoggingExtensionWithLogger(logger zerolog.Logger) *LoggingExtension {
	return &LoggingExtension{
		BaseExtension: pumped.NewBaseExtension("logging"),
		logger:        logger,
	}
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	start := time.Now()
	e.logger.Debug().
		Str("extension", e.Name()).
		Str("op", string(op.Kind)).
		Msg("starting")

	result, err := next()

	duration := time.Since(start)
	if err != nil {
		e.logger.Warn().
			Str("extension", e.Name()).
			Str("op", string(op.Kind)).
			Dur("duration", duration).
			Err(err).
			Msg("failed")
	} else {
		e.logger.Debug().
			Str("extension", e.Name()).
			Str("op", string(op.Kind)).
			Dur("duration", duration).
			Msg("completed")
	}

	return result, err
}

func (e *LoggingExtension) OnError(err error, op *pumped.Operation, scope *pumped.Scope) {
	e.logger.Error().
		Str("extension", e.Name()).
		Str("op", string(op.Kind)).
		Err(err).
		Msg("operation error")
}
