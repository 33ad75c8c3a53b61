package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/config"
)

// Init builds the process logger from the relayer config.
func Init(cfg config.Config) zerolog.Logger {
	return New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
}

// New creates a new zerolog logger writing to stdout.
// Supports console/json format, level filtering, and optional sampling.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, logLevel, logFormat, logSampler)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	writer := out
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stdout,
		}
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Logger()

	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}

// Component derives the sub-logger every long-lived relayer component uses.
// chain may be empty for chain-agnostic components.
func Component(base zerolog.Logger, component, chain string) zerolog.Logger {
	ctx := base.With().Str("component", component)
	if chain != "" {
		ctx = ctx.Str("chain", chain)
	}
	return ctx.Logger()
}
