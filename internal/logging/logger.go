// Package logging provides the structured, Loki-compatible logger shared
// by every component of the collector.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects verbosity and output shape.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // json|pretty
}

// New builds a zerolog.Logger tagged with the collector's service name.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "crypto-collector").
		Logger()
}

// InitGlobal installs the collector logger as zerolog's package-level
// logger, for code paths that use the global log.Logger convenience API.
func InitGlobal(cfg Config) {
	log.Logger = New(cfg)
}

// RecoverPanic is the standard defer for any supervised goroutine: it logs
// a recovered panic with a full stack trace but does not re-panic, so one
// connection's crash never takes the process down with it.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}

// LogError logs an error with context fields, no stack trace.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
