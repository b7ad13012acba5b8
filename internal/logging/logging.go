// Package logging wires a process-wide structured logger for the fabric.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the fabric actually distinguishes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects JSON (production/Loki-style) or console (local dev) output.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures the root logger.
type Config struct {
	Level  Level
	Format Format
}

// New builds the root logger, tagged with service "icotes-fabric", the way the teacher's logger.go wires zerolog for Loki ingestion.
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "icotes-fabric").Logger()
}

// WithComponent returns a sub-logger tagged with the owning component name,
// the convention every package in the fabric uses for its own logger field.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// LogPanic records a recovered panic with a stack trace at error level.
// No package in the module calls it; the broker's dispatch recovers its
// callback panics itself.
func LogPanic(logger zerolog.Logger, panicValue any, msg string) {
	logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
