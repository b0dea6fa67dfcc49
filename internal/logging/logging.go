// Package logging provides the structured logger used across the
// orchestration core. Components depend on the narrow Logger interface,
// not on zerolog directly, so tests can substitute the no-op
// implementation.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the printf-style logging surface every component depends
// on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level is a recognized log_level configuration value.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format is a recognized log_format configuration value.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config drives New.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// zerologLogger adapts a zerolog.Logger to the Logger interface.
type zerologLogger struct {
	z zerolog.Logger
}

// New builds a Logger from cfg, following the component/field child
// logger convention used throughout the core (WithComponent).
func New(cfg Config) Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var z zerolog.Logger
	if cfg.Format == FormatConsole {
		z = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	return &zerologLogger{z: z}
}

// WithComponent returns a child Logger tagging every entry with the
// given component name.
func (l *zerologLogger) WithComponent(component string) Logger {
	return &zerologLogger{z: l.z.With().Str("component", component).Logger()}
}

func (l *zerologLogger) Debug(format string, args ...any) { l.z.Debug().Msgf(format, args...) }
func (l *zerologLogger) Info(format string, args ...any)  { l.z.Info().Msgf(format, args...) }
func (l *zerologLogger) Warn(format string, args ...any)  { l.z.Warn().Msgf(format, args...) }
func (l *zerologLogger) Error(format string, args ...any) { l.z.Error().Msgf(format, args...) }

// WithComponent returns a component-tagged child logger when l supports
// it, or l unchanged otherwise (the Nop logger has no fields to tag).
func WithComponent(l Logger, component string) Logger {
	if c, ok := l.(interface{ WithComponent(string) Logger }); ok {
		return c.WithComponent(component)
	}
	return l
}

// Nop is a Logger that discards everything, used in tests and anywhere
// a caller declines to wire a real logger.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
