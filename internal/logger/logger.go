// Package logger builds the zerolog logger used by the command-line tool.
package logger

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalesfsp/greenguard/internal/config"
)

// New creates a logger writing to w in the configured format and level.
// Console and pretty formats are human-readable; anything else is JSON.
func New(cfg *config.Config, w io.Writer) zerolog.Logger {
	var output io.Writer = w

	if cfg.LogFormat == "console" || cfg.LogFormat == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.LogLevel)).
		With().
		Timestamp().
		Str("env", cfg.Env).
		Logger()
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
