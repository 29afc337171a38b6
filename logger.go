package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// NewLogger builds the process-wide structured logger. Mirrors the
// level/format switch used throughout the rest of the data plane so every
// component logs through the same sink.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "telemetry-bridge").
		Logger()
}
