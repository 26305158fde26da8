// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	// Pretty switches the text handler to short timestamps for terminals.
	Pretty bool
	Output io.Writer
}

var level = new(slog.LevelVar)

// NewLogger builds a slog logger from cfg and installs it as the default.
// The level is shared process-wide so SetLevel affects every logger built here.
func NewLogger(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if !SetLevel(cfg.Level) {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		if cfg.Pretty {
			opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
					return slog.String(slog.TimeKey, a.Value.Time().Format(time.TimeOnly))
				}
				return a
			}
		}
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel sets the shared log level from a string.
// Valid values: debug, info, warn, error (case-insensitive).
// Returns false if the level string is invalid.
func SetLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info", "":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return false
	}
	return true
}

// Level returns the current log level.
func Level() slog.Level {
	return level.Level()
}

// Component scopes logger (or the default logger when nil) to a component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
