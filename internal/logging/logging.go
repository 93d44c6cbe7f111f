// Package logging builds the structured loggers used by pingerd and pinger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Component scopes a logger to a named component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(slog.String(KeyComponent, name))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one NewLogger understands.
func ValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// ValidFormat reports whether format is text or json.
func ValidFormat(format string) bool {
	return format == "text" || format == "json"
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared by all components.
const (
	KeyComponent = "component"
	KeyHost      = "host"
	KeyClient    = "client"
	KeyID        = "id"
	KeySeq       = "seq"
	KeyTimeout   = "timeout"
	KeyRTT       = "rtt"
	KeyResult    = "result"
	KeyInFlight  = "in_flight"
	KeySize      = "size"
	KeySocket    = "socket"
	KeyAddress   = "address"
	KeyError     = "error"
)
