package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. Every record carries
// the service name so the dispatch API and the location consumer can
// share one log stream.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("service", "emergency-dispatch")
}

// WithComponent tags a logger for one subsystem (httpapi, consumer, ...).
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
