// Package logging builds the process-wide structured logger. Both binaries
// log JSON to stdout with a `service` attribute so the API accept and the
// worker's row processing of the same request correlate in one stream.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewJSONLogger constructs the service logger and installs it as the slog
// default so package-level warnings (middleware, retry loops) share the sink.
// Debug level additionally records source positions.
func NewJSONLogger(service, level string) *slog.Logger {
	parsed := parseLevel(level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parsed,
		AddSource: parsed == slog.LevelDebug,
	})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
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
