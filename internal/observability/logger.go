// Package observability builds the structured logger shared by every
// process entry point.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger returns a JSON slog.Logger at the given level (one of debug,
// info, warn, error; defaults to info on anything else), tagged with
// service so multi-process log aggregation can tell workers, the gateway,
// and the health-checker cluster apart.
func SetupLogger(level string, service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(slog.String("service", service))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
