// Package logging configures the process-wide structured logger. Output is
// JSON on stderr so that plan output on stdout stays machine-readable.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog.Logger at the given level. Unknown level strings
// fall back to info.
func New(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(h)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(level string) slog.Level {
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

// Discard returns a logger that drops everything. Used in tests and as the
// fallback when a component is handed a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(nilWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }
