// Package obs wires up the process-wide structured logger.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a slog.Logger writing JSON to stderr at the given level
// name ("DEBUG", "INFO", "WARN", "ERROR"; unrecognized values fall back to
// INFO).
func NewLogger(levelName string) *slog.Logger {
	level := parseLevel(levelName)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
