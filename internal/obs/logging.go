// Package obs contains observability utilities such as logging and metrics.
package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger used by the service.
//
// It is usable before InitLogger runs so library code and tests never log
// through a nil pointer.
var Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

// InitLogger initializes the global Logger with a JSON handler at info level.
func InitLogger() {
	InitLoggerWith(os.Stdout, "info")
}

// InitLoggerWith initializes the global Logger writing to w at the named level
// (debug, info, warn, error). Unknown levels fall back to info.
func InitLoggerWith(w io.Writer, level string) {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	Logger = slog.New(h)
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a child of the global Logger tagged with a component name.
func With(component string) *slog.Logger {
	return Logger.With("component", component)
}
