package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogging configures the default slog logger. level is one of debug,
// info, warn, error; format is "json" or anything else for text.
func SetupLogging(level, format string) {
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, level, format)))
}

func newLogHandler(w io.Writer, level, format string) slog.Handler {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
