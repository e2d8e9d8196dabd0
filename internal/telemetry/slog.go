package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures the global slog default logger from the logging
// format and level strings in the application configuration.
//
// format: "json" selects JSONHandler (production); anything else selects
// TextHandler (local development). level: "debug", "info", "warn", "error"
// (case-insensitive), defaulting to "info".
//
// The configured logger is installed as the slog default so the rest of the
// codebase logs through plain slog.Info/Warn/Error calls without carrying a
// *slog.Logger around.
func SetupLogger(format, level string) {
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

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
