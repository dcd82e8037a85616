package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global slog logger for the gateway process based
// on logging.* config settings. Returns the lumberjack rotator (if file
// logging is enabled) so main can close it on shutdown.
func Setup(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *lumberjack.Logger {
	handler, rotator := SetupHandler(level, format, file, maxSizeMB, maxBackups, maxAgeDays, compress)
	slog.SetDefault(slog.New(handler))
	return rotator
}

// SetupHandler creates a slog.Handler and optional lumberjack rotator
// without setting the global default. This lets callers wrap the handler
// (e.g. with logring.TeeHandler, so the admin API can tail recent log
// entries) before calling slog.SetDefault, and lets the SIGHUP reload
// path rebuild the handler without re-wrapping it itself.
func SetupHandler(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) (slog.Handler, *lumberjack.Logger) {
	var w io.Writer = os.Stdout
	var rotator *lumberjack.Logger

	if file != "" {
		rotator = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		}
		w = rotator
	}

	lvl := parseLevel(level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return handler, rotator
}

// parseLevel maps a logging.level config value to its slog.Level,
// defaulting to Info for an unrecognized or empty string.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
