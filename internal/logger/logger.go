package logger

import (
	"log/slog"
	"os"
	"strings"
)

var log *slog.Logger

// Init configures the global logger. Production gets JSON output at info
// level; everything else gets human-readable text at debug level. LOG_LEVEL
// overrides the level either way.
func Init(env string) {
	level := defaultLevel(env)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = parseLevel(v, level)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log = slog.New(handler)
	slog.SetDefault(log)
}

func defaultLevel(env string) slog.Level {
	if env == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func parseLevel(v string, fallback slog.Level) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return fallback
}

func get() *slog.Logger {
	if log == nil {
		Init("development")
	}
	return log
}

// With returns a logger carrying additional key-value pairs.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }
