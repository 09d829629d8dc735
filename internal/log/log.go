// Package log provides structured logging for hazardfuse.
// It wraps slog and scrubs secrets and precise coordinates from string
// attributes before they are written.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/straja-ai/hazardfuse/internal/redact"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init installs the global logger with the given level and format.
// Valid levels: "debug", "info", "warn", "error". Valid formats: "text",
// "json". GO_ENV=production forces JSON.
func Init(level, format string) {
	if os.Getenv("GO_ENV") == "production" {
		format = "json"
	}
	l := New(os.Stdout, level, format)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// New builds a logger writing to w without installing it.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrub,
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(redact.String(a.Value.String()))
	}
	return a
}

// L returns the global logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init("info", "text")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
