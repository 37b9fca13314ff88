package logging

import (
	"io"
	"log/slog"
	"os"
)

// Redacted replaces the value of attributes that may carry PHI.
const Redacted = "[REDACTED]"

// phiKeys are attribute names whose values are never written.
var phiKeys = map[string]struct{}{
	"quote":    {},
	"text":     {},
	"original": {},
	"content":  {},
}

// Logger wraps slog.Logger with application-specific functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level
func New(level string) *Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactPHI,
	}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
}

// Default returns a logger with default settings
func Default() *Logger {
	return New("info")
}

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

func redactPHI(_ []string, a slog.Attr) slog.Attr {
	if _, ok := phiKeys[a.Key]; ok {
		return slog.String(a.Key, Redacted)
	}
	return a
}
