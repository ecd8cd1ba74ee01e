// Package logging provides the structured JSON logger used across the
// scheduler's services.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so call sites depend on one type the whole
// codebase shares.
type Logger struct {
	*slog.Logger
}

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a configuration string to a slog level, defaulting to info
// for anything unrecognized.
func ParseLevel(level string) slog.Level {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// New creates a JSON logger writing to stdout at the given level.
func New(level string) *Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a JSON logger writing to w; tests capture output
// through it.
func NewWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Logger{Logger: slog.New(handler)}
}

// Default returns an info-level stdout logger.
func Default() *Logger {
	return New("info")
}

// With returns a logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}
