// Package logger defines the small logging surface the client packages
// depend on, backed by log/slog. Library users who want no output get the
// nop logger by default.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger accepts a message plus alternating key/value pairs, mirroring the
// slog convention so call sites read the same either way.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	base *slog.Logger
}

// NewSlogLogger creates a text-format logger writing to w (stderr when nil)
// that drops records below minLevel.
func NewSlogLogger(minLevel slog.Level, w io.Writer) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: minLevel})
	return &SlogLogger{base: slog.New(handler)}
}

// FromSlog wraps an existing slog logger, so an application can route the
// client's diagnostics through its own handler and attrs.
func FromSlog(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SlogLogger{base: base}
}

func (l *SlogLogger) Debug(msg string, keyvals ...any) { l.base.Debug(msg, keyvals...) }
func (l *SlogLogger) Info(msg string, keyvals ...any)  { l.base.Info(msg, keyvals...) }
func (l *SlogLogger) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, keyvals...) }
func (l *SlogLogger) Error(msg string, keyvals ...any) { l.base.Error(msg, keyvals...) }
