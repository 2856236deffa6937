package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	charm "github.com/charmbracelet/log"
)

type SlogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// NewConsoleLogger writes human readable, colourised lines to w.
func NewConsoleLogger(w io.Writer, level slog.Level) *SlogLogger {
	h := charm.NewWithOptions(w, charm.Options{
		Level:           charm.Level(level),
		ReportTimestamp: true,
	})
	return NewSlogLogger(slog.New(h))
}

// NewJSONLogger writes one JSON object per record to w.
func NewJSONLogger(w io.Writer, level slog.Level) *SlogLogger {
	return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// Nop returns a logger that discards everything.
func Nop() *SlogLogger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	lvl, err := charm.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return slog.LevelInfo
	}
	return slog.Level(lvl)
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}
