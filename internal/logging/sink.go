package logging

import (
	"log/slog"
)

// Sink receives diagnostics that are not the relay's own, such as log lines
// the extension forwards.
type Sink interface {
	Log(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogSink writes sink entries to a slog logger.
type SlogSink struct {
	L *slog.Logger
}

// NewSink returns a Sink backed by l, or by the process logger if l is nil.
func NewSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = Logger()
	}
	return &SlogSink{L: l}
}

func (s *SlogSink) Log(msg string, args ...any) {
	s.L.Info(msg, args...)
}

func (s *SlogSink) Error(msg string, args ...any) {
	s.L.Error(msg, args...)
}
