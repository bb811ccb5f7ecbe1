package monitor

import (
	"sync"

	"go.uber.org/zap"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Log != nil {
		s.Log.Warn("alert", zap.String("message", message))
	}
	return nil
}

// MemorySink keeps the most recent alerts, e.g. for the API or tests.
type MemorySink struct {
	mu    sync.Mutex
	max   int
	items []string
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 100
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.max {
		s.items = s.items[1:]
	}
	s.items = append(s.items, message)
	return nil
}

// Recent returns the kept alerts, oldest first.
func (s *MemorySink) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

// MultiSink fans an alert out to several sinks and returns the first error.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
