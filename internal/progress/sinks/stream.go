package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// StreamSink forwards events to a subscriber channel without blocking the
// hub. Events are dropped when the subscriber falls behind.
type StreamSink struct {
	mu      sync.Mutex
	ch      chan progress.Event
	closed  bool
	dropped atomic.Int64
}

// NewStreamSink creates a sink whose channel buffers up to size events.
func NewStreamSink(size int) *StreamSink {
	if size <= 0 {
		size = 256
	}
	return &StreamSink{ch: make(chan progress.Event, size)}
}

// Events returns the receive side. It is closed when the sink closes.
func (s *StreamSink) Events() <-chan progress.Event {
	return s.ch
}

// Dropped reports how many events the subscriber missed.
func (s *StreamSink) Dropped() int64 {
	return s.dropped.Load()
}

// Consume offers each event to the channel.
func (s *StreamSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Close closes the channel once.
func (s *StreamSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
