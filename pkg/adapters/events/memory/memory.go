package memory

import (
	"context"
	"sync"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
)

// Sink implements ports.EventSink in memory.
// This is for testing and for running without Redis.
type Sink struct {
	mu     sync.RWMutex
	topics map[string][]*message.Envelope
	limit  int
}

var _ ports.EventSink = (*Sink)(nil)

// NewSink creates a sink keeping at most limit envelopes per topic (0 keeps all)
func NewSink(limit int) *Sink {
	return &Sink{
		topics: make(map[string][]*message.Envelope),
		limit:  limit,
	}
}

// Publish stores env under topic
func (s *Sink) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.topics[topic], env)
	if s.limit > 0 && len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.topics[topic] = entries
	return nil
}

// Events returns the envelopes stored under topic, oldest first
func (s *Sink) Events(topic string) []*message.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*message.Envelope(nil), s.topics[topic]...)
}

// Topics returns the number of topics with stored envelopes
func (s *Sink) Topics() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// Close clears every stored envelope
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics = make(map[string][]*message.Envelope)
	return nil
}
