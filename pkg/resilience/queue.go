package resilience

import (
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
)

// OutboundQueue buffers envelopes while a connection is not open.
// It is FIFO, bounded, and evicts the oldest entry when full.
type OutboundQueue struct {
	mu       sync.Mutex
	items    []*message.Envelope
	capacity int
	ttl      time.Duration
}

// NewOutboundQueue creates a queue holding at most capacity envelopes.
// Envelopes without a TTL get now+ttl when first enqueued.
func NewOutboundQueue(capacity int, ttl time.Duration) *OutboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundQueue{
		items:    make([]*message.Envelope, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Enqueue appends env and returns the evicted envelope, if any
func (q *OutboundQueue) Enqueue(env *message.Envelope, now time.Time) (evicted *message.Envelope) {
	stamped := env.WithTTL(now, q.ttl)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == q.capacity {
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, stamped)
	return evicted
}

// Requeue puts envelopes back at the head of the queue, preserving their
// order and TTL. Entries that no longer fit are dropped from the tail of envs.
func (q *OutboundQueue) Requeue(envs []*message.Envelope) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	room := q.capacity - len(q.items)
	if room < len(envs) {
		dropped = len(envs) - room
		envs = envs[:room]
	}
	merged := make([]*message.Envelope, 0, q.capacity)
	merged = append(merged, envs...)
	merged = append(merged, q.items...)
	q.items = merged
	return dropped
}

// Drain removes every entry and returns the unexpired ones oldest first,
// together with the number of expired entries discarded.
func (q *OutboundQueue) Drain(now time.Time) (live []*message.Envelope, expired int) {
	q.mu.Lock()
	items := q.items
	q.items = make([]*message.Envelope, 0, q.capacity)
	q.mu.Unlock()

	live = make([]*message.Envelope, 0, len(items))
	for _, env := range items {
		if env.Expired(now) {
			expired++
			continue
		}
		live = append(live, env)
	}
	return live, expired
}

// Len returns the number of queued envelopes
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue bound
func (q *OutboundQueue) Cap() int {
	return q.capacity
}
