package websocket

import (
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
)

// Heartbeat tracks outstanding pings and turns matching pongs into latency samples
type Heartbeat struct {
	timeout   time.Duration
	maxMissed int

	mu      sync.Mutex
	pending map[string]time.Time
	missed  int
}

// NewHeartbeat creates a heartbeat tracker. Pings unanswered after timeout are
// counted as missed; maxMissed consecutive misses exhaust it (0 never exhausts).
func NewHeartbeat(timeout time.Duration, maxMissed int) *Heartbeat {
	return &Heartbeat{
		timeout:   timeout,
		maxMissed: maxMissed,
		pending:   make(map[string]time.Time),
	}
}

// Ping creates a ping frame and records its send time
func (h *Heartbeat) Ping(now time.Time) *message.Envelope {
	ping := message.NewPing(now)
	id, _ := ping.CorrelationID()

	h.mu.Lock()
	h.pending[id] = now
	h.mu.Unlock()

	return ping
}

// Pong matches a pong against its ping and returns now minus the ping's send time
func (h *Heartbeat) Pong(pong *message.Envelope, now time.Time) (time.Duration, bool) {
	id, ok := pong.CorrelationID()
	if !ok {
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent, ok := h.pending[id]
	if !ok {
		return 0, false
	}
	delete(h.pending, id)
	h.missed = 0
	return now.Sub(sent), true
}

// Purge drops pings older than the timeout and counts them as missed
func (h *Heartbeat) Purge(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	purged := 0
	for id, sent := range h.pending {
		if now.Sub(sent) >= h.timeout {
			delete(h.pending, id)
			purged++
		}
	}
	h.missed += purged
	return purged
}

// Exhausted reports whether too many consecutive pings went unanswered
func (h *Heartbeat) Exhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxMissed > 0 && h.missed >= h.maxMissed
}

// Missed returns the number of consecutive unanswered pings
func (h *Heartbeat) Missed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}

// Pending returns the number of pings awaiting a pong
func (h *Heartbeat) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Reset forgets every outstanding ping
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = make(map[string]time.Time)
	h.missed = 0
}
