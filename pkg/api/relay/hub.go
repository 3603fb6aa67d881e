package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrHubClosed is returned when registering with a hub that is shutting down
var ErrHubClosed = errors.New("relay hub closed")

// Config holds relay settings
type Config struct {
	// SendBuffer is the per-client outbound buffer; the oldest frame is dropped when full
	SendBuffer int

	// RateLimit and RateBurst bound inbound messages per socket client
	RateLimit float64
	RateBurst int

	// KeepAlive is the interval of SSE comment frames
	KeepAlive time.Duration

	// RetryAfter is the reconnect delay advertised to SSE clients
	RetryAfter time.Duration

	// AuthToken, when set, must be presented as a bearer token or token query parameter
	AuthToken string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
	return c
}

type clientKind string

const (
	kindSocket clientKind = "socket"
	kindPush   clientKind = "push"
)

type client struct {
	id      string
	kind    clientKind
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// offer queues data without blocking, dropping the oldest frame when full
func (c *client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
		return false
	default:
		return false
	}
}

// Hub fans envelopes out to connected relay clients
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	clients   map[string]*client
	closed    bool
	onMessage func(*message.Envelope)
}

// NewHub creates a relay hub
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// OnMessage sets the handler for envelopes sent by socket clients.
// Heartbeat frames are answered by the hub and never reach it.
func (h *Hub) OnMessage(fn func(*message.Envelope)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Broadcast sends env to every client and returns the number reached
func (h *Hub) Broadcast(env *message.Envelope) (int, error) {
	data, err := env.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.clients {
		if !c.offer(data) {
			h.logger.Debug("relay client buffer full, dropped oldest frame",
				zap.String("client_id", c.id),
				zap.String("message_id", env.ID))
		}
		delivered++
	}
	return delivered, nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Closed reports whether the hub is shutting down
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close disconnects every client. Socket clients receive a normal closure.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	h.logger.Info("relay hub closed", zap.Int("clients", len(clients)))
}

func (h *Hub) register(kind clientKind) (*client, error) {
	c := &client{
		id:      uuid.New().String(),
		kind:    kind,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.clients[c.id] = c

	h.logger.Info("relay client connected",
		zap.String("client_id", c.id),
		zap.String("kind", string(kind)),
		zap.Int("clients", len(h.clients)))
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	c.stop()
	if ok {
		h.logger.Info("relay client disconnected",
			zap.String("client_id", c.id),
			zap.String("kind", string(c.kind)),
			zap.Int("clients", n))
	}
}

func (h *Hub) handler() func(*message.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onMessage
}

// authorized checks the bearer header or token query parameter
func (h *Hub) authorized(header, query string) bool {
	if h.cfg.AuthToken == "" {
		return true
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == h.cfg.AuthToken {
		return true
	}
	return query == h.cfg.AuthToken
}
