package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagomon/pkg/adapters/transport/sse"
	"github.com/aescanero/dagomon/pkg/adapters/transport/websocket"
	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/resilience"
	"github.com/aescanero/dagomon/pkg/stream"
	"go.uber.org/zap"
)

var (
	// ErrConnectionExists is returned when a connection id is already in use
	ErrConnectionExists = errors.New("connection already exists")

	// ErrConnectionNotFound is returned for unknown connection ids
	ErrConnectionNotFound = errors.New("connection not found")
)

// TransportFactory builds the transports of a named connection
type TransportFactory interface {
	Socket(id string, cfg ports.ConnectionConfig) ports.Transport
	Push(id string, cfg ports.ConnectionConfig) ports.Transport
}

// DefaultFactory builds gorilla socket and SSE push transports
type DefaultFactory struct {
	Clock   resilience.Clock
	Metrics ports.MetricsCollector
	Logger  *zap.Logger
}

// Socket implements TransportFactory
func (f DefaultFactory) Socket(id string, cfg ports.ConnectionConfig) ports.Transport {
	opts := []websocket.Option{websocket.WithMetrics(f.metrics())}
	if f.Clock != nil {
		opts = append(opts, websocket.WithClock(f.Clock))
	}
	return websocket.NewSocket(id, cfg, f.logger(), opts...)
}

// Push implements TransportFactory
func (f DefaultFactory) Push(id string, cfg ports.ConnectionConfig) ports.Transport {
	opts := []sse.Option{sse.WithMetrics(f.metrics())}
	if f.Clock != nil {
		opts = append(opts, sse.WithClock(f.Clock))
	}
	return sse.NewPush(id, cfg, f.logger(), opts...)
}

func (f DefaultFactory) metrics() ports.MetricsCollector {
	if f.Metrics == nil {
		return ports.NopMetrics{}
	}
	return f.Metrics
}

func (f DefaultFactory) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

// StateChange is emitted whenever a connection's state changes
type StateChange struct {
	ConnectionID string
	State        ports.ConnectionState
}

// Statistics summarises the manager
type Statistics struct {
	Connections       int                              `json:"connections"`
	ActiveConnections int                              `json:"activeConnections"`
	Subscribers       int                              `json:"subscribers"`
	States            map[string]ports.ConnectionState `json:"states"`
}

// connection holds the transport currently bound to a connection id
type connection struct {
	id        string
	cfg       ports.ConnectionConfig
	fallback  bool
	transport ports.Transport
	unsubs    []func()
}

// view reports st as seen through conn. A transport in error with no
// further fallback leaves the connection without a protocol.
func (c *connection) view(t ports.Transport, st ports.ConnectionState) ports.ConnectionState {
	if st.Status == ports.StatusError && (!c.fallback || t.Protocol() != ports.ProtocolSocket) {
		st.Protocol = ports.ProtocolNone
	}
	return st
}

func (c *connection) detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// Manager owns the named connections and routes their inbound envelopes
type Manager struct {
	factory   TransportFactory
	router    *Router
	validator *Validator
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	changes *stream.Broadcaster[StateChange]
}

// NewManager creates a new monitoring manager
func NewManager(
	factory TransportFactory,
	router *Router,
	validator *Validator,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{
		factory:   factory,
		router:    router,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		conns:     make(map[string]*connection),
		changes:   stream.NewBroadcaster[StateChange](),
	}
}

// CreateConnection validates cfg and connects id over the socket transport.
// With fallbackEnabled, a socket that ends in error is replaced by a push
// transport bound to the same id.
func (m *Manager) CreateConnection(ctx context.Context, id string, cfg ports.ConnectionConfig, fallbackEnabled bool) error {
	if err := m.validator.Validate(id, cfg); err != nil {
		m.logger.Error("connection config validation failed",
			zap.String("connection_id", id),
			zap.Error(err))
		return fmt.Errorf("validation failed: %w", err)
	}

	conn := &connection{id: id, cfg: cfg, fallback: fallbackEnabled}

	m.mu.Lock()
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionExists, id)
	}
	m.conns[id] = conn
	socket := m.factory.Socket(id, cfg)
	m.attachLocked(conn, socket)
	m.mu.Unlock()

	m.logger.Info("connection created",
		zap.String("connection_id", id),
		zap.Bool("fallback_enabled", fallbackEnabled))
	m.recordConnections()

	err := socket.Connect(ctx)
	if !m.isCurrent(conn, socket) {
		m.release(conn, socket)
		return nil
	}
	if err != nil {
		if !fallbackEnabled {
			return fmt.Errorf("failed to connect %s: %w", id, err)
		}
		if ferr := m.fallBack(conn, socket); ferr != nil {
			return fmt.Errorf("failed to connect %s: %w", id, errors.Join(err, ferr))
		}
	}

	return nil
}

func (m *Manager) isCurrent(conn *connection, t ports.Transport) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[conn.id] == conn && conn.transport == t
}

// release stops t after its connection was closed or replaced while t was
// still connecting
func (m *Manager) release(conn *connection, t ports.Transport) {
	t.Disconnect()
	m.logger.Debug("transport released after connection closed",
		zap.String("connection_id", conn.id),
		zap.String("protocol", string(t.Protocol())))
}

// attachLocked binds t to conn and wires its streams into the router
func (m *Manager) attachLocked(conn *connection, t ports.Transport) {
	conn.detach()
	conn.transport = t

	conn.unsubs = append(conn.unsubs,
		t.SubscribeMessages(func(env *message.Envelope) {
			m.router.Dispatch(conn.id, env)
		}),
		t.SubscribeState(func(st ports.ConnectionState) {
			m.onState(conn, t, st)
		}),
	)
}

func (m *Manager) onState(conn *connection, t ports.Transport, st ports.ConnectionState) {
	if !m.isCurrent(conn, t) {
		return
	}

	m.changes.Publish(StateChange{ConnectionID: conn.id, State: conn.view(t, st)})
	m.recordConnections()

	if st.Status == ports.StatusError && conn.fallback && t.Protocol() == ports.ProtocolSocket {
		if err := m.fallBack(conn, t); err != nil {
			m.logger.Error("push fallback failed",
				zap.String("connection_id", conn.id),
				zap.Error(err))
		}
	}
}

// fallBack replaces the failed socket of conn with a push transport
func (m *Manager) fallBack(conn *connection, failed ports.Transport) error {
	m.mu.Lock()
	if m.conns[conn.id] != conn || conn.transport != failed {
		m.mu.Unlock()
		return nil
	}
	conn.detach()
	push := m.factory.Push(conn.id, conn.cfg)
	m.attachLocked(conn, push)
	m.mu.Unlock()

	failed.Disconnect()
	m.metrics.IncFallbacks(conn.id)
	m.logger.Warn("socket transport failed, falling back to push",
		zap.String("connection_id", conn.id))

	err := push.Connect(context.Background())
	if !m.isCurrent(conn, push) {
		m.release(conn, push)
		return nil
	}
	return err
}

// Subscribe registers handler for topics
func (m *Manager) Subscribe(subscriberID string, topics []string, handler Handler, filter Filter) error {
	return m.router.Subscribe(subscriberID, topics, handler, filter)
}

// Unsubscribe removes subscriberID from topics, or from all topics when none are given
func (m *Manager) Unsubscribe(subscriberID string, topics ...string) {
	m.router.Unsubscribe(subscriberID, topics...)
}

// SendMessage sends env over connection id. It returns false when the
// connection is unknown, receive-only, or the envelope was queued or dropped.
func (m *Manager) SendMessage(id string, env *message.Envelope) bool {
	m.mu.RLock()
	conn, ok := m.conns[id]
	var t ports.Transport
	if ok {
		t = conn.transport
	}
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("send to unknown connection",
			zap.String("connection_id", id),
			zap.String("message_id", env.ID))
		return false
	}
	if t.Protocol() == ports.ProtocolPush {
		m.logger.Warn("connection is receive-only",
			zap.String("connection_id", id),
			zap.String("message_id", env.ID))
		return false
	}
	return t.Send(env)
}

// CloseConnection disconnects and forgets connection id
func (m *Manager) CloseConnection(id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	delete(m.conns, id)
	conn.detach()
	t := conn.transport
	m.mu.Unlock()

	t.Disconnect()
	m.metrics.RemoveConnection(id)
	m.recordConnections()

	m.logger.Info("connection closed", zap.String("connection_id", id))
	return nil
}

// CloseAllConnections closes every connection
func (m *Manager) CloseAllConnections() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.CloseConnection(id)
	}
}

// ConnectionState returns the state of connection id
func (m *Manager) ConnectionState(id string) (ports.ConnectionState, bool) {
	m.mu.RLock()
	conn, ok := m.conns[id]
	var t ports.Transport
	if ok {
		t = conn.transport
	}
	m.mu.RUnlock()

	if !ok {
		return ports.ConnectionState{}, false
	}
	return conn.view(t, t.State()), true
}

// ConnectionIDs returns the known connection ids in sorted order
func (m *Manager) ConnectionIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// GetStatistics returns connection and subscriber counts plus every connection's state
func (m *Manager) GetStatistics() Statistics {
	type bound struct {
		conn      *connection
		transport ports.Transport
	}

	m.mu.RLock()
	conns := make(map[string]bound, len(m.conns))
	for id, conn := range m.conns {
		conns[id] = bound{conn: conn, transport: conn.transport}
	}
	m.mu.RUnlock()

	stats := Statistics{
		Connections: len(conns),
		Subscribers: m.router.SubscriberCount(),
		States:      make(map[string]ports.ConnectionState, len(conns)),
	}
	for id, b := range conns {
		st := b.conn.view(b.transport, b.transport.State())
		stats.States[id] = st
		if st.Active() {
			stats.ActiveConnections++
		}
	}
	return stats
}

// OnStateChange registers fn for state changes of every connection
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.changes.Subscribe(fn)
}

// Bus returns the shared bus carrying every routed envelope
func (m *Manager) Bus() *stream.Broadcaster[*message.Envelope] {
	return m.router.Bus()
}

func (m *Manager) recordConnections() {
	stats := m.GetStatistics()
	m.metrics.SetConnections(stats.Connections, stats.ActiveConnections)
}
