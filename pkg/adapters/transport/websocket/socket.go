package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/resilience"
	"github.com/aescanero/dagomon/pkg/stream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// closeWait bounds the close frame written by Disconnect
const closeWait = time.Second

// Socket is the bidirectional transport. It owns reconnect scheduling, the
// heartbeat and the outbound queue of one named connection.
//
// Every connection attempt runs under a generation number. Timers, dials and
// read loops carry the generation they were started with and do nothing once
// it is no longer current, so a Disconnect can never be undone by a callback
// that was already scheduled.
type Socket struct {
	id        string
	cfg       ports.ConnectionConfig
	dialer    Dialer
	clock     resilience.Clock
	policy    resilience.ReconnectPolicy
	queue     *resilience.OutboundQueue
	heartbeat *Heartbeat
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	mu             sync.Mutex
	state          ports.ConnectionState
	url            string
	conn           Conn
	gen            uint64
	reconnectTimer resilience.Timer
	heartbeatTimer resilience.Timer

	writeMu sync.Mutex

	states   *stream.Broadcaster[ports.ConnectionState]
	messages *stream.Broadcaster[*message.Envelope]
}

// Option configures a Socket
type Option func(*Socket)

// WithDialer replaces the gorilla dialer
func WithDialer(d Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

// WithClock replaces the system clock
func WithClock(c resilience.Clock) Option {
	return func(s *Socket) { s.clock = c }
}

// WithMetrics sets the metrics collector
func WithMetrics(m ports.MetricsCollector) Option {
	return func(s *Socket) { s.metrics = m }
}

// NewSocket creates a disconnected socket transport for connection id
func NewSocket(id string, cfg ports.ConnectionConfig, logger *zap.Logger, opts ...Option) *Socket {
	cfg = cfg.WithDefaults()

	s := &Socket{
		id:        id,
		cfg:       cfg,
		clock:     resilience.SystemClock{},
		policy:    resilience.NewReconnectPolicy(cfg.ReconnectDelay, cfg.MaxReconnectAttempts),
		queue:     resilience.NewOutboundQueue(cfg.QueueCapacity, cfg.QueueTTL),
		heartbeat: NewHeartbeat(cfg.MessageTimeout, cfg.MaxMissedHeartbeats),
		metrics:   ports.NopMetrics{},
		logger:    logger.With(zap.String("connection_id", id), zap.String("protocol", string(ports.ProtocolSocket))),
		state:     ports.NewConnectionState(ports.ProtocolSocket),
		states:    stream.NewBroadcaster[ports.ConnectionState](),
		messages:  stream.NewBroadcaster[*message.Envelope](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = NewDialer(cfg)
	}

	return s
}

// Protocol implements ports.Transport
func (s *Socket) Protocol() ports.Protocol {
	return ports.ProtocolSocket
}

// State implements ports.Transport
func (s *Socket) State() ports.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Queued = s.queue.Len()
	return st
}

// SubscribeMessages implements ports.Transport
func (s *Socket) SubscribeMessages(fn func(*message.Envelope)) func() {
	return s.messages.Subscribe(fn)
}

// SubscribeState implements ports.Transport
func (s *Socket) SubscribeState(fn func(ports.ConnectionState)) func() {
	return s.states.Subscribe(fn)
}

// Connect implements ports.Transport. Calling it while connecting or connected
// is a no-op; calling it from error resets the attempt counter.
func (s *Socket) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := socketURL(s.cfg)

	s.mu.Lock()
	if err != nil {
		s.gen++
		s.cancelTimersLocked()
		s.setStatusLocked(ports.StatusError)
		s.mu.Unlock()
		s.states.Flush()

		s.logger.Error("failed to create socket transport", zap.Error(err))
		return fmt.Errorf("failed to create socket transport: %w", err)
	}

	switch s.state.Status {
	case ports.StatusConnecting, ports.StatusConnected:
		s.mu.Unlock()
		return nil
	case ports.StatusError:
		s.state.ReconnectAttempts = 0
	}

	s.cancelTimersLocked()
	s.gen++
	gen := s.gen
	s.url = target
	s.setStatusLocked(ports.StatusConnecting)
	s.mu.Unlock()
	s.states.Flush()

	s.logger.Info("connecting", zap.String("url", target))

	go s.dial(gen)
	return nil
}

// Disconnect implements ports.Transport
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.cancelTimersLocked()
	conn := s.conn
	s.conn = nil
	s.heartbeat.Reset()
	s.state.ConnectedAt = nil
	changed := s.state.Status != ports.StatusDisconnected
	if changed {
		s.setStatusLocked(ports.StatusDisconnected)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		_ = conn.Close()
	}

	s.states.Flush()
	if changed {
		s.logger.Info("disconnected")
	}
}

// Send implements ports.Transport
func (s *Socket) Send(env *message.Envelope) bool {
	now := s.clock.Now()
	if env.Expired(now) {
		s.metrics.IncMessagesDropped(s.id, "expired")
		return false
	}

	s.mu.Lock()
	conn := s.conn
	if s.state.Status != ports.StatusConnected || conn == nil {
		s.mu.Unlock()
		s.enqueue(env, now)
		return false
	}
	s.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		s.logger.Error("dropping unencodable envelope",
			zap.String("message_id", env.ID),
			zap.Error(err))
		s.metrics.IncMessagesDropped(s.id, "encode")
		return false
	}

	if err := s.writeFrame(conn, data); err != nil {
		s.logger.Warn("send failed, queueing envelope",
			zap.String("message_id", env.ID),
			zap.Error(err))
		s.enqueue(env, now)
		// a failed or timed out write leaves the conn unusable; closing it
		// hands recovery to the read loop
		_ = conn.Close()
		return false
	}

	s.recordSent(env, len(data))
	return true
}

func (s *Socket) enqueue(env *message.Envelope, now time.Time) {
	evicted := s.queue.Enqueue(env, now)
	depth := s.queue.Len()
	s.metrics.SetQueueDepth(s.id, depth)

	if evicted != nil {
		s.metrics.IncMessagesDropped(s.id, "queue_overflow")
		s.logger.Debug("outbound queue full, dropped oldest envelope",
			zap.String("message_id", evicted.ID),
			zap.Int("capacity", s.queue.Cap()))
	}
}

// writeFrame writes one text frame. Each write is bounded by MessageTimeout
// so a peer that stops reading cannot stall senders.
func (s *Socket) writeFrame(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.MessageTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) recordSent(env *message.Envelope, n int) {
	s.mu.Lock()
	s.state.MessagesSent++
	s.state.BytesTransferred += uint64(n)
	s.mu.Unlock()

	s.metrics.IncMessagesSent(s.id, env.Type, n)
}

// dial opens the connection for generation gen. Queued envelopes are
// replayed before the status becomes connected; sends made meanwhile are
// queued behind them and picked up by the next drain.
func (s *Socket) dial(gen uint64) {
	s.mu.Lock()
	target := s.url
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MessageTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, target, s.header())
	if err != nil {
		s.logger.Warn("socket dial failed", zap.String("url", target), zap.Error(err))
		s.handleClose(gen, resilience.CloseAbnormal, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	replayed := 0
	for {
		now := s.clock.Now()

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		pending, expired := s.queue.Drain(now)
		if len(pending) == 0 {
			s.state.ConnectedAt = &now
			s.state.ReconnectAttempts = 0
			s.heartbeat.Reset()
			s.scheduleHeartbeatLocked(gen)
			s.setStatusLocked(ports.StatusConnected)
		}
		s.mu.Unlock()

		s.dropExpired(expired)
		if len(pending) == 0 {
			break
		}

		n, err := s.replay(conn, pending)
		replayed += n
		if err != nil {
			s.handleClose(gen, resilience.CloseAbnormal, err)
			return
		}
	}
	s.states.Flush()

	s.logger.Info("connected", zap.Int("replayed", replayed))

	go s.readLoop(gen, conn)
}

func (s *Socket) dropExpired(n int) {
	if n == 0 {
		return
	}
	s.logger.Debug("dropped expired envelopes before replay", zap.Int("count", n))
	for i := 0; i < n; i++ {
		s.metrics.IncMessagesDropped(s.id, "expired")
	}
}

// replay sends queued envelopes oldest first and returns how many went out.
// On the first failure the rest go back to the head of the queue.
func (s *Socket) replay(conn Conn, pending []*message.Envelope) (int, error) {
	sent := 0
	for i, env := range pending {
		data, err := env.Encode()
		if err != nil {
			s.metrics.IncMessagesDropped(s.id, "encode")
			continue
		}
		if err := s.writeFrame(conn, data); err != nil {
			dropped := s.queue.Requeue(pending[i:])
			s.logger.Warn("replay interrupted, requeued remaining envelopes",
				zap.Int("remaining", len(pending)-i),
				zap.Int("dropped", dropped),
				zap.Error(err))
			s.metrics.SetQueueDepth(s.id, s.queue.Len())
			return sent, err
		}
		s.recordSent(env, len(data))
		sent++
	}
	s.metrics.SetQueueDepth(s.id, s.queue.Len())
	return sent, nil
}

func (s *Socket) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, closeCode(err), err)
			return
		}

		env, err := message.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", zap.Int("bytes", len(data)), zap.Error(err))
			s.metrics.IncMessagesDropped(s.id, "malformed")
			continue
		}

		s.handleInbound(gen, conn, env, len(data))
	}
}

func (s *Socket) handleInbound(gen uint64, conn Conn, env *message.Envelope, n int) {
	now := s.clock.Now()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state.MessagesReceived++
	s.state.BytesTransferred += uint64(n)

	switch env.Type {
	case message.TypePong:
		latency, ok := s.heartbeat.Pong(env, now)
		if ok {
			s.state.Latency = latency
			s.state.LastHeartbeat = &now
			s.states.Enqueue(s.state)
		}
		s.mu.Unlock()
		s.states.Flush()
		if ok {
			s.metrics.ObserveLatency(s.id, latency)
		}
		return

	case message.TypePing:
		s.mu.Unlock()
		data, err := message.PongFor(env, now).Encode()
		if err == nil {
			err = s.writeFrame(conn, data)
		}
		if err != nil {
			s.logger.Debug("failed to answer ping", zap.Error(err))
		}
		return
	}
	s.mu.Unlock()

	s.metrics.IncMessagesReceived(s.id, env.Type, n)
	s.messages.Publish(env)
}

// handleClose applies the reconnect policy to a closure of generation gen
func (s *Socket) handleClose(gen uint64, code int, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancelTimersLocked()
	conn := s.conn
	s.conn = nil
	s.heartbeat.Reset()
	s.state.ConnectedAt = nil

	if !s.policy.ShouldReconnect(code) {
		s.setStatusLocked(ports.StatusDisconnected)
		s.mu.Unlock()
		s.logger.Info("connection closed normally", zap.Int("code", code))
	} else if delay, ok := s.policy.Next(s.state.ReconnectAttempts); ok {
		s.state.ReconnectAttempts++
		attempt := s.state.ReconnectAttempts
		next := s.gen
		s.reconnectTimer = s.clock.AfterFunc(delay, func() { s.reconnect(next) })
		s.setStatusLocked(ports.StatusReconnecting)
		s.mu.Unlock()

		s.metrics.IncReconnectAttempts(s.id)
		s.logger.Warn("connection lost, scheduling reconnect",
			zap.Int("code", code),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(cause))
	} else {
		s.setStatusLocked(ports.StatusError)
		s.mu.Unlock()
		s.logger.Error("reconnect attempts exhausted",
			zap.Int("code", code),
			zap.Int("max_attempts", s.cfg.MaxReconnectAttempts),
			zap.Error(cause))
	}

	if conn != nil {
		_ = conn.Close()
	}
	s.states.Flush()
}

func (s *Socket) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state.Status != ports.StatusReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.setStatusLocked(ports.StatusConnecting)
	s.mu.Unlock()
	s.states.Flush()

	s.dial(gen)
}

func (s *Socket) scheduleHeartbeatLocked(gen uint64) {
	s.heartbeatTimer = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.heartbeatTick(gen) })
}

func (s *Socket) heartbeatTick(gen uint64) {
	now := s.clock.Now()

	s.mu.Lock()
	if gen != s.gen || s.state.Status != ports.StatusConnected {
		s.mu.Unlock()
		return
	}

	if purged := s.heartbeat.Purge(now); purged > 0 {
		s.logger.Debug("heartbeat unanswered",
			zap.Int("purged", purged),
			zap.Int("missed", s.heartbeat.Missed()))
	}
	if s.heartbeat.Exhausted() {
		missed := s.heartbeat.Missed()
		s.mu.Unlock()
		s.logger.Warn("too many missed heartbeats, forcing reconnect", zap.Int("missed", missed))
		s.handleClose(gen, resilience.CloseHeartbeatTimeout, errHeartbeatTimeout)
		return
	}

	ping := s.heartbeat.Ping(now)
	conn := s.conn
	s.scheduleHeartbeatLocked(gen)
	s.mu.Unlock()

	data, err := ping.Encode()
	if err == nil {
		err = s.writeFrame(conn, data)
	}
	if err != nil {
		s.logger.Debug("failed to send heartbeat", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.state.BytesTransferred += uint64(len(data))
	s.mu.Unlock()
}

func (s *Socket) cancelTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

// setStatusLocked moves to status and queues the snapshot for subscribers.
// Callers flush the state stream after releasing the lock.
func (s *Socket) setStatusLocked(status ports.Status) {
	s.state.Status = status
	s.state.Queued = s.queue.Len()
	s.states.Enqueue(s.state)
	s.metrics.RecordStatus(s.id, ports.ProtocolSocket, status)
}

func (s *Socket) header() http.Header {
	h := http.Header{}
	if s.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	return h
}

// socketURL validates the configured URL and maps http(s) onto ws(s)
func socketURL(cfg ports.ConnectionConfig) (string, error) {
	u, err := cfg.ParseURL()
	if err != nil {
		return "", err
	}
	target := *u
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}
	return (&url.URL{
		Scheme:   target.Scheme,
		User:     target.User,
		Host:     target.Host,
		Path:     target.Path,
		RawPath:  target.RawPath,
		RawQuery: target.RawQuery,
	}).String(), nil
}
