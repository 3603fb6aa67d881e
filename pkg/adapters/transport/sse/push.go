package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/resilience"
	"github.com/aescanero/dagomon/pkg/stream"
	"go.uber.org/zap"
)

const maxEventSize = 1 << 20

var errStreamEnded = errors.New("event stream ended")

// Push is the receive-only transport. It reads a Server-Sent Events stream
// and applies the same reconnect policy as the socket transport.
type Push struct {
	id      string
	cfg     ports.ConnectionConfig
	client  *http.Client
	clock   resilience.Clock
	policy  resilience.ReconnectPolicy
	metrics ports.MetricsCollector
	logger  *zap.Logger

	mu             sync.Mutex
	state          ports.ConnectionState
	url            string
	gen            uint64
	cancel         context.CancelFunc
	reconnectTimer resilience.Timer

	states   *stream.Broadcaster[ports.ConnectionState]
	messages *stream.Broadcaster[*message.Envelope]
}

// Option configures a Push transport
type Option func(*Push)

// WithHTTPClient replaces the default streaming client
func WithHTTPClient(c *http.Client) Option {
	return func(p *Push) { p.client = c }
}

// WithClock replaces the system clock
func WithClock(c resilience.Clock) Option {
	return func(p *Push) { p.clock = c }
}

// WithMetrics sets the metrics collector
func WithMetrics(m ports.MetricsCollector) Option {
	return func(p *Push) { p.metrics = m }
}

// NewPush creates a disconnected push transport for connection id
func NewPush(id string, cfg ports.ConnectionConfig, logger *zap.Logger, opts ...Option) *Push {
	cfg = cfg.WithDefaults()

	p := &Push{
		id:       id,
		cfg:      cfg,
		clock:    resilience.SystemClock{},
		policy:   resilience.NewReconnectPolicy(cfg.ReconnectDelay, cfg.MaxReconnectAttempts),
		metrics:  ports.NopMetrics{},
		logger:   logger.With(zap.String("connection_id", id), zap.String("protocol", string(ports.ProtocolPush))),
		state:    ports.NewConnectionState(ports.ProtocolPush),
		states:   stream.NewBroadcaster[ports.ConnectionState](),
		messages: stream.NewBroadcaster[*message.Envelope](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.MessageTimeout,
			},
		}
	}

	return p
}

// Protocol implements ports.Transport
func (p *Push) Protocol() ports.Protocol {
	return ports.ProtocolPush
}

// State implements ports.Transport
func (p *Push) State() ports.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SubscribeMessages implements ports.Transport
func (p *Push) SubscribeMessages(fn func(*message.Envelope)) func() {
	return p.messages.Subscribe(fn)
}

// SubscribeState implements ports.Transport
func (p *Push) SubscribeState(fn func(ports.ConnectionState)) func() {
	return p.states.Subscribe(fn)
}

// Send implements ports.Transport. The push channel is receive-only.
func (p *Push) Send(env *message.Envelope) bool {
	p.logger.Warn("push transport cannot send, dropping envelope",
		zap.String("message_id", env.ID),
		zap.String("type", env.Type))
	p.metrics.IncMessagesDropped(p.id, "push_only")
	return false
}

// Connect implements ports.Transport
func (p *Push) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := StreamURL(p.cfg)

	p.mu.Lock()
	if err != nil {
		p.gen++
		p.stopLocked()
		p.setStatusLocked(ports.StatusError)
		p.mu.Unlock()
		p.states.Flush()

		p.logger.Error("failed to create push transport", zap.Error(err))
		return fmt.Errorf("failed to create push transport: %w", err)
	}

	switch p.state.Status {
	case ports.StatusConnecting, ports.StatusConnected:
		p.mu.Unlock()
		return nil
	case ports.StatusError:
		p.state.ReconnectAttempts = 0
	}

	p.stopLocked()
	p.gen++
	gen := p.gen
	p.url = target
	p.setStatusLocked(ports.StatusConnecting)
	p.mu.Unlock()
	p.states.Flush()

	p.logger.Info("connecting", zap.String("url", redact(target)))

	go p.open(gen)
	return nil
}

// Disconnect implements ports.Transport
func (p *Push) Disconnect() {
	p.mu.Lock()
	p.gen++
	p.stopLocked()
	p.state.ConnectedAt = nil
	changed := p.state.Status != ports.StatusDisconnected
	if changed {
		p.setStatusLocked(ports.StatusDisconnected)
	}
	p.mu.Unlock()

	p.states.Flush()
	if changed {
		p.logger.Info("disconnected")
	}
}

// open issues the stream request for generation gen and, on success, starts
// reading it in the background
func (p *Push) open(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	target := p.url
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		p.handleClose(gen, resilience.CloseAbnormal, err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("event stream request failed", zap.Error(err))
		p.handleClose(gen, resilience.CloseAbnormal, err)
		return
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		p.handleClose(gen, resilience.CloseNormal, nil)
		return
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		p.handleClose(gen, resilience.CloseAbnormal, fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		_ = resp.Body.Close()
		return
	}
	now := p.clock.Now()
	p.state.ConnectedAt = &now
	p.state.ReconnectAttempts = 0
	p.setStatusLocked(ports.StatusConnected)
	p.mu.Unlock()
	p.states.Flush()

	p.logger.Info("connected")

	go p.readLoop(gen, resp.Body)
}

func (p *Push) readLoop(gen uint64, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				p.dispatch(gen, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment or keep-alive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			if field == "data" {
				data = append(data, value)
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errStreamEnded
	}
	p.handleClose(gen, resilience.CloseAbnormal, err)
}

func (p *Push) dispatch(gen uint64, data string) {
	env, err := message.Decode([]byte(data))
	if err != nil {
		p.logger.Warn("dropping malformed event", zap.Int("bytes", len(data)), zap.Error(err))
		p.metrics.IncMessagesDropped(p.id, "malformed")
		return
	}

	now := p.clock.Now()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.state.MessagesReceived++
	p.state.BytesTransferred += uint64(len(data))
	if env.IsControl() {
		p.state.LastHeartbeat = &now
		p.states.Enqueue(p.state)
		p.mu.Unlock()
		p.states.Flush()
		return
	}
	p.mu.Unlock()

	p.metrics.IncMessagesReceived(p.id, env.Type, len(data))
	p.messages.Publish(env)
}

// handleClose applies the reconnect policy to a closure of generation gen
func (p *Push) handleClose(gen uint64, code int, cause error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.stopLocked()
	p.state.ConnectedAt = nil

	if !p.policy.ShouldReconnect(code) {
		p.setStatusLocked(ports.StatusDisconnected)
		p.mu.Unlock()
		p.logger.Info("event stream closed by server")
	} else if delay, ok := p.policy.Next(p.state.ReconnectAttempts); ok {
		p.state.ReconnectAttempts++
		attempt := p.state.ReconnectAttempts
		next := p.gen
		p.reconnectTimer = p.clock.AfterFunc(delay, func() { p.reconnect(next) })
		p.setStatusLocked(ports.StatusReconnecting)
		p.mu.Unlock()

		p.metrics.IncReconnectAttempts(p.id)
		p.logger.Warn("event stream lost, scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(cause))
	} else {
		p.setStatusLocked(ports.StatusError)
		p.mu.Unlock()
		p.logger.Error("reconnect attempts exhausted",
			zap.Int("max_attempts", p.cfg.MaxReconnectAttempts),
			zap.Error(cause))
	}

	p.states.Flush()
}

func (p *Push) reconnect(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state.Status != ports.StatusReconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnectTimer = nil
	p.setStatusLocked(ports.StatusConnecting)
	p.mu.Unlock()
	p.states.Flush()

	p.open(gen)
}

// stopLocked cancels the reconnect timer and any in-flight stream
func (p *Push) stopLocked() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Push) setStatusLocked(status ports.Status) {
	p.state.Status = status
	p.states.Enqueue(p.state)
	p.metrics.RecordStatus(p.id, ports.ProtocolPush, status)
}
