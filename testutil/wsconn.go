package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	transport "github.com/aescanero/dagomon/pkg/adapters/transport/websocket"
	"github.com/aescanero/dagomon/pkg/message"
	"github.com/gorilla/websocket"
)

// Frame is one message written to a FakeConn
type Frame struct {
	Type int
	Data []byte
}

// FakeConn is an in-memory socket connection driven by the test
type FakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu         sync.Mutex
	written    []Frame
	failWrites bool
	stalled    bool
	deadline   time.Time
	deadlines  int
	closeErr   error
	closeOnce  sync.Once
}

// NewFakeConn creates an open connection
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage blocks until the test delivers a frame or the connection closes
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return 0, nil, c.closeErr
		}
		return 0, nil, net.ErrClosed
	}
}

// WriteMessage records the frame. While stalled it blocks until the write
// deadline passes or the connection closes, like a peer that stopped reading.
func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.stalled {
		deadline := c.deadline
		c.mu.Unlock()
		return c.waitStalled(deadline)
	}
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write failed")
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.written = append(c.written, Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *FakeConn) waitStalled(deadline time.Time) error {
	var expire <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-expire:
		return os.ErrDeadlineExceeded
	}
}

// WriteControl records a control frame. It never stalls.
func (c *FakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.written = append(c.written, Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

// SetWriteDeadline records the deadline applied to the next writes
func (c *FakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	c.deadlines++
	return nil
}

// WriteDeadlines returns how many write deadlines were set
func (c *FakeConn) WriteDeadlines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines
}

// Stall makes subsequent data writes block as if the peer stopped reading
func (c *FakeConn) Stall(stalled bool) {
	c.mu.Lock()
	c.stalled = stalled
	c.mu.Unlock()
}

// Close closes the connection from the client side
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Deliver queues an inbound text frame
func (c *FakeConn) Deliver(data []byte) {
	c.inbound <- data
}

// DeliverEnvelope encodes and queues env
func (c *FakeConn) DeliverEnvelope(env *message.Envelope) {
	data, err := env.Encode()
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// CloseWith simulates the server closing with code
func (c *FakeConn) CloseWith(code int) {
	c.mu.Lock()
	c.closeErr = &websocket.CloseError{Code: code}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

// FailWrites makes every subsequent write fail
func (c *FakeConn) FailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// Written returns a copy of every frame written so far
func (c *FakeConn) Written() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenEnvelopes decodes every text frame written so far
func (c *FakeConn) WrittenEnvelopes() []*message.Envelope {
	var out []*message.Envelope
	for _, f := range c.Written() {
		if f.Type != websocket.TextMessage {
			continue
		}
		if env, err := message.Decode(f.Data); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// IsClosed reports whether either side closed the connection
func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FakeDialer hands out FakeConns, optionally failing a number of dials first
type FakeDialer struct {
	mu      sync.Mutex
	fail    int
	failAll bool
	conns   []*FakeConn
	urls    []string
	headers []http.Header
	dials   int
}

var _ transport.Dialer = (*FakeDialer)(nil)

// NewFakeDialer creates a dialer whose dials succeed
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// DialContext implements websocket.Dialer
func (d *FakeDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.urls = append(d.urls, urlStr)
	d.headers = append(d.headers, header.Clone())

	if d.failAll {
		return nil, errors.New("connection refused")
	}
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// FailNext makes the next n dials fail
func (d *FakeDialer) FailNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// FailAll makes every dial fail until called with false
func (d *FakeDialer) FailAll(fail bool) {
	d.mu.Lock()
	d.failAll = fail
	d.mu.Unlock()
}

// Dials returns the number of dial attempts
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently opened connection, or nil
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// URLs returns every dialed URL
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Headers returns the handshake headers of every dial
func (d *FakeDialer) Headers() []http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]http.Header(nil), d.headers...)
}
