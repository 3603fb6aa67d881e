package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/resilience"
	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn used by the socket transport.
// WriteControl may be called concurrently with WriteMessage.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens socket connections
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket
type GorillaDialer struct {
	dialer *websocket.Dialer
}

// NewDialer creates a dialer honouring the subprotocol and compression settings of cfg
func NewDialer(cfg ports.ConnectionConfig) *GorillaDialer {
	return &GorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.MessageTimeout,
			Subprotocols:      cfg.Protocols,
			EnableCompression: cfg.CompressionEnabled,
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
		},
	}
}

// DialContext implements Dialer
func (d *GorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", urlStr, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", urlStr, err)
	}
	return conn, nil
}

// closeCode extracts the close code from a read error. Anything that is not a
// close frame counts as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return resilience.CloseAbnormal
}
