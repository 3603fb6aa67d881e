package ports

import (
	"fmt"
	"net/url"
	"time"
)

// Status is the lifecycle status of a connection. Exactly one is active at a time.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Protocol identifies the transport binding behind a connection
type Protocol string

const (
	ProtocolSocket Protocol = "socket"
	ProtocolPush   Protocol = "push"
	ProtocolNone   Protocol = "none"
)

// Defaults for ConnectionConfig
const (
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectDelay       = time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMessageTimeout       = 10 * time.Second
	DefaultMaxMissedHeartbeats  = 3
	DefaultQueueCapacity        = 100
	DefaultQueueTTL             = 5 * time.Minute
)

// ConnectionConfig holds the settings of one named connection.
// It is not modified after the connection is created.
type ConnectionConfig struct {
	URL                  string        `json:"url"`
	Protocols            []string      `json:"protocols,omitempty"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `json:"reconnectDelay"`
	HeartbeatInterval    time.Duration `json:"heartbeatInterval"`
	MessageTimeout       time.Duration `json:"messageTimeout"`
	CompressionEnabled   bool          `json:"compressionEnabled"`
	AuthToken            string        `json:"-"`

	// MaxMissedHeartbeats consecutive unanswered pings force a reconnect; 0 disables it
	MaxMissedHeartbeats int           `json:"maxMissedHeartbeats"`
	QueueCapacity       int           `json:"queueCapacity"`
	QueueTTL            time.Duration `json:"queueTTL"`
}

// DefaultConnectionConfig returns a config for url with every default applied
func DefaultConnectionConfig(rawURL string) ConnectionConfig {
	return ConnectionConfig{
		URL:                  rawURL,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		MessageTimeout:       DefaultMessageTimeout,
		CompressionEnabled:   true,
		MaxMissedHeartbeats:  DefaultMaxMissedHeartbeats,
		QueueCapacity:        DefaultQueueCapacity,
		QueueTTL:             DefaultQueueTTL,
	}
}

// WithDefaults fills zero-valued durations and limits
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = DefaultQueueTTL
	}
	return c
}

// ParseURL parses and checks the connection URL scheme
func (c ConnectionConfig) ParseURL() (*url.URL, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", c.URL)
	}
	return u, nil
}

// ConnectionState is a snapshot of a connection's state
type ConnectionState struct {
	Status            Status        `json:"status"`
	Protocol          Protocol      `json:"protocol"`
	ConnectedAt       *time.Time    `json:"connectedAt,omitempty"`
	LastHeartbeat     *time.Time    `json:"lastHeartbeat,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	Latency           time.Duration `json:"latency"`
	MessagesSent      uint64        `json:"messagesSent"`
	MessagesReceived  uint64        `json:"messagesReceived"`
	BytesTransferred  uint64        `json:"bytesTransferred"`
	Queued            int           `json:"queued"`
}

// NewConnectionState returns the initial state for a protocol
func NewConnectionState(protocol Protocol) ConnectionState {
	return ConnectionState{
		Status:   StatusDisconnected,
		Protocol: protocol,
	}
}

// Active reports whether the connection currently delivers messages
func (s ConnectionState) Active() bool {
	return s.Status == StatusConnected
}
