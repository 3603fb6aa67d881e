package ports

import (
	"context"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
)

// Transport is one protocol binding of a named connection
type Transport interface {
	// Connect starts connecting and returns immediately; progress is reported
	// through the state stream. An error means the transport could not be
	// constructed and the status is now error.
	Connect(ctx context.Context) error

	// Disconnect cancels pending timers and closes the connection. Idempotent.
	Disconnect()

	// Send transmits env immediately and returns true, or returns false if the
	// envelope was queued, dropped, or the transport cannot send.
	Send(env *message.Envelope) bool

	// State returns the current state snapshot
	State() ConnectionState

	// Protocol returns the binding implemented by this transport
	Protocol() Protocol

	// SubscribeMessages registers fn for inbound envelopes, excluding heartbeat frames
	SubscribeMessages(fn func(*message.Envelope)) (unsubscribe func())

	// SubscribeState registers fn for state changes
	SubscribeState(fn func(ConnectionState)) (unsubscribe func())
}

// MetricsCollector records transport and routing metrics
type MetricsCollector interface {
	RecordStatus(connectionID string, protocol Protocol, status Status)
	IncReconnectAttempts(connectionID string)
	IncFallbacks(connectionID string)
	IncMessagesSent(connectionID, msgType string, bytes int)
	IncMessagesReceived(connectionID, msgType string, bytes int)
	IncMessagesDropped(connectionID, reason string)
	SetQueueDepth(connectionID string, depth int)
	ObserveLatency(connectionID string, latency time.Duration)
	SetSubscribers(count int)
	SetConnections(total, active int)
	RemoveConnection(connectionID string)
}

// EventSink mirrors routed envelopes to an external store
type EventSink interface {
	Publish(ctx context.Context, topic string, env *message.Envelope) error
	Close() error
}
