package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEnvelope is returned when inbound data cannot be decoded into an envelope
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Source identifies the producer of an envelope
type Source string

const (
	SourceAgent       Source = "agent"
	SourceCoordinator Source = "coordinator"
	SourceSystem      Source = "system"
)

// Priority is advisory and never affects delivery order
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Well-known envelope types
const (
	TypePing = "ping"
	TypePong = "pong"

	TypeAgentStatus       = "agent_status"
	TypeTaskProgress      = "task_progress"
	TypeCoordinationEvent = "coordination_event"
	TypeSystemAlert       = "system_alert"
)

// Metadata carries delivery metadata
type Metadata struct {
	SessionID      string `json:"sessionId,omitempty"`
	CoordinationID string `json:"coordinationId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	RetryCount     int    `json:"retry,omitempty"`
	// TTL is an absolute deadline in unix milliseconds
	TTL int64 `json:"ttl,omitempty"`
}

// Envelope is the unit exchanged between the backend and clients.
// Treat it as a value: helpers that change fields return a copy.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    Source          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Priority  Priority        `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  Metadata        `json:"metadata"`
}

// New creates an envelope with a fresh id and normal priority
func New(msgType string, source Source, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Priority:  PriorityNormal,
		Payload:   raw,
	}, nil
}

// Decode parses wire data into an envelope. Envelopes without a type are rejected.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if env.Priority == "" {
		env.Priority = PriorityNormal
	}
	return &env, nil
}

// Encode serializes the envelope to its wire form
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// WithTTL returns a copy whose TTL is now+horizon, unless a TTL is already set,
// in which case the envelope is returned unchanged.
func (e *Envelope) WithTTL(now time.Time, horizon time.Duration) *Envelope {
	if e.Metadata.TTL != 0 {
		return e
	}
	cp := *e
	cp.Metadata.TTL = now.Add(horizon).UnixMilli()
	return &cp
}

// Expired reports whether the TTL deadline has passed at now
func (e *Envelope) Expired(now time.Time) bool {
	return e.Metadata.TTL != 0 && now.UnixMilli() >= e.Metadata.TTL
}

// IsControl reports whether the envelope is a heartbeat frame
func (e *Envelope) IsControl() bool {
	return e.Type == TypePing || e.Type == TypePong
}
