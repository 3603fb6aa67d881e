package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HeartbeatPayload is the payload of ping and pong frames
type HeartbeatPayload struct {
	ID string `json:"id"`
}

// NewPing creates a ping frame carrying a fresh correlation id
func NewPing(now time.Time) *Envelope {
	id := uuid.New().String()
	payload, _ := json.Marshal(HeartbeatPayload{ID: id})

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypePing,
		Timestamp: now.UTC(),
		Source:    SourceSystem,
		Priority:  PriorityLow,
		Payload:   payload,
	}
}

// PongFor builds the pong answering ping, echoing its payload verbatim
func PongFor(ping *Envelope, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypePong,
		Timestamp: now.UTC(),
		Source:    SourceSystem,
		Priority:  PriorityLow,
		Payload:   ping.Payload,
	}
}

// CorrelationID extracts the heartbeat id from a ping or pong payload
func (e *Envelope) CorrelationID() (string, bool) {
	if !e.IsControl() || len(e.Payload) == 0 {
		return "", false
	}
	var p HeartbeatPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.ID == "" {
		return "", false
	}
	return p.ID, true
}
