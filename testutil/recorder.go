package testutil

import (
	"sync"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
)

// StateRecorder collects the state snapshots emitted by a transport or manager
type StateRecorder struct {
	mu     sync.Mutex
	states []ports.ConnectionState
}

// Record appends st; pass it as a state subscriber
func (r *StateRecorder) Record(st ports.ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

// States returns every snapshot recorded so far
func (r *StateRecorder) States() []ports.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.ConnectionState(nil), r.states...)
}

// Statuses returns the recorded statuses with consecutive duplicates collapsed
func (r *StateRecorder) Statuses() []ports.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ports.Status
	for _, st := range r.states {
		if len(out) > 0 && out[len(out)-1] == st.Status {
			continue
		}
		out = append(out, st.Status)
	}
	return out
}

// Last returns the most recent status, or an empty status
func (r *StateRecorder) Last() ports.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1].Status
}

// MessageRecorder collects envelopes delivered to a subscriber
type MessageRecorder struct {
	mu   sync.Mutex
	msgs []*message.Envelope
}

// Record appends env; pass it as a message handler
func (r *MessageRecorder) Record(env *message.Envelope) {
	r.mu.Lock()
	r.msgs = append(r.msgs, env)
	r.mu.Unlock()
}

// Messages returns every envelope recorded so far
func (r *MessageRecorder) Messages() []*message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Envelope(nil), r.msgs...)
}

// Types returns the type of every recorded envelope
func (r *MessageRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

// Len returns the number of recorded envelopes
func (r *MessageRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
