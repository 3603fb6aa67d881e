package monitoring

import (
	"testing"
	"time"

	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	valid := ports.DefaultConnectionConfig("wss://backend.local/ws")

	tests := []struct {
		name    string
		id      string
		mutate  func(*ports.ConnectionConfig)
		wantErr bool
	}{
		{name: "defaults", id: "c1"},
		{name: "zero attempts allowed", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.MaxReconnectAttempts = 0 }},
		{name: "missing id", id: "", wantErr: true},
		{name: "bad scheme", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.URL = "tcp://backend.local" }, wantErr: true},
		{name: "missing host", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.URL = "ws:///ws" }, wantErr: true},
		{name: "negative attempts", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.MaxReconnectAttempts = -1 }, wantErr: true},
		{name: "negative delay", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.ReconnectDelay = -time.Second }, wantErr: true},
		{name: "negative missed", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.MaxMissedHeartbeats = -1 }, wantErr: true},
		{name: "negative queue", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.QueueCapacity = -5 }, wantErr: true},
		{name: "empty subprotocol", id: "c1", mutate: func(c *ports.ConnectionConfig) { c.Protocols = []string{"v1", ""} }, wantErr: true},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := v.Validate(tt.id, cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
