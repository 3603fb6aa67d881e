package monitoring

import (
	"errors"
	"fmt"

	"github.com/aescanero/dagomon/pkg/ports"
)

// ErrInvalidConfig is returned for connection configs that cannot be used
var ErrInvalidConfig = errors.New("invalid connection config")

// Validator validates connection configs
type Validator struct{}

// NewValidator creates a new connection config validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a connection id and its config
func (v *Validator) Validate(id string, cfg ports.ConnectionConfig) error {
	if id == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidConfig)
	}

	if _, err := cfg.ParseURL(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max reconnect attempts must not be negative", ErrInvalidConfig)
	}

	if cfg.ReconnectDelay < 0 || cfg.HeartbeatInterval < 0 || cfg.MessageTimeout < 0 || cfg.QueueTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}

	if cfg.MaxMissedHeartbeats < 0 {
		return fmt.Errorf("%w: max missed heartbeats must not be negative", ErrInvalidConfig)
	}

	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity must not be negative", ErrInvalidConfig)
	}

	for _, p := range cfg.Protocols {
		if p == "" {
			return fmt.Errorf("%w: empty subprotocol", ErrInvalidConfig)
		}
	}

	return nil
}
