package resilience

import "time"

// WebSocket close codes used by the reconnect policy
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000
)

// maxShift bounds the exponent so the delay cannot overflow
const maxShift = 30

// ReconnectPolicy decides whether and when a closed connection is retried
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// NewReconnectPolicy creates a policy with the given base delay and attempt limit
func NewReconnectPolicy(base time.Duration, maxAttempts int) ReconnectPolicy {
	return ReconnectPolicy{BaseDelay: base, MaxAttempts: maxAttempts}
}

// ShouldReconnect reports whether a closure with code warrants a retry.
// A normal closure is never retried.
func (p ReconnectPolicy) ShouldReconnect(code int) bool {
	return code != CloseNormal
}

// Delay returns base * 2^attempts
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxShift {
		attempts = maxShift
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(attempts))
}

// Next returns the delay before the next attempt given how many attempts were
// already scheduled, and false once the limit is reached.
func (p ReconnectPolicy) Next(attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay(attempts), true
}
