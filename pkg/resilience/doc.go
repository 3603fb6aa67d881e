// Package resilience holds the pieces that keep a connection usable across
// failures: the exponential reconnect policy, the bounded drop-oldest outbound
// queue with TTL expiry, and the clock used to schedule timers.
//
// Example:
//
//	policy := resilience.NewReconnectPolicy(time.Second, 10)
//	if delay, ok := policy.Next(attempts); ok {
//	    clock.AfterFunc(delay, reconnect)
//	}
package resilience
