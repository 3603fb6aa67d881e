// Package events provides archive sinks for routed envelopes.
//
// Implementations:
//   - redis: Redis Streams with approximate trimming, a bounded queue and a circuit breaker
//   - memory: In-memory for testing
package events
