// Package message defines the envelope exchanged between the backend and
// monitoring clients, plus the ping/pong heartbeat frames that reuse it.
//
// The envelope type doubles as the routing topic. A TTL, once stamped, is an
// absolute deadline and is never moved.
package message
