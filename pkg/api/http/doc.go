// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Connection management and state queries
//   - Sending envelopes over a connection
//   - The relay websocket and event stream
//   - Health checks
//   - Prometheus metrics
package http
