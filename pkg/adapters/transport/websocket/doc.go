// Package websocket implements the bidirectional socket transport.
//
// A Socket dials with gorilla/websocket, answers server pings, measures
// latency from its own pings and reconnects with exponential backoff after
// any closure other than a normal one. Envelopes sent while disconnected are
// held in a bounded queue and replayed oldest first on the next open.
package websocket
