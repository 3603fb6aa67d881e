// Package relay is the server side of the monitoring connection contract.
//
// Clients connect over a websocket at /api/v1/ws or an event stream at
// /api/v1/sse and receive every envelope broadcast through the hub. Socket
// clients get their pings answered with a pong echoing the payload. On
// shutdown sockets are closed with code 1000 and new stream requests get
// 204 No Content, so clients stop instead of retrying.
package relay
