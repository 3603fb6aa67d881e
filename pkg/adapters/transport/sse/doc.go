// Package sse implements the receive-only push transport over Server-Sent
// Events. It is used when the socket transport cannot be established.
package sse
