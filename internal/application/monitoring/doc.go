// Package monitoring manages the named real-time connections of a client.
//
// The manager creates a socket transport per connection and, when enabled,
// replaces it with a push transport once the socket gives up. Inbound
// envelopes from every transport go through one topic router:
//   - subscribers register interest in topics, optionally with a predicate
//   - envelopes nobody subscribed to are discarded
//   - the rest are published on the shared bus and handed to each subscriber
//
// The health monitor periodically summarises connection state.
package monitoring
