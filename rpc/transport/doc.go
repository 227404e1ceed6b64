// Package transport defines the framed RPC transport shared by all traffic
// of a node: gossip heartbeats, consensus messages and client operations all
// travel as length-prefixed frames over persistent connections.
//
// The package follows a connector pattern: the base sub-package implements
// framing, request pipelining, response matching and reconnection once, and
// medium-specific connectors (currently TCP) contribute only dialing,
// listening and socket tuning.
//
// A frame is a request id, a payload length and the payload itself. Requests
// on one connection are answered out of order and matched by id, so a single
// peer pair needs exactly one connection regardless of concurrency. When a
// connection fails it is re-dialed on the next send; consensus and
// membership state live entirely above the transport, so a reconnect never
// resets terms, logs or routing (the protocol requires term/log continuity
// across transport failures).
package transport
