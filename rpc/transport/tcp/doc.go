// Package tcp provides the TCP connectors for the framed RPC transport,
// including socket tuning (no-delay, buffer sizes, keep-alive, linger) from
// the transport configuration.
package tcp
