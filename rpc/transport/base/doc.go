// Package base implements the medium-independent core of the framed RPC
// transport: frame encoding, per-connection request pipelining with response
// matching by request id, buffer pooling on the server side, and lazy
// re-dialing on the client side. Medium-specific behavior is injected via
// the IServerConnector and IClientConnector interfaces.
package base
