package transport

import (
	"context"

	"github.com/keva-db/keva/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is called by a server transport when a request frame is
// received. It takes the raw request payload and returns the raw response.
type ServerHandleFunc func(req []byte) (resp []byte)

// IRPCServerTransport is the listening side of the framed RPC protocol.
// Both peers and clients speak the same framing, so one listener serves all
// inbound traffic of a node.
type IRPCServerTransport interface {
	// RegisterHandler registers the handler invoked for every request frame.
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds the transport and serves connections until Close.
	Listen(config common.ServerConfig) error
	// Close stops accepting connections and releases the listener.
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the dialing side of the framed RPC protocol. A
// transport holds persistent connections and pipelines concurrent requests
// over them, matching responses by request id. Connections are re-dialed
// transparently after transport failures; no application state is tied to
// a single connection's lifetime.
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration.
	Connect(config common.ClientConfig) error
	// Send transmits one request to any configured endpoint and blocks
	// until the matching response, the context deadline, or the configured
	// timeout.
	Send(ctx context.Context, req []byte) (resp []byte, err error)
	// SendTo transmits one request to a specific endpoint, dialing it on
	// first use. Redirect hints and peer messages are delivered this way.
	SendTo(ctx context.Context, endpoint string, req []byte) (resp []byte, err error)
	// Close closes all transport connections.
	Close() error
}
