package base

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the given endpoint
	Connect(endpoint string) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single persistent connection. Requests are
// pipelined: the writer interleaves frames under connMu and the single
// reader goroutine routes each response to its waiting request channel.
type clientConnection struct {
	conn         net.Conn
	endpoint     string
	stopCh       chan struct{}
	requestChans *xsync.MapOf[uint64, chan responseResult]
	connMu       sync.Mutex // protects writes and reconnects
	parent       *clientTransport
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium.
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	targeted      *xsync.MapOf[string, *clientConnection] // directed sends, dialed on first use
	nextConnIndex uint64                                  // atomic round robin counter
	nextRequestID uint64                                  // atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		targeted:      xsync.NewMapOf[string, *clientConnection](),
		nextRequestID: 1,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	t.config = config
	t.stopping.Store(false)
	t.closeConnections()

	// No fixed endpoints means the transport is used for directed sends
	// only (peer traffic); connections are dialed on first SendTo.
	if len(config.Endpoints) == 0 {
		return nil
	}

	connectionsPerEP := max(1, config.ConnectionsPerEndpoint)
	conns := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint:     endpoint,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}

			if err := clientConn.reconnect(); err != nil {
				logger.Warnf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}

			conns = append(conns, clientConn)
			go clientConn.readResponses()
		}
	}

	if len(conns) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = conns
	t.connectionsMu.Unlock()

	logger.Debugf("Connected %d/%d connections to %d endpoints using %s transport",
		len(conns), len(config.Endpoints)*connectionsPerEP, len(config.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(ctx context.Context, req []byte) ([]byte, error) {
	if t.stopping.Load() {
		return nil, fmt.Errorf("transport is closed")
	}

	connection := t.pickConnection()
	if connection == nil {
		return nil, fmt.Errorf("no connections available")
	}
	return t.sendOn(ctx, connection, req)
}

func (t *clientTransport) SendTo(ctx context.Context, endpoint string, req []byte) ([]byte, error) {
	if t.stopping.Load() {
		return nil, fmt.Errorf("transport is closed")
	}

	// Reuse a pooled connection when the target is a configured endpoint.
	t.connectionsMu.RLock()
	for _, c := range t.connections {
		if c.endpoint == endpoint {
			t.connectionsMu.RUnlock()
			return t.sendOn(ctx, c, req)
		}
	}
	t.connectionsMu.RUnlock()

	connection, _ := t.targeted.LoadOrCompute(endpoint, func() *clientConnection {
		return &clientConnection{
			endpoint:     endpoint,
			stopCh:       make(chan struct{}),
			requestChans: xsync.NewMapOf[uint64, chan responseResult](),
			parent:       t,
		}
	})
	return t.sendOn(ctx, connection, req)
}

func (t *clientTransport) sendOn(ctx context.Context, connection *clientConnection, req []byte) ([]byte, error) {
	requestID := atomic.AddUint64(&t.nextRequestID, 1)

	respCh := make(chan responseResult, 1)
	connection.requestChans.Store(requestID, respCh)
	defer connection.requestChans.Delete(requestID)

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	connection.connMu.Lock()
	if connection.conn == nil {
		// Re-dial lazily after a broken connection was detected.
		if err := connection.reconnectLocked(); err != nil {
			connection.connMu.Unlock()
			return nil, fmt.Errorf("connection to %s is down: %w", connection.endpoint, err)
		}
		go connection.readResponses()
	}
	if timeout > 0 {
		_ = connection.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := writeFrame(connection.conn, requestID, req)
	connection.connMu.Unlock()

	if err != nil {
		connection.markBroken()
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, common.NewError(common.CodeTimeout, ctx.Err().Error())
	case <-timeoutCh:
		return nil, common.NewError(common.CodeTimeout, "request timed out")
	}
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// pickConnection returns the next connection in round robin order.
func (t *clientTransport) pickConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&t.nextConnIndex, 1)
	return t.connections[idx%uint64(len(t.connections))]
}

func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, c := range t.connections {
		c.close()
	}
	t.connections = nil

	t.targeted.Range(func(endpoint string, c *clientConnection) bool {
		c.close()
		t.targeted.Delete(endpoint)
		return true
	})
}

// reconnect dials the endpoint and replaces the underlying connection.
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.reconnectLocked()
}

func (c *clientConnection) reconnectLocked() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		c.conn = nil
		return err
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		logger.Warnf("Failed to tune connection to %s: %v", c.endpoint, err)
	}
	c.conn = conn
	return nil
}

// markBroken tears down the connection so the next Send re-dials. Pending
// requests are failed immediately instead of waiting for their timeout.
func (c *clientConnection) markBroken() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.requestChans.Range(func(id uint64, ch chan responseResult) bool {
		select {
		case ch <- responseResult{err: fmt.Errorf("connection to %s lost", c.endpoint)}:
		default:
		}
		c.requestChans.Delete(id)
		return true
	})
}

func (c *clientConnection) close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// readResponses routes response frames to their waiting request channels.
// It exits when the connection breaks; Send re-dials on demand.
func (c *clientConnection) readResponses() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		requestID, data, err := readFrame(conn, buf)
		if err != nil {
			if c.parent.stopping.Load() {
				return
			}
			c.markBroken()
			return
		}

		if ch, ok := c.requestChans.Load(requestID); ok {
			payload := make([]byte, len(data))
			copy(payload, data)
			select {
			case ch <- responseResult{data: payload}:
			default:
			}
		}
	}
}
