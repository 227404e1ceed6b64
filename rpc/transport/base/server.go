package base

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/transport"
)

var logger = common.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	handler    transport.ServerHandleFunc
	config     common.ServerConfig
	listener   net.Listener
	bufferPool *sync.Pool
	closed     chan struct{}
	closeOnce  sync.Once
}

// -----------------------------------------------------------
// Transport Factory Method
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the given connector
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	if bufferSize < frameHeaderSize {
		bufferSize = 64 * 1024
	}
	return &serverTransport{
		connector: connector,
		closed:    make(chan struct{}),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	logger.Infof("Starting %s server on %s", t.connector.GetName(), config.BindAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			logger.Warnf("Failed to tune connection from %s: %v", conn.RemoteAddr(), err)
		}

		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection serves request frames from one connection until it fails
// or the transport is closed. Each request is processed in its own goroutine
// so a slow consensus round cannot stall unrelated traffic on the same
// connection; responses are matched by request id, not by order.
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer conn.Close()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	var wg sync.WaitGroup
	var connMu sync.Mutex // protects writes to the connection

	respond := func(requestID uint64, data []byte) {
		defer wg.Done()

		resp := t.handler(data)

		connMu.Lock()
		defer connMu.Unlock()

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}
		if err := writeFrame(conn, requestID, resp); err != nil {
			logger.Errorf("Failed to write response: %v", err)
		}
	}

	for {
		select {
		case <-t.closed:
			wg.Wait()
			return
		default:
		}

		buf := t.bufferPool.Get().([]byte)
		requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			wg.Wait()
			return
		}

		// The frame may reference the pooled buffer, copy before reuse.
		payload := make([]byte, len(data))
		copy(payload, data)
		t.bufferPool.Put(buf)

		wg.Add(1)
		go respond(requestID, payload)
	}
}
