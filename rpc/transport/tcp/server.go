package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/transport"
	"github.com/keva-db/keva/rpc/transport/base"
)

const defaultBufferSize = 512 * 1024 // 512 KB

// serverConnector implements the base.IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}
	return listener, nil
}

// UpgradeConnection applies performance settings from the transport config.
func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	return tuneTCPConn(conn, config.Transport)
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport.
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, defaultBufferSize)
}

// --------------------------------------------------------------------------
// Shared Helpers
// --------------------------------------------------------------------------

// tuneTCPConn applies socket options shared by client and server side.
func tuneTCPConn(conn net.Conn, cfg common.TransportConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // not a TCP connection, nothing to tune
	}

	if err := tcpConn.SetNoDelay(cfg.TCPNoDelay); err != nil {
		return err
	}

	if cfg.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
			return err
		}
	}

	if cfg.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			return err
		}
	}

	if cfg.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(cfg.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if cfg.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(cfg.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}
