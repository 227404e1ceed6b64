package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/keva-db/keva/rpc/common"
)

// Frame layout, shared by both directions:
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
const frameHeaderSize = 12

// writeFrame writes one frame to the connection.
func writeFrame(conn net.Conn, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame from the connection using the provided buffer.
// If the buffer is too small, a temporary buffer is allocated for the data.
func readFrame(conn net.Conn, buf []byte) (uint64, []byte, error) {
	if buf == nil || len(buf) < frameHeaderSize {
		buf = make([]byte, frameHeaderSize)
	}

	if _, err := io.ReadFull(conn, buf[:frameHeaderSize]); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(buf[:8])
	contentLength := binary.BigEndian.Uint32(buf[8:12])

	// Refuse to allocate for frames beyond the protocol bound.
	if contentLength > common.MaxMessageSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds maximum message size", contentLength)
	}

	if contentLength == 0 {
		return requestID, []byte{}, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, nil, err
	}

	return requestID, buf[:contentLength], nil
}
