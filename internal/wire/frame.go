// Package wire implements the framed transport (length-prefixed frames
// over a reliable byte stream) and the tagged-union message types
// exchanged between coordinator, daemon, and node.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize caps a single frame payload to guard against a corrupted or
// malicious length prefix forcing an unbounded allocation.
const MaxFrameSize = 1<<31 - 1

// TransportError wraps a framing or connection failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Send writes a length-prefixed frame: a 4-byte big-endian length followed
// by payload, and flushes by construction (net.Conn.Write has no internal
// buffering to flush).
func Send(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &TransportError{Op: "send", Err: fmt.Errorf("frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)}
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return &TransportError{Op: "send header", Err: err}
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return &TransportError{Op: "send payload", Err: err}
	}
	return nil
}

// Receive reads one length-prefixed frame, returning exactly the declared
// number of payload bytes or a TransportError on short read, truncated
// stream, or an oversized declared length.
func Receive(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, &TransportError{Op: "receive header", Err: err}
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &TransportError{Op: "receive", Err: fmt.Errorf("declared frame size %d exceeds max %d", size, MaxFrameSize)}
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &TransportError{Op: "receive payload", Err: err}
	}
	return buf, nil
}

// DialTCP connects to addr and configures the connection the way every
// coordinator/daemon/node link in this system is configured: TCP_NODELAY
// enabled, since every frame here is latency sensitive control or data
// traffic, never a bulk stream that benefits from Nagle coalescing.
func DialTCP(network, addr string) (*net.TCPConn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("%s is not a TCP network", network)}
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, &TransportError{Op: "set nodelay", Err: err}
	}
	return tcpConn, nil
}

// ConfigureAccepted applies the same no-delay setting to a server-accepted
// connection.
func ConfigureAccepted(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return &TransportError{Op: "set nodelay", Err: err}
		}
	}
	return nil
}
