package wire

import (
	"encoding/json"
	"net"
	"sync"
)

// Conn wraps a net.Conn with JSON-over-framed-transport helpers and a
// write mutex, since a node's connection can be written concurrently by
// the daemon's request handlers (replies) and by the goroutine pumping that
// node's event stream. The mutex serializes single frames, not sequences.
type Conn struct {
	net.Conn
	writeMu sync.Mutex
}

// NewConn wraps an already-connected net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// SendJSON serializes v and writes it as one frame.
func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Send(c.Conn, payload)
}

// ReceiveJSON reads one frame and decodes it into v.
func (c *Conn) ReceiveJSON(v any) error {
	payload, err := Receive(c.Conn)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
