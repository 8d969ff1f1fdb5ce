package protocol

import (
	"net"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single frame write on a Conn.
const DefaultWriteTimeout = 10 * time.Second

// Conn frames messages over a net.Conn. Writes are serialized so frames
// from concurrent writers (an accept loop and a keepalive, for example)
// are never interleaved. Reads are not buffered: each Read consumes exactly
// one frame, leaving any following bytes on the underlying connection.
type Conn struct {
	nc           net.Conn
	writeTimeout time.Duration

	wmu sync.Mutex
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, writeTimeout: DefaultWriteTimeout}
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Read reads the next message. Only one goroutine may read at a time.
func (c *Conn) Read() (Message, error) {
	return ReadMessage(c.nc)
}

// ReadTimeout reads the next message, failing if it does not arrive within d.
// The read deadline is cleared afterwards.
func (c *Conn) ReadTimeout(d time.Duration) (Message, error) {
	if d > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()
	}
	return ReadMessage(c.nc)
}

// Write encodes m and writes it as one frame. Safe for concurrent use.
func (c *Conn) Write(m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.nc.SetWriteDeadline(time.Time{}) }()
	}
	_, err = c.nc.Write(b)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
