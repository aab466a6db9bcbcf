package transport

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// ErrShutdown is returned by Client.Read on idle connections once the transport is stopped.
var ErrShutdown = errors.New("transport is shutting down")

type Client interface {
	// Read returns a piece of data received from the connection. The returned slice is valid
	// until the next Read call.
	Read() ([]byte, error)
	// Pushback preserves a chunk of data from previous read for the next read.
	Pushback([]byte)
	// Idle marks the client as waiting for a new request. Idle clients are dropped as soon as
	// the transport is stopped.
	Idle()
	Write([]byte) (int, error)
	Conn() net.Conn
	Remote() net.Addr
	Close() error
}

type client struct {
	conn     net.Conn
	buff     []byte
	pending  []byte
	timeout  time.Duration
	stopping *atomic.Bool
	idle     bool
}

// newClient returns a client expecting its first request, so a request already sent by the time
// the transport stops is still served.
func newClient(conn net.Conn, timeout time.Duration, buff []byte, stopping *atomic.Bool) *client {
	return &client{
		conn:     conn,
		buff:     buff,
		timeout:  timeout,
		stopping: stopping,
	}
}

// Read reads data into the internal buffer and returns a piece of it back. Timeouts are also
// handled automatically.
func (c *client) Read() ([]byte, error) {
	if len(c.pending) > 0 {
		pending := c.pending
		c.pending = nil
		c.idle = false

		return pending, nil
	}

	deadline := time.Now().Add(c.timeout)

	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		// the flag must be checked after the deadline is set, otherwise the interruption
		// made by the transport in between would be overridden
		if c.idle && c.stopping.Load() {
			return nil, ErrShutdown
		}

		n, err := c.conn.Read(c.buff)
		if n > 0 {
			c.idle = false
			return c.buff[:n], nil
		}

		if errors.Is(err, os.ErrDeadlineExceeded) && c.stopping.Load() && time.Now().Before(deadline) {
			// interrupted by the transport. Active clients keep reading until the request
			// is complete
			continue
		}

		return nil, err
	}
}

// Idle marks the client as waiting for the next request.
func (c *client) Idle() {
	c.idle = true
}

// Pushback preserves a chunk of data from previous read for the next read.
func (c *client) Pushback(b []byte) {
	c.pending = b
}

// Conn unwraps the underlying net.Conn.
func (c *client) Conn() net.Conn {
	return c.conn
}

// Write writes data into the underlying connection.
func (c *client) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Remote returns the remote address of the connection.
func (c *client) Remote() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection.
func (c *client) Close() error {
	return c.conn.Close()
}

// interrupt makes the blocking read return, so the client notices the transport is stopping.
func (c *client) interrupt() {
	_ = c.conn.SetReadDeadline(time.Now())
}
