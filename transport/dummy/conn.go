package dummy

import (
	"io"
	"net"
	"os"
	"time"
)

var remoteAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 31337}

var _ net.Conn = new(Conn)

// Conn is an in-memory net.Conn. Reads return the scripted pieces one after another and io.EOF
// afterwards. A read deadline in the past makes reads fail the way a real socket does.
type Conn struct {
	reads    [][]byte
	written  []byte
	deadline time.Time
	closed   bool
	nop      bool
}

func NewConn(reads ...[]byte) *Conn {
	return &Conn{reads: reads}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	switch {
	case c.closed:
		return 0, net.ErrClosed
	case !c.deadline.IsZero() && !time.Now().Before(c.deadline):
		return 0, os.ErrDeadlineExceeded
	case len(c.reads) == 0:
		return 0, io.EOF
	}

	n = copy(b, c.reads[0])
	if c.reads[0] = c.reads[0][n:]; len(c.reads[0]) == 0 {
		c.reads = c.reads[1:]
	}

	return n, nil
}

func (c *Conn) Write(b []byte) (n int, err error) {
	if c.closed {
		return 0, net.ErrClosed
	}

	if !c.nop {
		c.written = append(c.written, b...)
	}

	return len(b), nil
}

// Written returns everything written so far.
func (c *Conn) Written() string {
	return string(c.written)
}

func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	return c.closed
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}
}

func (c *Conn) RemoteAddr() net.Addr {
	return remoteAddr
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}

// Nop disables recording of the written data.
func (c *Conn) Nop() *Conn {
	c.nop = true
	return c
}
