package transport

import (
	"context"
	"net"
)

var (
	_ Transport = new(TCP)
	_ Transport = new(TLS)
)

// Transport accepts connections and runs the callback on every one of them.
type Transport interface {
	Bind(addr string) error
	Addr() net.Addr
	Listen(cb Callback) error
	Stop()
	Wait(ctx context.Context) error
	Close() error
}
