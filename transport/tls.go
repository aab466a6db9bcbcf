package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/sofie-web/sofie/settings"
)

// TLS is the TCP transport wrapping every connection into TLS. The handshake is done in the
// connection's goroutine, bounded by the handshake timeout, so slow clients don't hold the
// accept loop.
type TLS struct {
	config *tls.Config
	TCP
}

func NewTLS(ctx context.Context, config *tls.Config, cfg settings.NET, log *zap.Logger) *TLS {
	t := &TLS{
		config: config,
		TCP:    newTCP(ctx, cfg, log),
	}
	t.prepare = t.handshake

	return t
}

func (t *TLS) Bind(addr string) error {
	tcp, err := bindTCP(addr)
	if err != nil {
		return err
	}

	t.l = tlsAdapter{
		TCPListener: tcp,
		tls:         tls.NewListener(tcp, t.config),
	}

	return nil
}

func (t *TLS) handshake(ctx context.Context, conn net.Conn) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return errors.New("not a TLS connection")
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	return nil
}

type tlsAdapter struct {
	*net.TCPListener
	tls net.Listener
}

func (t tlsAdapter) Accept() (net.Conn, error) {
	return t.tls.Accept()
}
