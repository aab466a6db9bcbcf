package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sofie-web/sofie/settings"
)

var ErrNotBound = errors.New("transport is not bound")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Callback serves a single connection. The context is cancelled when the transport gives up
// waiting for the connection to finish and closes it forcefully.
type Callback func(ctx context.Context, client Client)

type listener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// TCP runs the accept loop over a plain TCP listener. Every accepted connection is served in a
// separate goroutine, so accepting never waits on a connection.
type TCP struct {
	l        listener
	cfg      settings.NET
	log      *zap.Logger
	prepare  func(ctx context.Context, conn net.Conn) error
	wg       *sync.WaitGroup
	stop     *atomic.Bool
	mu       *sync.Mutex
	clients  map[*client]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown *sync.Once
	stopped  chan struct{}
}

// NewTCP returns a plain TCP transport. Connections are served with a context carrying the
// values of ctx, but not its cancellation: they are drained explicitly by Stop and Wait.
func NewTCP(ctx context.Context, cfg settings.NET, log *zap.Logger) *TCP {
	tcp := newTCP(ctx, cfg, log)
	return &tcp
}

func newTCP(ctx context.Context, cfg settings.NET, log *zap.Logger) TCP {
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return TCP{
		cfg:      cfg,
		log:      log,
		wg:       new(sync.WaitGroup),
		stop:     new(atomic.Bool),
		mu:       new(sync.Mutex),
		clients:  make(map[*client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: new(sync.Once),
		stopped:  make(chan struct{}),
	}
}

func bindTCP(addr string) (*net.TCPListener, error) {
	tcpaddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	return net.ListenTCP("tcp", tcpaddr)
}

// Bind opens the listening socket. Address is in a form of host:port, port 0 stands for an
// ephemeral one.
func (t *TCP) Bind(addr string) (err error) {
	l, err := bindTCP(addr)
	if err != nil {
		return err
	}

	t.l = l
	return nil
}

// Addr returns the address the transport is bound to, or nil if it isn't.
func (t *TCP) Addr() net.Addr {
	if t.l == nil {
		return nil
	}

	return t.l.Addr()
}

// Listen runs the accept loop until Stop is called. Temporary accept errors, like running out
// of file descriptors, are retried with a growing delay. A returned error means the listener
// failed; connections accepted before are kept served.
func (t *TCP) Listen(cb Callback) error {
	if t.l == nil {
		return ErrNotBound
	}

	var delay time.Duration

	for !t.stop.Load() {
		conn, err := t.l.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			if t.stop.Load() {
				return nil
			}

			if !temporary(err) {
				return err
			}

			delay = max(minAcceptDelay, min(delay*2, maxAcceptDelay))
			t.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			if !t.sleep(delay) {
				return nil
			}

			continue
		}

		delay = 0
		t.wg.Add(1)
		go t.serve(conn, cb)
	}

	return nil
}

// sleep pauses the accept loop. Returns false if the transport was stopped meanwhile.
func (t *TCP) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-t.stopped:
		return false
	}
}

func temporary(err error) bool {
	switch {
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, syscall.ENOMEM):
		return true
	}

	var tmp interface{ Temporary() bool }
	return errors.As(err, &tmp) && tmp.Temporary()
}

func (t *TCP) serve(conn net.Conn, cb Callback) {
	defer t.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	log := t.log.With(zap.Stringer("remote", conn.RemoteAddr()))

	if t.prepare != nil {
		if err := t.prepare(t.ctx, conn); err != nil {
			log.Warn("connection rejected", zap.Error(err))
			return
		}
	}

	c := newClient(conn, t.cfg.ReadTimeout, make([]byte, t.cfg.ReadBufferSize), t.stop)
	if !t.track(c) {
		return
	}
	defer t.untrack(c)

	log.Debug("connection accepted")
	cb(t.ctx, c)
	log.Debug("connection closed")
}

func (t *TCP) track(c *client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return false
	}

	t.clients[c] = struct{}{}
	return true
}

func (t *TCP) untrack(c *client) {
	t.mu.Lock()
	delete(t.clients, c)
	t.mu.Unlock()
}

// Stop makes the accept loop exit and drops all the idle connections. Connections serving a
// request at the moment are kept until they become idle.
func (t *TCP) Stop() {
	if t.stop.Swap(true) {
		return
	}

	close(t.stopped)

	if t.l != nil {
		// unblocks the Accept without closing the socket
		_ = t.l.SetDeadline(time.Now())
	}

	t.mu.Lock()
	for c := range t.clients {
		c.interrupt()
	}
	t.mu.Unlock()
}

// Wait blocks until all the connections are closed. If the context is done earlier, remaining
// connections are closed forcefully, their context cancelled, and the context's error is
// returned once they exit.
func (t *TCP) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	t.force()
	<-done

	return ctx.Err()
}

func (t *TCP) force() {
	t.shutdown.Do(func() {
		t.mu.Lock()
		t.cancel()
		for c := range t.clients {
			_ = c.Close()
		}
		t.mu.Unlock()
	})
}

// Close releases the listening socket. The transport can't be used afterwards.
func (t *TCP) Close() error {
	t.cancel()

	if t.l == nil {
		return nil
	}

	return t.l.Close()
}
