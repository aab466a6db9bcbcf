package sofie

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/internal/protocol/http1"
	"github.com/sofie-web/sofie/settings"
	"github.com/sofie-web/sofie/transport"
)

var ErrNoHandler = errors.New("sofie: no handler passed")

type hooks struct {
	OnStart, OnStop func()
}

// App is a single HTTP/1.x server. It binds the configured interface and port, optionally
// terminates TLS, and passes every request to the handler.
type App struct {
	settings settings.Settings
	log      *zap.Logger
	hooks    hooks
	mu       sync.Mutex
	addr     net.Addr
}

// New returns a new App instance. The settings are copied, so changing them afterwards has no
// effect. Zero tuning values are replaced by defaults when serving starts.
func New(s settings.Settings) *App {
	return &App{
		settings: s.Clone(),
		log:      zap.NewNop(),
	}
}

// Default returns an App with default settings.
func Default() *App {
	return New(settings.Default())
}

// Logger sets the logger. Nothing is logged by default.
func (a *App) Logger(log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}

	a.log = log.Named("sofie")
	return a
}

// NotifyOnStart calls the callback at the moment, when the server is bound and about to accept
// connections.
func (a *App) NotifyOnStart(cb func()) *App {
	a.hooks.OnStart = cb
	return a
}

// NotifyOnStop calls the callback at the moment, when the server is down. It's guaranteed that
// at this moment no connections are accepted and all the clients are already disconnected.
func (a *App) NotifyOnStop(cb func()) *App {
	a.hooks.OnStop = cb
	return a
}

// Addr returns the address the server is bound to. Before the server is bound, nil is returned.
// Useful when the port is 0, so a random one is picked.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.addr
}

// Serve runs the server until the context is done. Configuration, TLS material and bind errors
// are returned immediately, before anything is served. On cancellation the server stops
// accepting, closes idle connections and waits for in-flight requests for up to the grace
// period. Connections still open afterwards are closed forcefully, and an error wrapping
// context.DeadlineExceeded is returned.
func (a *App) Serve(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		return ErrNoHandler
	}

	s := settings.Fill(a.settings)
	if err := s.Validate(); err != nil {
		return fmt.Errorf("sofie: settings: %w", err)
	}

	t, err := a.newTransport(ctx, s)
	if err != nil {
		return fmt.Errorf("sofie: tls: %w", err)
	}

	if err = t.Bind(s.Addr()); err != nil {
		_ = t.Close()
		return fmt.Errorf("sofie: bind %s: %w", s.Addr(), err)
	}

	a.setAddr(t.Addr())
	log := a.log.With(zap.Stringer("addr", t.Addr()))
	log.Info("listening", zap.Bool("tls", s.Secure()))
	callIfNotNil(a.hooks.OnStart)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.Listen(a.callback(s, handler))
	})
	g.Go(func() error {
		<-gctx.Done()
		t.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error("accept loop failed", zap.Error(err))
		err = fmt.Errorf("sofie: accept: %w", err)
	}

	log.Info("shutting down", zap.Duration("grace_period", s.Shutdown.GracePeriod))
	err = multierr.Combine(err, a.drain(t, s.Shutdown.GracePeriod), t.Close())
	callIfNotNil(a.hooks.OnStop)

	return err
}

func (a *App) drain(t transport.Transport, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := t.Wait(ctx); err != nil {
		a.log.Warn("connections closed forcefully", zap.Error(err))
		return fmt.Errorf("sofie: drain connections: %w", err)
	}

	return nil
}

func (a *App) callback(s settings.Settings, handler http.Handler) transport.Callback {
	log := a.log.Named("http")

	return func(ctx context.Context, client transport.Client) {
		http1.New(s, client, handler, log).Serve(ctx)
	}
}

func (a *App) newTransport(ctx context.Context, s settings.Settings) (transport.Transport, error) {
	log := a.log.Named("transport")

	switch {
	case s.Security != nil:
		config, err := loadTLSConfig(s.Security.CertPath, s.Security.KeyPath)
		if err != nil {
			return nil, err
		}

		return transport.NewTLS(ctx, config, s.NET, log), nil
	case s.AutoTLS != nil:
		config, err := autoTLSConfig(s, a.log)
		if err != nil {
			return nil, err
		}

		return transport.NewTLS(ctx, config, s.NET, log), nil
	default:
		return transport.NewTCP(ctx, s.NET, log), nil
	}
}

func (a *App) setAddr(addr net.Addr) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

func callIfNotNil(f func()) {
	if f != nil {
		f()
	}
}
