package sofie

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	stdhttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/settings"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func helloWorld(_ context.Context, request *http.Request) (http.Response, error) {
	if request.Path == "/fail" {
		return http.Response{}, errors.New("something went wrong")
	}

	return http.Respond().String("Hello World"), nil
}

func localSettings() settings.Settings {
	s := settings.Default()
	s.Port = 0
	s.Interface = "127.0.0.1"

	return s
}

type running struct {
	app  *App
	addr string
	stop func() error
}

// start runs the app in background and waits until it's ready to accept connections. The app
// is stopped on cleanup, unless stopped explicitly earlier.
func start(t *testing.T, s settings.Settings, handler http.Handler) running {
	return startContext(t, context.Background(), s, handler)
}

func startContext(t *testing.T, parent context.Context, s settings.Settings, handler http.Handler) running {
	app := New(s).Logger(zaptest.NewLogger(t))
	ready := make(chan struct{})
	app.NotifyOnStart(func() {
		close(ready)
	})

	ctx, cancel := context.WithCancel(parent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Serve(ctx, handler)
	}()

	select {
	case <-ready:
	case err := <-errCh:
		cancel()
		require.FailNow(t, "server failed to start", err)
	}

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			stopErr = <-errCh
		})

		return stopErr
	}
	t.Cleanup(func() {
		_ = stop()
	})

	return running{
		app:  app,
		addr: app.Addr().String(),
		stop: stop,
	}
}

func newClient(t *testing.T, config *tls.Config) *stdhttp.Client {
	transport := &stdhttp.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   config,
	}
	t.Cleanup(transport.CloseIdleConnections)

	return &stdhttp.Client{Transport: transport, Timeout: 5 * time.Second}
}

func get(t *testing.T, client *stdhttp.Client, url string) (*stdhttp.Response, string) {
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestApp_Serve(t *testing.T) {
	t.Run("hello world", func(t *testing.T) {
		server := start(t, localSettings(), helloWorld)

		resp, body := get(t, newClient(t, nil), "http://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "HTTP/1.1", resp.Proto)
		require.Equal(t, "Hello World", body)
		require.Equal(t, []string{"sofie"}, resp.Header["Server"])
		require.NoError(t, server.stop())
	})

	t.Run("pipelined requests", func(t *testing.T) {
		server := start(t, localSettings(), func(_ context.Context, request *http.Request) (http.Response, error) {
			return http.Respond().String(request.Path), nil
		})

		conn, err := net.Dial("tcp", server.addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte(
			"GET /first HTTP/1.1\r\n\r\n" +
				"GET /second HTTP/1.1\r\n\r\n" +
				"GET /third HTTP/1.1\r\nConnection: close\r\n\r\n",
		))
		require.NoError(t, err)

		reader := bufio.NewReader(conn)
		for _, want := range []string{"/first", "/second", "/third"} {
			resp, err := stdhttp.ReadResponse(reader, nil)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, want, string(body))
		}

		_, err = reader.ReadByte()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("failing handler closes only its connection", func(t *testing.T) {
		server := start(t, localSettings(), helloWorld)

		healthy, err := net.Dial("tcp", server.addr)
		require.NoError(t, err)
		defer healthy.Close()

		failing, err := net.Dial("tcp", server.addr)
		require.NoError(t, err)
		defer failing.Close()

		_, err = failing.Write([]byte("GET /fail HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		reader := bufio.NewReader(failing)
		resp, err := stdhttp.ReadResponse(reader, nil)
		require.NoError(t, err)
		require.Equal(t, stdhttp.StatusInternalServerError, resp.StatusCode)
		_, _ = io.Copy(io.Discard, resp.Body)
		_, err = reader.ReadByte()
		require.ErrorIs(t, err, io.EOF)

		healthyReader := bufio.NewReader(healthy)
		for range 2 {
			_, err = healthy.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
			require.NoError(t, err)
			resp, err = stdhttp.ReadResponse(healthyReader, nil)
			require.NoError(t, err)
			require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
			_, _ = io.Copy(io.Discard, resp.Body)
		}

		resp, body := get(t, newClient(t, nil), "http://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "Hello World", body)
	})

	t.Run("request body", func(t *testing.T) {
		server := start(t, localSettings(), func(_ context.Context, request *http.Request) (http.Response, error) {
			body, err := request.Body.String()
			if err != nil {
				return http.Response{}, err
			}

			return http.Respond().String(strings.ToUpper(body)), nil
		})

		client := newClient(t, nil)
		resp, err := client.Post("http://"+server.addr+"/", "text/plain", strings.NewReader("hello"))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "HELLO", string(body))
	})

	t.Run("hooks", func(t *testing.T) {
		var started, stopped bool
		app := New(localSettings()).
			Logger(zaptest.NewLogger(t)).
			NotifyOnStart(func() { started = true }).
			NotifyOnStop(func() { stopped = true })

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, app.Serve(ctx, helloWorld))
		require.True(t, started)
		require.True(t, stopped)
	})

	t.Run("handler context carries serve context values", func(t *testing.T) {
		type tenantKey struct{}

		ctx := context.WithValue(context.Background(), tenantKey{}, "acme")
		server := startContext(t, ctx, localSettings(), func(ctx context.Context, _ *http.Request) (http.Response, error) {
			tenant, _ := ctx.Value(tenantKey{}).(string)
			return http.Respond().String(tenant), nil
		})

		resp, body := get(t, newClient(t, nil), "http://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "acme", body)
	})
}

func TestApp_Errors(t *testing.T) {
	serve := func(t *testing.T, s settings.Settings, handler http.Handler) error {
		started := false
		app := New(s).
			Logger(zaptest.NewLogger(t)).
			NotifyOnStart(func() { started = true })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := app.Serve(ctx, handler)
		require.False(t, started)

		return err
	}

	t.Run("no handler", func(t *testing.T) {
		require.ErrorIs(t, serve(t, localSettings(), nil), ErrNoHandler)
	})

	t.Run("port is taken", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()

		s := localSettings()
		s.Port = uint16(l.Addr().(*net.TCPAddr).Port)
		require.Error(t, serve(t, s, helloWorld))
	})

	t.Run("bad interface", func(t *testing.T) {
		s := localSettings()
		s.Interface = "not a host"
		require.ErrorIs(t, serve(t, s, helloWorld), settings.ErrBadInterfaceValue)
	})

	t.Run("missing certificate", func(t *testing.T) {
		s := localSettings()
		dir := t.TempDir()
		s.Security = &settings.SecurityMaterial{
			CertPath: filepath.Join(dir, "cert.pem"),
			KeyPath:  filepath.Join(dir, "key.pem"),
		}
		require.ErrorIs(t, serve(t, s, helloWorld), os.ErrNotExist)
	})

	t.Run("mismatched key", func(t *testing.T) {
		cert, _, err := generateSelfSignedCert(t.TempDir())
		require.NoError(t, err)
		_, key, err := generateSelfSignedCert(t.TempDir())
		require.NoError(t, err)

		s := localSettings()
		s.Security = &settings.SecurityMaterial{CertPath: cert, KeyPath: key}
		require.Error(t, serve(t, s, helloWorld))
	})
}

func certPool(t *testing.T, certFile string) *x509.CertPool {
	pemData, err := os.ReadFile(certFile)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemData))

	return pool
}

func TestApp_TLS(t *testing.T) {
	t.Run("security material", func(t *testing.T) {
		cert, key, err := generateSelfSignedCert(t.TempDir())
		require.NoError(t, err)

		s := localSettings()
		s.Security = &settings.SecurityMaterial{CertPath: cert, KeyPath: key}
		server := start(t, s, helloWorld)

		client := newClient(t, &tls.Config{RootCAs: certPool(t, cert)})
		resp, body := get(t, client, "https://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.NotNil(t, resp.TLS)
		require.Equal(t, "Hello World", body)

		_, err = newClient(t, nil).Get("http://" + server.addr + "/")
		require.Error(t, err, "plaintext request must fail at the handshake")
		require.NoError(t, server.stop())
	})

	t.Run("request carries connection state", func(t *testing.T) {
		cert, key, err := generateSelfSignedCert(t.TempDir())
		require.NoError(t, err)

		s := localSettings()
		s.Security = &settings.SecurityMaterial{CertPath: cert, KeyPath: key}
		server := start(t, s, func(_ context.Context, request *http.Request) (http.Response, error) {
			if request.TLS == nil || !request.TLS.HandshakeComplete {
				return http.Response{}, status.ErrBadRequest
			}

			return http.Respond().String(tls.VersionName(request.TLS.Version)), nil
		})

		client := newClient(t, &tls.Config{RootCAs: certPool(t, cert), MaxVersion: tls.VersionTLS12})
		resp, body := get(t, client, "https://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "TLS 1.2", body)
	})

	t.Run("auto TLS on localhost", func(t *testing.T) {
		cache := t.TempDir()
		s := localSettings()
		s.AutoTLS = &settings.AutoTLS{CacheDir: cache}
		server := start(t, s, helloWorld)

		cert := filepath.Join(cache, selfSignedCert)
		require.FileExists(t, cert)
		require.FileExists(t, filepath.Join(cache, selfSignedKey))

		client := newClient(t, &tls.Config{RootCAs: certPool(t, cert)})
		resp, body := get(t, client, "https://"+server.addr+"/")
		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "Hello World", body)
	})

	t.Run("self-signed certificate is cached", func(t *testing.T) {
		cache := t.TempDir()
		cert, key, err := generateSelfSignedCert(cache)
		require.NoError(t, err)
		before, err := os.ReadFile(cert)
		require.NoError(t, err)

		cert2, key2, err := generateSelfSignedCert(cache)
		require.NoError(t, err)
		require.Equal(t, cert, cert2)
		require.Equal(t, key, key2)
		after, err := os.ReadFile(cert2)
		require.NoError(t, err)
		require.Equal(t, before, after)
	})
}

func TestApp_Shutdown(t *testing.T) {
	t.Run("in-flight request is drained", func(t *testing.T) {
		entered, release := make(chan struct{}), make(chan struct{})
		server := start(t, localSettings(), func(context.Context, *http.Request) (http.Response, error) {
			close(entered)
			<-release
			return http.Respond().String("finished"), nil
		})

		type result struct {
			body string
			err  error
		}
		results := make(chan result, 1)
		client := newClient(t, nil)
		go func() {
			resp, err := client.Get("http://" + server.addr + "/")
			if err != nil {
				results <- result{err: err}
				return
			}

			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			results <- result{body: string(body), err: err}
		}()

		<-entered
		stopped := make(chan error, 1)
		go func() {
			stopped <- server.stop()
		}()

		select {
		case err := <-stopped:
			require.FailNow(t, "server stopped before the request was finished", err)
		case <-time.After(100 * time.Millisecond):
		}

		close(release)
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, "finished", res.body)
		require.NoError(t, <-stopped)
	})

	t.Run("idle connections are closed", func(t *testing.T) {
		server := start(t, localSettings(), helloWorld)

		conn, err := net.Dial("tcp", server.addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		reader := bufio.NewReader(conn)
		resp, err := stdhttp.ReadResponse(reader, nil)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)

		require.NoError(t, server.stop())
		_, err = reader.ReadByte()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("stuck handler is cancelled after the grace period", func(t *testing.T) {
		s := localSettings()
		s.Shutdown.GracePeriod = 100 * time.Millisecond
		entered := make(chan struct{})
		server := start(t, s, func(ctx context.Context, _ *http.Request) (http.Response, error) {
			close(entered)
			<-ctx.Done()
			return http.Response{}, ctx.Err()
		})

		conn, err := net.Dial("tcp", server.addr)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)

		<-entered
		require.ErrorIs(t, server.stop(), context.DeadlineExceeded)
	})
}
