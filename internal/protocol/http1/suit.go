package http1

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/indigo-web/utils/strcomp"
	"go.uber.org/zap"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/mime"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/kv"
	"github.com/sofie-web/sofie/settings"
	"github.com/sofie-web/sofie/transport"
)

// ErrHandlerPanic wraps values the handler panicked with.
var ErrHandlerPanic = errors.New("handler panicked")

const (
	respBuffSize    = 4096
	headersPrealloc = 10
)

// Suit serves HTTP/1.x requests coming from a single connection. Requests are processed
// strictly one after another, including pipelined ones.
type Suit struct {
	parser     *Parser
	serializer *serializer
	body       *body
	request    *http.Request
	client     transport.Client
	handler    http.Handler
	log        *zap.Logger
	maxBody    uint64
}

func New(s settings.Settings, client transport.Client, handler http.Handler, log *zap.Logger) *Suit {
	request := http.NewRequest(kv.NewPrealloc(headersPrealloc), client.Remote())
	b := newBody(client, s.Body)
	request.Body = http.NewBody(request, b)

	if tlsConn, ok := client.Conn().(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		request.TLS = &state
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Suit{
		parser:     NewParser(s, request),
		serializer: newSerializer(client, s.Headers.Default, make([]byte, 0, respBuffSize)),
		body:       b,
		request:    request,
		client:     client,
		handler:    handler,
		log:        log.With(zap.Stringer("remote", remote{client.Remote()})),
		maxBody:    s.Body.MaxSize,
	}
}

// Serve processes requests until the connection must be closed. The context is passed to the
// handler.
func (s *Suit) Serve(ctx context.Context) {
	for s.ServeOnce(ctx) {
	}
}

// ServeOnce reads, processes and answers a single request. False is returned if the connection
// must be closed afterwards.
func (s *Suit) ServeOnce(ctx context.Context) bool {
	for {
		data, err := s.client.Read()
		if err != nil {
			s.readError(err)
			return false
		}

		done, extra, err := s.parser.Parse(data)
		if !done {
			continue
		}

		if err != nil {
			s.log.Debug("malformed request", zap.Error(err))
			// the connection is going to be closed anyway, so write errors don't matter
			_ = s.serializer.Write(s.request, errorResponse(err), true)
			return false
		}

		s.client.Pushback(extra)
		return s.handle(ctx)
	}
}

func (s *Suit) handle(ctx context.Context) bool {
	request := s.request
	s.body.Reset(request)
	request.SetContext(ctx)

	if uint64(request.ContentLength) > s.maxBody {
		_ = s.serializer.Write(request, errorResponse(status.ErrBodyTooLarge), true)
		return false
	}

	closing := !request.KeepAlive()

	response, err := s.call(ctx)
	if err != nil {
		if errors.Is(err, ErrHandlerPanic) {
			s.log.Error("handler panicked", zap.Error(err), zap.Stack("stack"))
		} else {
			s.log.Warn("handler failed", zap.Error(err))
		}

		response = errorResponse(err)
		closing = true
	}

	if value, found := response.Header("Connection"); found && strcomp.EqualFold(value, "close") {
		closing = true
	}

	if err = s.serializer.Write(request, response, closing); err != nil {
		if errors.Is(err, status.ErrInvalidCode) || errors.Is(err, status.ErrInvalidHeader) {
			s.log.Warn("bad response", zap.Error(err))
			_ = s.serializer.Write(request, errorResponse(status.ErrInternalServerError), true)
		} else {
			s.log.Debug("failed to write response", zap.Error(err))
		}

		return false
	}

	if closing {
		return false
	}

	// the rest of the body must be consumed, as otherwise it'd be parsed as the next request
	if err = request.Body.Reset(); err != nil {
		s.readError(err)
		return false
	}

	request.Reset()
	s.parser.Reset()
	s.client.Idle()

	return true
}

func (s *Suit) call(ctx context.Context) (response http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return s.handler(ctx, s.request)
}

func (s *Suit) readError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, transport.ErrShutdown):
		s.log.Debug("connection closed", zap.Error(err))
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Debug("read timeout", zap.Error(err))
	default:
		var httpErr status.HTTPError
		if errors.As(err, &httpErr) {
			// e.g. body too large or malformed chunked encoding
			s.log.Debug("malformed request body", zap.Error(err))
			return
		}

		s.log.Warn("connection read failed", zap.Error(err))
	}
}

// errorResponse renders the error into a response. Only messages of status.HTTPError are
// exposed to the client.
func errorResponse(err error) http.Response {
	code := status.CodeOf(err)
	message := string(status.Text(code))

	var httpErr status.HTTPError
	if errors.As(err, &httpErr) {
		message = httpErr.Message
	}

	return http.Respond().
		Code(code).
		ContentType(mime.Plain).
		Header("Connection", "close").
		String(message)
}

// remote defers the address rendering until a log entry is actually written.
type remote struct {
	addr net.Addr
}

func (r remote) String() string {
	if r.addr == nil {
		return "unknown"
	}

	return r.addr.String()
}
