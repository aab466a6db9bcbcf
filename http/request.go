package http

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"

	"github.com/indigo-web/utils/strcomp"

	"github.com/sofie-web/sofie/http/method"
	"github.com/sofie-web/sofie/http/proto"
	"github.com/sofie-web/sofie/kv"
)

var zeroContext = context.Background()

type (
	Headers = *kv.Storage
	Header  = kv.Pair
)

// Request represents HTTP request. It is valid only for the duration of the handler call, as
// the same instance is reused for the following requests on the connection.
type Request struct {
	// Method is an enum representing the request method.
	Method method.Method
	// Path is a decoded string, without the query part.
	Path string
	// RawQuery is the query part of the request target as it was received, without the
	// question mark.
	RawQuery string
	// Proto is the protocol version the request was sent with.
	Proto proto.Protocol
	// Headers holds non-normalized header pairs, even though lookup is case-insensitive. Header keys
	// and values aren't validated, therefore may contain ASCII-nonprintable and/or Unicode characters.
	Headers Headers
	// ContentLength obtains the value from Content-Length header. It holds the value of 0
	// if isn't presented or when the body is chunked.
	ContentLength int
	// Chunked tells whether the body is transferred using the chunked encoding.
	Chunked bool
	// Remote holds the remote address. Please note that this is generally not a good parameter to identify
	// a user, because there might be proxies in the middle.
	Remote net.Addr
	// TLS holds the state of the secured connection. It's nil for plain connections.
	TLS *tls.ConnectionState
	// Body is a dedicated entity providing access to the message body.
	Body  *Body
	ctx   context.Context
	query url.Values
}

func NewRequest(headers Headers, remote net.Addr) *Request {
	return &Request{
		Method:  method.Unknown,
		Proto:   proto.HTTP11,
		Headers: headers,
		Remote:  remote,
		ctx:     zeroContext,
	}
}

// Context returns the context the request is served in. It's cancelled when the server is
// forced to close the connection.
func (r *Request) Context() context.Context {
	return r.ctx
}

// SetContext replaces the request context.
func (r *Request) SetContext(ctx context.Context) {
	r.ctx = ctx
}

// Query returns decoded query parameters. The result is cached until the next request.
func (r *Request) Query() (url.Values, error) {
	if r.query != nil {
		return r.query, nil
	}

	query, err := url.ParseQuery(r.RawQuery)
	if err != nil {
		return nil, err
	}

	r.query = query
	return query, nil
}

// KeepAlive reports whether the client asked the connection to be kept open after the
// response. HTTP/1.1 connections are persistent unless Connection: close is set, HTTP/1.0
// ones only when Connection: keep-alive is set.
func (r *Request) KeepAlive() bool {
	connection := r.Headers.Value("connection")

	switch r.Proto {
	case proto.HTTP10:
		return strcomp.EqualFold(connection, "keep-alive")
	case proto.HTTP11:
		return !strcomp.EqualFold(connection, "close")
	default:
		return false
	}
}

// Reset the request
func (r *Request) Reset() {
	r.Method = method.Unknown
	r.Path = ""
	r.RawQuery = ""
	r.Proto = proto.HTTP11
	r.Headers.Clear()
	r.ContentLength = 0
	r.Chunked = false
	r.ctx = zeroContext
	r.query = nil
}
