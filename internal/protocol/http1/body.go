package http1

import (
	"io"

	"github.com/indigo-web/chunkedbody"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/settings"
	"github.com/sofie-web/sofie/transport"
)

var _ http.Retriever = new(body)

// body retrieves the request body from the connection, respecting the message framing: the
// Content-Length or the chunked transfer encoding. Bytes following the body are pushed back
// into the client, as they belong to the next pipelined request.
type body struct {
	client    transport.Client
	parser    *chunkedbody.Parser
	maxSize   uint64
	bytesLeft uint64
	received  uint64
	chunked   bool
	trailer   bool
	done      bool
}

func newBody(client transport.Client, s settings.Body) *body {
	chunkedSettings := chunkedbody.DefaultSettings()
	assignLimit(&chunkedSettings.MaxChunkSize, s.MaxChunkSize)

	return &body{
		client:  client,
		parser:  chunkedbody.NewParser(chunkedSettings),
		maxSize: s.MaxSize,
	}
}

// Reset prepares the body for reading the request's one.
func (b *body) Reset(request *http.Request) {
	b.chunked = request.Chunked
	b.trailer = request.Chunked && request.Headers.Has("Trailer")
	b.bytesLeft = uint64(request.ContentLength)
	b.received = 0
	b.done = !b.chunked && b.bytesLeft == 0
}

// Retrieve returns the next piece of the body. The last one is returned along with io.EOF.
func (b *body) Retrieve() ([]byte, error) {
	if b.done {
		return nil, io.EOF
	}

	if b.chunked {
		return b.readChunked()
	}

	return b.readPlain()
}

func (b *body) readPlain() (piece []byte, err error) {
	if b.bytesLeft > b.maxSize {
		return nil, status.ErrBodyTooLarge
	}

	data, err := b.client.Read()
	if err != nil {
		return nil, unexpectedEOF(err)
	}

	if uint64(len(data)) >= b.bytesLeft {
		piece, data = data[:b.bytesLeft], data[b.bytesLeft:]
		b.client.Pushback(data)
		b.bytesLeft = 0
		b.done = true

		return piece, io.EOF
	}

	b.bytesLeft -= uint64(len(data))

	return data, nil
}

func (b *body) readChunked() ([]byte, error) {
	for {
		data, err := b.client.Read()
		if err != nil {
			return nil, unexpectedEOF(err)
		}

		chunk, extra, err := b.parser.Parse(data, b.trailer)
		switch err {
		case nil:
		case io.EOF:
			b.done = true
		default:
			return nil, status.ErrBadChunk
		}

		b.client.Pushback(extra)

		if b.received += uint64(len(chunk)); b.received > b.maxSize {
			return nil, status.ErrBodyTooLarge
		}

		if len(chunk) > 0 || err != nil {
			return chunk, err
		}
	}
}

// unexpectedEOF distinguishes the connection closed mid-body from the body completion.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}

	return err
}

// assignLimit stores the limit, whatever integer type the destination is.
func assignLimit[T ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64](dst *T, limit int) {
	*dst = T(limit)
}
