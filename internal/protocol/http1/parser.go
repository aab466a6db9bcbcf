package http1

import (
	"bytes"
	"strconv"

	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/method"
	"github.com/sofie-web/sofie/http/proto"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/internal/buffer"
	"github.com/sofie-web/sofie/internal/hexconv"
	"github.com/sofie-web/sofie/settings"
)

type parserState uint8

const (
	eMethod parserState = iota + 1
	ePath
	ePathDecode1Char
	ePathDecode2Char
	eQuery
	eProtocol
	eHeaderKey
	eHeaderValue
	eHeaderValueCRLFCR
)

// Parser is a streaming HTTP/1.x request parser. It consumes the data as it arrives from the
// network, so a request may be split into any number of pieces. Only the request line and the
// header fields are parsed; the body is left to the body reader.
type Parser struct {
	urlEncodedChar   uint8
	state            parserState
	headersNumber    int
	maxHeaders       int
	metContentLength bool
	metTE            bool
	request          *http.Request
	requestLine      *buffer.Buffer
	headers          *buffer.Buffer
	key              string
}

func NewParser(s settings.Settings, request *http.Request) *Parser {
	return &Parser{
		state:       eMethod,
		maxHeaders:  s.Headers.MaxNumber,
		request:     request,
		requestLine: buffer.New(512, s.URL.MaxLength),
		headers:     buffer.New(1024, s.Headers.MaxSpace),
	}
}

// Parse feeds the data into the parser. Done is true when either the request headers are
// completed or an error occurred; in the first case, extra holds the bytes following the
// headers, i.e. the beginning of the body or of the next pipelined request. The request fields
// reference the parser's memory and stay valid until the next request is parsed.
func (p *Parser) Parse(data []byte) (done bool, extra []byte, err error) {
	request := p.request
	requestLine := p.requestLine
	headers := p.headers

	switch p.state {
	case eMethod:
		goto method
	case ePath:
		goto path
	case ePathDecode1Char:
		goto pathDecode1Char
	case ePathDecode2Char:
		goto pathDecode2Char
	case eQuery:
		goto query
	case eProtocol:
		goto protocol
	case eHeaderKey:
		goto headerKey
	case eHeaderValue:
		goto headerValue
	case eHeaderValueCRLFCR:
		goto headerValueCRLFCR
	default:
		panic("unreachable code")
	}

method:
	if requestLine.SegmentLength() == 0 {
		// empty lines preceding the request line must be ignored
		for len(data) > 0 && (data[0] == '\r' || data[0] == '\n') {
			data = data[1:]
		}
	}

	for i := 0; i < len(data); i++ {
		if data[i] == ' ' {
			var methodValue []byte
			if requestLine.SegmentLength() == 0 {
				methodValue = data[:i]
			} else {
				if !requestLine.Append(data[:i]) {
					return true, nil, status.ErrMethodNotImplemented
				}

				methodValue = requestLine.Finish()
			}

			if len(methodValue) == 0 {
				return true, nil, status.ErrBadRequest
			}

			request.Method = method.Parse(uf.B2S(methodValue))
			if request.Method == method.Unknown {
				return true, nil, status.ErrMethodNotImplemented
			}

			data = data[i+1:]
			goto path
		}
	}

	if requestLine.SegmentLength()+len(data) > method.MaxLen || !requestLine.Append(data) {
		return true, nil, status.ErrMethodNotImplemented
	}

	p.state = eMethod
	return false, nil, nil

path:
	{
		checkpoint := 0

		for i := 0; i < len(data); i++ {
			switch char := data[i]; char {
			case '%':
				if !requestLine.Append(data[checkpoint:i]) {
					return true, nil, status.ErrURITooLong
				}

				if len(data[i+1:]) >= 2 {
					// fast path
					c, ok := hexconv.Decode(data[i+1], data[i+2])
					if !ok || isControlChar(c) {
						return true, nil, status.ErrURIDecoding
					}

					if !requestLine.AppendByte(c) {
						return true, nil, status.ErrURITooLong
					}

					i += 2
					checkpoint = i + 1
				} else {
					// slow path
					data = data[i+1:]
					goto pathDecode1Char
				}
			case ' ', '?':
				if !requestLine.Append(data[checkpoint:i]) {
					return true, nil, status.ErrURITooLong
				}

				request.Path = uf.B2S(requestLine.Finish())
				if !validPath(request.Path) {
					return true, nil, status.ErrBadRequest
				}

				data = data[i+1:]
				if char == '?' {
					goto query
				}

				goto protocol
			case '#':
				// fragments are never sent by user agents. In order to keep the parser compact
				// and not bloat it with unnecessary states, simply reject such requests.
				return true, nil, status.ErrBadRequest
			default:
				if isProhibitedChar(char) {
					return true, nil, status.ErrBadRequest
				}
			}
		}

		if !requestLine.Append(data[checkpoint:]) {
			return true, nil, status.ErrURITooLong
		}

		p.state = ePath
		return false, nil, nil
	}

pathDecode1Char:
	if len(data) == 0 {
		p.state = ePathDecode1Char
		return false, nil, nil
	}

	p.urlEncodedChar = data[0]
	data = data[1:]
	// fallthrough to pathDecode2Char

pathDecode2Char:
	{
		if len(data) == 0 {
			p.state = ePathDecode2Char
			return false, nil, nil
		}

		char, ok := hexconv.Decode(p.urlEncodedChar, data[0])
		if !ok || isControlChar(char) {
			return true, nil, status.ErrURIDecoding
		}

		if !requestLine.AppendByte(char) {
			return true, nil, status.ErrURITooLong
		}

		data = data[1:]
		goto path
	}

query:
	for i, char := range data {
		switch char {
		case ' ':
			if !requestLine.Append(data[:i]) {
				return true, nil, status.ErrURITooLong
			}

			request.RawQuery = uf.B2S(requestLine.Finish())
			data = data[i+1:]
			goto protocol
		case '#':
			return true, nil, status.ErrBadRequest
		default:
			if isProhibitedChar(char) {
				return true, nil, status.ErrBadRequest
			}
		}
	}

	if !requestLine.Append(data) {
		return true, nil, status.ErrURITooLong
	}

	p.state = eQuery
	return false, nil, nil

protocol:
	{
		boundary := bytes.IndexByte(data, '\n')
		if boundary == -1 {
			if !requestLine.Append(data) {
				return true, nil, status.ErrURITooLong
			}

			p.state = eProtocol
			return false, nil, nil
		}

		var protocol proto.Protocol
		if requestLine.SegmentLength() == 0 {
			protocol = proto.FromBytes(stripCR(data[:boundary]))
		} else {
			if !requestLine.Append(data[:boundary]) {
				return true, nil, status.ErrURITooLong
			}

			protocol = proto.FromBytes(stripCR(requestLine.Finish()))
		}

		if protocol == proto.Unknown {
			return true, nil, status.ErrHTTPVersionNotSupported
		}

		request.Proto = protocol
		data = data[boundary+1:]
		// fallthrough to headerKey
	}

headerKey:
	{
		if len(data) == 0 {
			p.state = eHeaderKey
			return false, nil, nil
		}

		if headers.SegmentLength() == 0 {
			switch data[0] {
			case '\n':
				return p.complete(data[1:])
			case '\r':
				data = data[1:]
				goto headerValueCRLFCR
			}
		}

		colon := bytes.IndexByte(data, ':')
		if colon == -1 {
			if bytes.IndexByte(data, '\n') != -1 {
				return true, nil, status.ErrBadRequest
			}

			if !headers.Append(data) {
				return true, nil, status.ErrHeaderFieldsTooLarge
			}

			p.state = eHeaderKey
			return false, nil, nil
		}

		if !headers.Append(data[:colon]) {
			return true, nil, status.ErrHeaderFieldsTooLarge
		}

		key := headers.Finish()
		if !validHeaderKey(key) {
			return true, nil, status.ErrBadRequest
		}

		if p.headersNumber++; p.headersNumber > p.maxHeaders {
			return true, nil, status.ErrTooManyHeaders
		}

		p.key = uf.B2S(key)
		data = data[colon+1:]
		// fallthrough to headerValue
	}

headerValue:
	{
		lf := bytes.IndexByte(data, '\n')
		if lf == -1 {
			if !headers.Append(data) {
				return true, nil, status.ErrHeaderFieldsTooLarge
			}

			p.state = eHeaderValue
			return false, nil, nil
		}

		if !headers.Append(data[:lf]) {
			return true, nil, status.ErrHeaderFieldsTooLarge
		}

		headers.TrimSuffix('\r')
		data = data[lf+1:]
		value := uf.B2S(trimSpaces(headers.Finish()))

		if err = p.special(p.key, value); err != nil {
			return true, nil, err
		}

		request.Headers.Add(p.key, value)
		goto headerKey
	}

headerValueCRLFCR:
	if len(data) == 0 {
		p.state = eHeaderValueCRLFCR
		return false, nil, nil
	}

	if data[0] == '\n' {
		return p.complete(data[1:])
	}

	return true, nil, status.ErrBadRequest
}

// special handles header fields affecting the message framing.
func (p *Parser) special(key, value string) error {
	switch len(key) {
	case len("Content-Length"):
		if !strcomp.EqualFold(key, "Content-Length") {
			return nil
		}

		length, err := parseContentLength(value)
		if err != nil {
			return err
		}

		if p.metContentLength && length != p.request.ContentLength {
			return status.ErrBadContentLength
		}

		p.metContentLength = true
		p.request.ContentLength = length
	case len("Transfer-Encoding"):
		if !strcomp.EqualFold(key, "Transfer-Encoding") {
			return nil
		}

		if p.metTE {
			return status.ErrNotImplemented
		}

		p.metTE = true
		// the only transfer coding supported is chunked, applied alone
		if !strcomp.EqualFold(value, "chunked") {
			return status.ErrNotImplemented
		}

		p.request.Chunked = true
	}

	return nil
}

func (p *Parser) complete(extra []byte) (done bool, _ []byte, err error) {
	request := p.request

	if p.metContentLength && p.metTE {
		// a message with both is a typical request smuggling attempt
		err = status.ErrBadRequest
	}

	if request.Chunked {
		request.ContentLength = 0
	}

	p.cleanup()

	return true, extra, err
}

// Reset prepares the parser for the next request. The memory of the previous request fields
// is reused.
func (p *Parser) Reset() {
	p.cleanup()
	p.requestLine.Clear()
	p.headers.Clear()
}

func (p *Parser) cleanup() {
	p.metContentLength = false
	p.metTE = false
	p.headersNumber = 0
	p.state = eMethod
}

func parseContentLength(value string) (int, error) {
	if len(value) == 0 {
		return 0, status.ErrBadContentLength
	}

	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, status.ErrBadContentLength
		}
	}

	length, err := strconv.Atoi(value)
	if err != nil {
		return 0, status.ErrBadContentLength
	}

	return length, nil
}

func validPath(path string) bool {
	return path == "*" || (len(path) > 0 && path[0] == '/')
}

func validHeaderKey(key []byte) bool {
	if len(key) == 0 {
		return false
	}

	for _, c := range key {
		if c <= ' ' || c > '~' {
			return false
		}
	}

	return true
}

func trimSpaces(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}

	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}

	return b
}

func stripCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}

	return b
}

func isProhibitedChar(c byte) bool {
	return c < 0x20 || c > 0x7e
}

// isControlChar permits non-ASCII bytes, so percent-encoded UTF-8 sequences can be decoded.
func isControlChar(c byte) bool {
	return c < 0x20 || c == 0x7f
}
