package http1

import (
	"slices"
	"strconv"
	"strings"

	"github.com/indigo-web/utils/strcomp"

	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/method"
	"github.com/sofie-web/sofie/http/proto"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/kv"
	"github.com/sofie-web/sofie/transport"
)

type serializer struct {
	client         transport.Client
	buff           []byte
	defaultHeaders defaultHeaders
}

func newSerializer(client transport.Client, defaults map[string]string, buff []byte) *serializer {
	return &serializer{
		client:         client,
		buff:           buff,
		defaultHeaders: preprocessDefaultHeaders(defaults),
	}
}

// Write serializes the response and sends it to the client. The response is validated before
// anything is written, so in case of an error the connection is still usable for reporting it.
func (s *serializer) Write(request *http.Request, response http.Response, closing bool) error {
	resp := response.Expose()
	if err := validate(resp); err != nil {
		return err
	}

	protocol := request.Proto
	if protocol == proto.Unknown {
		// in case the request method or path were malformed, parser had no chance of reaching
		// the protocol and thereby resulting in the unknown one.
		protocol = proto.HTTP11
	}

	s.buff = append(s.buff[:0], protocol.String()...)
	s.sp()
	s.buff = strconv.AppendUint(s.buff, uint64(resp.Code), 10)
	s.sp()
	s.buff = append(s.buff, resp.Status...)
	s.crlf()

	hasConnection := s.appendHeaders(resp.Headers)

	switch {
	case hasConnection:
	case closing:
		s.appendKnownHeader("Connection: ", "close")
	case protocol == proto.HTTP10:
		s.appendKnownHeader("Connection: ", "keep-alive")
	}

	body := resp.Body
	if status.BodyAllowed(resp.Code) {
		s.appendContentLength(len(body))
	} else {
		body = nil
	}

	s.crlf()
	s.defaultHeaders.Reset()

	if request.Method == method.HEAD {
		body = nil
	}

	if len(body) <= cap(s.buff)-len(s.buff) {
		s.buff = append(s.buff, body...)
		return s.flush()
	}

	// big bodies are written directly, avoiding copying them into the buffer
	if err := s.flush(); err != nil {
		return err
	}

	_, err := s.client.Write(body)
	return err
}

// appendHeaders writes the response headers followed by the default ones, which weren't
// overridden. Framing headers are always computed by the serializer itself, so the ones
// passed by the user are skipped.
func (s *serializer) appendHeaders(headers []kv.Pair) (hasConnection bool) {
	for _, header := range headers {
		switch {
		case strcomp.EqualFold(header.Key, "Content-Length"),
			strcomp.EqualFold(header.Key, "Transfer-Encoding"):
			continue
		case strcomp.EqualFold(header.Key, "Connection"):
			hasConnection = true
		}

		s.defaultHeaders.Exclude(header.Key)
		s.appendHeader(header)
	}

	for _, header := range s.defaultHeaders {
		if header.Excluded {
			continue
		}

		s.buff = append(s.buff, header.Full...)
	}

	return hasConnection
}

func (s *serializer) flush() (err error) {
	if len(s.buff) > 0 {
		_, err = s.client.Write(s.buff)
		s.buff = s.buff[:0]
	}

	return err
}

// appendHeader writes a complete header field line.
func (s *serializer) appendHeader(header kv.Pair) {
	s.buff = append(s.buff, header.Key...)
	s.colonsp()
	s.buff = append(s.buff, header.Value...)
	s.crlf()
}

// appendKnownHeader differs from appendHeader only by the fact that the key is known to already
// have a colon and a space included.
func (s *serializer) appendKnownHeader(key, value string) {
	s.buff = append(s.buff, key...)
	s.buff = append(s.buff, value...)
	s.crlf()
}

func (s *serializer) appendContentLength(value int) {
	s.buff = append(s.buff, "Content-Length: "...)
	s.buff = strconv.AppendUint(s.buff, uint64(value), 10)
	s.crlf()
}

func (s *serializer) sp() {
	s.buff = append(s.buff, ' ')
}

func (s *serializer) colonsp() {
	s.buff = append(s.buff, ':', ' ')
}

const crlf = "\r\n"

func (s *serializer) crlf() {
	s.buff = append(s.buff, crlf...)
}

func validate(resp http.Fields) error {
	if !status.Valid(resp.Code) || strings.ContainsAny(string(resp.Status), crlf) {
		return status.ErrInvalidCode
	}

	for _, header := range resp.Headers {
		if !validHeaderKey([]byte(header.Key)) || strings.ContainsAny(header.Value, crlf) {
			return status.ErrInvalidHeader
		}
	}

	return nil
}

func preprocessDefaultHeaders(headers map[string]string) defaultHeaders {
	processed := make(defaultHeaders, 0, len(headers))

	for key, value := range headers {
		serialized := key + ": " + value + crlf
		processed = append(processed, defaultHeader{
			// we let the GC release all the values of the map, as here we're using only
			// the brand-new line without keeping the original string
			Key:  serialized[:len(key)],
			Full: serialized,
		})
	}

	// maps are unordered, but the output is better to be stable
	slices.SortFunc(processed, func(a, b defaultHeader) int {
		return strings.Compare(a.Key, b.Key)
	})

	return processed
}

type defaultHeader struct {
	Excluded bool
	Key      string
	Full     string
}

type defaultHeaders []defaultHeader

func (d defaultHeaders) Exclude(key string) {
	for i, header := range d {
		if strcomp.EqualFold(header.Key, key) {
			d[i].Excluded = true
			return
		}
	}
}

func (d defaultHeaders) Reset() {
	for i := range d {
		d[i].Excluded = false
	}
}
