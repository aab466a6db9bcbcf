package http

import (
	"slices"

	"github.com/indigo-web/utils/uf"
	json "github.com/json-iterator/go"

	"github.com/sofie-web/sofie/http/mime"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/kv"
)

const (
	// why 7? I don't know. There's no theory behind this number nor researches.
	// It can be adjusted to 10 as well, but why you would ever need to do this?
	preallocRespHeaders = 7
)

// Fields is a snapshot of a finished response.
type Fields struct {
	Code    status.Code
	Status  status.Status
	Headers []kv.Pair
	Body    []byte
}

// Builder accumulates the status code and headers of a response. Setters may be called in any
// order and any number of times; one of the terminal methods (String, Bytes, Empty, JSON,
// Error) finishes the response. Finished responses don't share any mutable state with the
// builder, so the builder may be reused as a template afterward.
//
// Nothing is validated at this point: an invalid status code or a malformed header field is
// reported only when the response is being written.
type Builder struct {
	code    status.Code
	status  status.Status
	headers *kv.Storage
}

// NewBuilder returns a new instance of the Builder object with status code set to 200 OK and
// pre-allocated space for response headers.
func NewBuilder() *Builder {
	return &Builder{
		code:    status.OK,
		headers: kv.NewPrealloc(preallocRespHeaders),
	}
}

// Respond is a shorthand for NewBuilder. May be used as Respond().String("Hello, world!")
func Respond() *Builder {
	return NewBuilder()
}

// Code sets a Response code. Setting it again replaces the previous value.
func (b *Builder) Code(code status.Code) *Builder {
	b.code = code
	return b
}

// Status sets a custom status text. This text does not matter at all, and usually
// totally ignored by client, so there is actually no reasons to use this except some
// rare cases when you need to represent a Response status text somewhere
func (b *Builder) Status(status status.Status) *Builder {
	b.status = status
	return b
}

// Header adds header values to a key. In case it already exists the values will
// be appended, as HTTP permits repeating header fields.
func (b *Builder) Header(key string, values ...string) *Builder {
	for _, value := range values {
		b.headers.Add(key, value)
	}

	return b
}

// Headers simply merges passed headers into the response. As maps are unordered, so will be
// the merged headers relatively to each other.
func (b *Builder) Headers(headers map[string][]string) *Builder {
	for key, values := range headers {
		b.Header(key, values...)
	}

	return b
}

// ContentType sets the Content-Type header, replacing any previously set value.
func (b *Builder) ContentType(value mime.MIME) *Builder {
	b.headers.Set("Content-Type", value)
	return b
}

// String finishes the response with the body set to the passed string.
func (b *Builder) String(body string) Response {
	return b.finish(uf.S2B(body))
}

// Bytes finishes the response with the body set to the passed slice WITHOUT COPYING. Changing
// the passed slice later will affect the response by itself
func (b *Builder) Bytes(body []byte) Response {
	return b.finish(body)
}

// Empty finishes the response without a body.
func (b *Builder) Empty() Response {
	return b.finish(nil)
}

// TryJSON serializes the model and finishes the response with it as a body. The Content-Type
// is set to application/json.
func (b *Builder) TryJSON(model any) (Response, error) {
	stream := json.ConfigDefault.BorrowStream(nil)
	defer json.ConfigDefault.ReturnStream(stream)

	stream.WriteVal(model)
	if stream.Error != nil {
		return Response{}, stream.Error
	}

	body := slices.Clone(stream.Buffer())

	return b.ContentType(mime.JSON).finish(body), nil
}

// JSON does the same as TryJSON does, except returned error is being implicitly wrapped
// by Error
func (b *Builder) JSON(model any) Response {
	resp, err := b.TryJSON(model)
	if err != nil {
		return b.Error(err)
	}

	return resp
}

// Error finishes the response with the error. If an instance of status.HTTPError is passed, its
// code and message are used. Otherwise, the code is status.InternalServerError and the body is
// the error's text. A nil error finishes an empty response with the current code.
func (b *Builder) Error(err error) Response {
	if err == nil {
		return b.Empty()
	}

	return b.
		Code(status.CodeOf(err)).
		ContentType(mime.Plain).
		String(err.Error())
}

func (b *Builder) finish(body []byte) Response {
	return Response{
		fields: &Fields{
			Code:    b.code,
			Status:  b.status,
			Headers: slices.Clone(b.headers.Expose()),
			Body:    body,
		},
	}
}

// Response is a finished, immutable HTTP response. The zero value is a valid empty
// 200 OK response.
type Response struct {
	fields *Fields
}

var emptyFields = Fields{Code: status.OK}

func (r Response) expose() *Fields {
	if r.fields == nil {
		return &emptyFields
	}

	return r.fields
}

// Code returns the status code.
func (r Response) Code() status.Code {
	return r.expose().Code
}

// Status returns the reason phrase. Unless explicitly set, it is derived from the code.
func (r Response) Status() status.Status {
	if text := r.expose().Status; len(text) > 0 {
		return text
	}

	return status.Text(r.Code())
}

// Header returns the first value of the header. Header names are case-insensitive.
func (r Response) Header(key string) (value string, found bool) {
	return kv.NewFromPairs(r.expose().Headers).Get(key)
}

// Values returns all the values of the header, in the order they were set.
func (r Response) Values(key string) []string {
	return slices.Collect(kv.NewFromPairs(r.expose().Headers).Values(key))
}

// Headers returns a copy of the headers. Modifying it doesn't affect the response.
func (r Response) Headers() *kv.Storage {
	return kv.NewFromPairs(slices.Clone(r.expose().Headers))
}

// Body returns the response body. It must not be modified.
func (r Response) Body() []byte {
	return r.expose().Body
}

// ContentLength returns the length of the body in bytes.
func (r Response) ContentLength() int {
	return len(r.expose().Body)
}

// Expose returns a snapshot of all the response fields. Every call returns an equal snapshot;
// the headers slice is a copy, the body is shared and must not be modified.
func (r Response) Expose() Fields {
	fields := *r.expose()
	fields.Headers = slices.Clone(fields.Headers)
	fields.Status = r.Status()

	return fields
}
