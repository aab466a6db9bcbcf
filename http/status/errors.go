package status

import "errors"

// HTTPError is an error, carrying the status code it must be answered with. Handlers may return
// it in order to control the response code; the message is sent as the response body.
type HTTPError struct {
	Message string
	Code    Code
}

func NewError(code Code, message string) error {
	return HTTPError{
		Code:    code,
		Message: message,
	}
}

func (h HTTPError) Error() string {
	return h.Message
}

// CodeOf returns the status code associated with the error. Errors that aren't HTTPError are
// answered with 500 Internal Server Error.
func CodeOf(err error) Code {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}

	return InternalServerError
}

var (
	ErrBadRequest              = NewError(BadRequest, "bad request")
	ErrURIDecoding             = NewError(BadRequest, "invalid urlencoded sequence")
	ErrBadChunk                = NewError(BadRequest, "malformed chunk-encoded data")
	ErrBadContentLength        = NewError(BadRequest, "bad Content-Length value")
	ErrMethodNotImplemented    = NewError(NotImplemented, "request method is not supported")
	ErrNotImplemented          = NewError(NotImplemented, "not implemented")
	ErrBodyTooLarge            = NewError(RequestEntityTooLarge, "request body is too large")
	ErrHeaderFieldsTooLarge    = NewError(RequestHeaderFieldsTooLarge, "too large headers section")
	ErrTooManyHeaders          = NewError(RequestHeaderFieldsTooLarge, "too many headers")
	ErrURITooLong              = NewError(RequestURITooLong, "request URI too long")
	ErrHTTPVersionNotSupported = NewError(HTTPVersionNotSupported, "HTTP version not supported")
	ErrNotFound                = NewError(NotFound, "not found")
	ErrUnsupportedMediaType    = NewError(UnsupportedMediaType, "unsupported media type")
	ErrInternalServerError     = NewError(InternalServerError, "internal server error")
	ErrServiceUnavailable      = NewError(ServiceUnavailable, "service unavailable")

	// ErrInvalidCode is returned by the serializer when the status line can't be put on the
	// wire: the code isn't three digits or the reason phrase contains line breaks.
	ErrInvalidCode = errors.New("invalid status line")
	// ErrInvalidHeader is returned by the serializer when a response header contains
	// characters forbidden in a header field.
	ErrInvalidHeader = errors.New("response header contains forbidden characters")
)
