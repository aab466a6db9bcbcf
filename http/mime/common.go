package mime

import (
	"strings"

	"github.com/indigo-web/utils/strcomp"
)

// MIME is a media type, used as a value of the Content-Type header.
type MIME = string

const (
	OctetStream MIME = "application/octet-stream"
	Plain       MIME = "text/plain"
	HTML        MIME = "text/html"
	XML         MIME = "application/xml"
	JSON        MIME = "application/json"
)

// Complies reports whether the Content-Type value is the MIME. Parameters (e.g. charset) are
// ignored. An empty value complies with any MIME.
func Complies(mime MIME, with string) bool {
	// get rid of parameters if any
	with, _, _ = strings.Cut(with, ";")
	with = strings.TrimSpace(with)

	return len(with) == 0 || strcomp.EqualFold(with, mime)
}
