package http

import "context"

// Handler produces a response for every request. It's called concurrently from different
// connections, so it must be safe for concurrent use. Requests on a single connection are
// never passed concurrently.
//
// Returning a non-nil error makes the server answer with the code carried by the error, if it's
// a status.HTTPError, or 500 Internal Server Error otherwise. The connection is closed then.
type Handler func(ctx context.Context, request *Request) (Response, error)
