package types

import (
	"net/http"
)

// Result is the outcome of one request: the response body, the response
// itself and any transport error. Transports fill all that apply; a request
// can produce a response and an error at the same time.
type Result struct {
	// Data is the fully read response body.
	Data []byte

	// Response is the HTTP response. Its Body has already been consumed into Data.
	Response *http.Response

	// Err is the transport or client error, if any.
	Err error

	// AuthorizationFailure is set by transports that treat additional
	// statuses as a stale token.
	AuthorizationFailure bool
}

// StatusCode returns the response status or 0 without a response.
func (r Result) StatusCode() int {
	if r.Response == nil {
		return 0
	}
	return r.Response.StatusCode
}

// IsAuthorizationFailure reports whether the presented token was rejected.
func (r Result) IsAuthorizationFailure() bool {
	return r.AuthorizationFailure || r.StatusCode() == http.StatusUnauthorized
}
