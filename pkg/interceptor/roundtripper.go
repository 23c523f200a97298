package interceptor

import (
	"bytes"
	"io"
	"net/http"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// RoundTripper adapts an Interceptor to http.RoundTripper. RoundTrip blocks
// until the call completes or the request context is done.
type RoundTripper struct {
	Interceptor *Interceptor

	// Session, when set, is attached to every request. Otherwise requests
	// must already carry a reference from Interceptor.Attach.
	Session *session.Session
}

var _ http.RoundTripper = (*RoundTripper)(nil)

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.Session != nil {
		req = rt.Interceptor.Attach(req, rt.Session)
	}

	done := make(chan types.Result, 1)
	call := rt.Interceptor.Intercept(req, func(result types.Result) { done <- result })
	call.Resume()

	select {
	case result := <-done:
		return toResponse(req, result)
	case <-req.Context().Done():
		call.Cancel()
		return nil, clienterror.Cancelled(req.Context().Err())
	}
}

func toResponse(req *http.Request, result types.Result) (*http.Response, error) {
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Response == nil {
		return nil, clienterror.Unexpected(io.ErrUnexpectedEOF)
	}

	resp := result.Response
	resp.Body = io.NopCloser(bytes.NewReader(result.Data))
	resp.ContentLength = int64(len(result.Data))
	resp.Header.Del("Content-Length")
	resp.Request = req
	return resp, nil
}
