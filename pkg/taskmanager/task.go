package taskmanager

import (
	"context"
	"net/http"

	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// Transport executes one attempt of a request. The request already carries
// its bearer token. Execute blocks until the response body is read or ctx is
// done.
type Transport interface {
	Execute(ctx context.Context, req *http.Request) types.Result
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *http.Request) types.Result

// Execute calls f(ctx, req).
func (f TransportFunc) Execute(ctx context.Context, req *http.Request) types.Result {
	return f(ctx, req)
}

// Completion receives the final result of a task. It is called at most once.
// A task is finished the moment it leaves the manager's pending set: a Cancel
// that finds it gone is a no-op, even if the completion has not run yet.
type Completion func(types.Result)

// task is one submitted request. Every field but retriesLeft is fixed at
// submission; retriesLeft is only touched under the manager lock.
type task struct {
	id         string
	req        *http.Request
	completion Completion

	// ctx aborts in-flight attempts when the task is cancelled.
	ctx    context.Context
	cancel context.CancelFunc

	bounded     bool
	retriesLeft int
}

// attempt builds the request for one execution with the given access token.
func (t *task) attempt(token string, strip []string) (*http.Request, error) {
	req := t.req.Clone(t.ctx)
	for _, key := range strip {
		req.Header.Del(key)
	}
	req.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)

	if t.req.GetBody != nil {
		body, err := t.req.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}
