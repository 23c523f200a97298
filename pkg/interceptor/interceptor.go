// Package interceptor routes outgoing requests to the task manager of the
// session they were made for.
package interceptor

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/taskmanager"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// Interceptor resolves the session reference carried in a private header
// and submits the request to that session's task manager.
type Interceptor struct {
	key      string
	registry *Registry
	logger   logr.Logger
}

// New creates an interceptor with a random header key.
func New(registry *Registry, logger logr.Logger) *Interceptor {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:constants.SessionHeaderRandom]
	i, err := NewWithHeaderKey(registry, constants.SessionHeaderPrefix+random, logger)
	if err != nil {
		panic(err)
	}
	return i
}

// NewWithHeaderKey creates an interceptor that reads the session reference
// from key.
func NewWithHeaderKey(registry *Registry, key string, logger logr.Logger) (*Interceptor, error) {
	if !httpguts.ValidHeaderFieldName(key) {
		return nil, fmt.Errorf("interceptor: invalid header key %q", key)
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Interceptor{
		key:      http.CanonicalHeaderKey(key),
		registry: registry,
		logger:   logger.WithName("interceptor"),
	}, nil
}

// HeaderKey returns the header that carries the session reference.
func (i *Interceptor) HeaderKey() string {
	return i.key
}

// Attach returns a copy of req marked as belonging to s.
func (i *Interceptor) Attach(req *http.Request, s *session.Session) *http.Request {
	marked := req.Clone(req.Context())
	marked.Header.Set(i.key, s.ID())
	return marked
}

// Intercept wraps req in a suspended Call. Nothing happens until Resume.
func (i *Interceptor) Intercept(req *http.Request, completion taskmanager.Completion) *Call {
	return &Call{interceptor: i, req: req, completion: completion}
}

// Call is an intercepted request. It implements taskmanager.TaskHandle.
type Call struct {
	interceptor *Interceptor
	req         *http.Request
	completion  taskmanager.Completion

	mu        sync.Mutex
	started   bool
	cancelled bool
	handle    taskmanager.TaskHandle
}

var _ taskmanager.TaskHandle = (*Call)(nil)

// Resume starts the call. Calls without a live session complete with
// clienterror.ErrInvalidUser and never reach the network. Only the first
// Resume has an effect.
func (c *Call) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.cancelled {
		return
	}
	c.started = true

	i := c.interceptor
	ref := c.req.Header.Get(i.key)
	manager, ok := i.registry.Manager(ref)
	if ref == "" || !ok {
		i.logger.V(1).Info("no session for request", "url", c.req.URL.Redacted())
		go c.deliver(types.Result{Err: clienterror.ErrInvalidUser})
		return
	}
	c.handle = manager.Add(c.req, c.deliver)
}

// deliver hands result to the completion unless the call was cancelled first.
func (c *Call) deliver(result types.Result) {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if !cancelled {
		c.completion(result)
	}
}

// Cancel stops the call. Once Cancel returns the completion is not invoked,
// unless delivery had already begun.
func (c *Call) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	handle := c.handle
	c.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}

// ID returns the task id, or "" before the call was submitted.
func (c *Call) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return ""
	}
	return c.handle.ID()
}
