// Package taskmanager runs the requests of one session and coordinates a
// single token refresh between all of them.
package taskmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/d-kuro/identityhttp/pkg/auth"
	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// Options configures a Manager.
type Options struct {
	Session   *session.Session
	Transport Transport
	Provider  auth.TokenProvider
	Logger    logr.Logger
	Metrics   *Metrics

	// StripHeaders are removed from every attempt before it reaches the
	// transport.
	StripHeaders []string
}

// Manager owns the pending tasks of one session. When attempts fail
// authorization it runs at most one refresh at a time and replays every
// task that waited on it once the refresh resolves.
type Manager struct {
	session   *session.Session
	transport Transport
	provider  auth.TokenProvider
	logger    logr.Logger
	metrics   *Metrics
	strip     []string

	mu         sync.Mutex
	pending    map[string]*task
	refreshing bool
	waiters    []*task
	// generation counts successful refreshes. An attempt that fails
	// authorization under an older generation used a superseded token.
	generation uint64
	closed     bool
	hooks      []func(TaskHandle)

	inflight sync.WaitGroup
}

// New creates a manager for opts.Session.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	logger = logger.WithName("taskmanager")
	if opts.Session != nil {
		logger = logger.WithValues("session", opts.Session.ID())
	}
	return &Manager{
		session:   opts.Session,
		transport: opts.Transport,
		provider:  opts.Provider,
		logger:    logger,
		metrics:   opts.Metrics,
		strip:     opts.StripHeaders,
		pending:   make(map[string]*task),
	}
}

// OnWillStartRefresh registers fn to run synchronously right before the
// token provider is called. fn receives the handle of the task that
// triggered the refresh and must not block for long.
func (m *Manager) OnWillStartRefresh(fn func(TaskHandle)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Add submits req and returns immediately. completion receives the final
// result on another goroutine. A body without GetBody is read once up front
// so every attempt sends the full payload.
func (m *Manager) Add(req *http.Request, completion Completion) TaskHandle {
	req, err := replayable(req)
	if err != nil {
		m.logger.V(1).Info("reading request body failed", "url", req.URL.Redacted(), "error", err.Error())
		go completion(types.Result{Err: clienterror.Unexpected(err)})
		return NoopHandle{}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	t := &task{
		id:         uuid.NewString(),
		req:        req,
		completion: completion,
		ctx:        ctx,
		cancel:     cancel,
	}
	if m.session != nil {
		t.retriesLeft, t.bounded = m.session.RefreshRetryCount()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.logger.V(1).Info("rejecting task on closed manager")
		go completion(types.Result{Err: clienterror.ErrInvalidUser})
		return NoopHandle{}
	}
	m.pending[t.id] = t
	m.mu.Unlock()

	m.metrics.taskAdded()
	m.logger.V(2).Info("added task", "task", t.id, "method", req.Method, "url", req.URL.Redacted())
	m.run(t)
	return Handle{id: t.id, manager: m}
}

// Cancel drops the task with the given id and aborts its in-flight attempt.
// Unknown or finished ids are ignored.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	t, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.V(2).Info("task not found", "task", id)
		return
	}

	t.cancel()
	m.metrics.taskFinished(outcomeCancelled)
	m.logger.V(2).Info("cancelled task", "task", id)
}

// Pending returns the number of tasks not yet completed or cancelled.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Wait blocks until no attempt or refresh is running. Tasks waiting for a
// refresh keep it running, so Wait returns once every task has settled.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Close fails every pending task with clienterror.ErrInvalidUser. Tasks
// added afterwards fail the same way.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tasks := m.pending
	m.pending = make(map[string]*task)
	m.mu.Unlock()

	m.logger.V(1).Info("closing", "pending", len(tasks))
	for _, t := range tasks {
		t.cancel()
		m.metrics.taskFinished(outcomeInvalidUser)
		t.completion(types.Result{Err: clienterror.ErrInvalidUser})
	}
}

// replayable returns req with a GetBody that yields the full body each time.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return req, fmt.Errorf("read request body: %w", err)
	}

	buffered := req.WithContext(req.Context())
	buffered.ContentLength = int64(len(data))
	buffered.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	buffered.Body, _ = buffered.GetBody()
	return buffered, nil
}

func (m *Manager) run(t *task) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.execute(t)
	}()
}

// live reports whether t is still waiting for its completion. Callers hold m.mu.
func (m *Manager) live(t *task) bool {
	return m.pending[t.id] == t
}

func (m *Manager) execute(t *task) {
	m.mu.Lock()
	if !m.live(t) {
		m.mu.Unlock()
		return
	}
	// Read before the token: a refresh landing in between makes the attempt
	// look stale, which only costs an early replay.
	generation := m.generation
	m.mu.Unlock()

	token := ""
	if m.session != nil && !m.session.Closed() {
		token = m.session.AccessToken()
	}
	if token == "" {
		m.logger.V(1).Info("no access token", "task", t.id)
		m.complete(t, types.Result{Err: clienterror.ErrInvalidUser}, outcomeInvalidUser)
		return
	}

	req, err := t.attempt(token, m.strip)
	if err != nil {
		m.complete(t, types.Result{Err: clienterror.Unexpected(err)}, outcomeCompleted)
		return
	}

	m.metrics.attempt()
	m.logger.V(2).Info("will execute", "task", t.id)
	result := m.transport.Execute(t.ctx, req)
	m.logger.V(2).Info("did execute", "task", t.id, "status", result.StatusCode())

	if !result.IsAuthorizationFailure() {
		m.complete(t, result, outcomeCompleted)
		return
	}
	m.authorizationFailed(t, generation, result)
}

// complete hands result to the task's completion unless the task was
// cancelled or already completed.
func (m *Manager) complete(t *task, result types.Result, outcome string) {
	m.mu.Lock()
	if !m.live(t) {
		m.mu.Unlock()
		m.logger.V(2).Info("dropping result of finished task", "task", t.id)
		return
	}
	delete(m.pending, t.id)
	m.mu.Unlock()

	t.cancel()
	m.metrics.taskFinished(outcome)
	m.logger.V(2).Info("done", "task", t.id)
	t.completion(result)
}

func (m *Manager) authorizationFailed(t *task, generation uint64, result types.Result) {
	m.mu.Lock()
	if !m.live(t) {
		m.mu.Unlock()
		return
	}

	if t.bounded && t.retriesLeft <= 0 {
		m.mu.Unlock()
		m.logger.Info("refresh retry count exceeded", "task", t.id)
		cause := clienterror.ErrRefreshRetryExceeded
		if result.Err != nil {
			cause = clienterror.Wrap(clienterror.CodeRefreshRetryExceeded, cause.Message, result.Err)
		}
		result.Err = clienterror.UserRefreshFailed(cause)
		m.complete(t, result, outcomeRetryExceeded)
		return
	}
	if t.bounded {
		t.retriesLeft--
	}

	switch {
	case m.refreshing:
		m.waiters = append(m.waiters, t)
		m.mu.Unlock()
		m.logger.V(1).Info("refresh already in progress", "task", t.id)
		return
	case generation != m.generation:
		m.mu.Unlock()
		m.logger.V(1).Info("token was refreshed during attempt, replaying", "task", t.id)
		m.run(t)
		return
	}

	m.refreshing = true
	m.waiters = []*task{t}
	hooks := append([]func(TaskHandle){}, m.hooks...)
	m.mu.Unlock()

	handle := Handle{id: t.id, manager: m}
	for _, fn := range hooks {
		fn(handle)
	}
	m.refresh()
}

// refresh calls the token provider once and releases every waiter that
// accumulated while it ran.
func (m *Manager) refresh() {
	m.logger.V(1).Info("refreshing")
	started := time.Now()
	current, err := m.refreshTokens()

	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.refreshing = false
	if err == nil {
		m.generation++
	}
	m.mu.Unlock()

	if err == nil {
		m.metrics.refreshed(refreshSucceeded, started)
		m.logger.V(1).Info("refreshed, replaying tasks", "tasks", len(waiters))
		for _, t := range waiters {
			m.run(t)
		}
		return
	}

	if errors.Is(err, errTokensReplaced) {
		m.metrics.refreshed(refreshDiscarded, started)
		m.logger.Info("session tokens changed during refresh, discarding result", "tasks", len(waiters))
		for _, t := range waiters {
			m.complete(t, types.Result{Err: clienterror.ErrInvalidUser}, outcomeInvalidUser)
		}
		return
	}

	fatal := IsFatalRefreshError(err)
	m.logger.Error(err, "refresh failed", "fatal", fatal, "tasks", len(waiters))
	if fatal {
		m.metrics.refreshed(refreshFailedFatal, started)
		m.session.LogoutTokens(current)
	} else {
		m.metrics.refreshed(refreshFailedNonFatal, started)
	}

	failure := clienterror.UserRefreshFailed(err)
	for _, t := range waiters {
		m.complete(t, types.Result{Err: failure}, outcomeRefreshFailed)
	}
}

// errTokensReplaced means the session logged out or got other tokens while
// the provider ran, so the refreshed bundle belongs to nobody.
var errTokensReplaced = errors.New("session tokens replaced during refresh")

// refreshTokens returns the bundle the refresh started from along with the
// outcome.
func (m *Manager) refreshTokens() (types.TokenBundle, error) {
	if m.session == nil || m.provider == nil {
		return types.TokenBundle{}, clienterror.ErrInvalidUser
	}
	current, ok := m.session.Tokens()
	if !ok {
		return current, clienterror.ErrInvalidUser
	}

	// Waiters may be cancelled individually; none of them owns the refresh.
	ctx, cancel := context.WithTimeout(context.Background(), constants.TokenRefreshTimeout)
	defer cancel()

	bundle, err := m.provider.Refresh(ctx, current)
	if err != nil {
		return current, err
	}
	switch err := m.session.ReplaceTokens(current, bundle); {
	case errors.Is(err, session.ErrTokensChanged):
		return current, errTokensReplaced
	case err != nil:
		return current, clienterror.Unexpected(err)
	}
	return current, nil
}
