package interceptor

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/taskmanager"
)

// ManagerFactory builds the task manager of a session on first use.
type ManagerFactory func(s *session.Session) *taskmanager.Manager

type entry struct {
	session *session.Session
	manager *taskmanager.Manager
}

// Registry maps session references to live sessions and their task managers.
// A session leaves the registry when it is closed.
type Registry struct {
	factory ManagerFactory
	logger  logr.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(factory ManagerFactory, logger logr.Logger) *Registry {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Registry{
		factory: factory,
		logger:  logger.WithName("registry"),
		entries: make(map[string]*entry),
	}
}

// Register makes s resolvable by its ID until s is closed.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	if _, ok := r.entries[s.ID()]; ok {
		r.mu.Unlock()
		return
	}
	r.entries[s.ID()] = &entry{session: s}
	r.mu.Unlock()

	r.logger.V(1).Info("registered session", "session", s.ID())
	s.OnClose(func() { r.Remove(s.ID()) })
}

// Session returns the live session for ref.
func (r *Registry) Session(ref string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok || e.session.Closed() {
		return nil, false
	}
	return e.session, true
}

// Manager returns the task manager for ref, creating it on first use.
func (r *Registry) Manager(ref string) (*taskmanager.Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok || e.session.Closed() || r.factory == nil {
		return nil, false
	}
	if e.manager == nil {
		e.manager = r.factory(e.session)
		r.logger.V(1).Info("created task manager", "session", ref)
	}
	return e.manager, true
}

// Remove forgets ref and fails the pending tasks of its manager.
func (r *Registry) Remove(ref string) {
	r.mu.Lock()
	e, ok := r.entries[ref]
	delete(r.entries, ref)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.V(1).Info("removed session", "session", ref)
	if e.manager != nil {
		e.manager.Close()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close removes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	refs := make([]string, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	r.mu.Unlock()

	for _, ref := range refs {
		r.Remove(ref)
	}
}
