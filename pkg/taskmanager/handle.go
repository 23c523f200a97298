package taskmanager

// TaskHandle lets the submitter cancel a task. It does not own the task.
type TaskHandle interface {
	ID() string
	// Cancel is idempotent. A task cancelled while pending never sees its
	// completion; cancelling a task that already left the pending set has no
	// effect.
	Cancel()
}

// Handle is the TaskHandle returned by Manager.Add.
type Handle struct {
	id      string
	manager *Manager
}

var (
	_ TaskHandle = Handle{}
	_ TaskHandle = NoopHandle{}
)

func (h Handle) ID() string {
	return h.id
}

func (h Handle) Cancel() {
	if h.manager != nil {
		h.manager.Cancel(h.id)
	}
}

func (h Handle) String() string {
	return "task:" + h.id
}

// NoopHandle is returned for requests that were rejected before any task was
// created.
type NoopHandle struct{}

func (NoopHandle) ID() string { return "" }

func (NoopHandle) Cancel() {}
