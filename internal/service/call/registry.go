package call

import (
	"context"
	"sync"
	"time"
)

// Handle is what the registry keeps for a live call.
type Handle struct {
	CallID    string
	StartedAt time.Time
	// Cancel asks the call to end (ReasonShutdown) and release its sockets.
	Cancel func()
}

// Registry maps connection identifiers to live calls. Entries are inserted on
// accept and removed when the call reaches CLOSED; shutdown cancels every entry
// and waits for them to drain. Once draining, new entries are cancelled as
// soon as they register.
type Registry struct {
	mu       sync.Mutex
	calls    map[string]*registered
	draining bool
	// changed is closed and replaced whenever an entry is removed.
	changed chan struct{}
}

type registered struct {
	handle Handle
	once   sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		calls:   make(map[string]*registered),
		changed: make(chan struct{}),
	}
}

// Register inserts a call under connID and returns the function that removes it.
// Re-registering a connID replaces (and releases) the previous entry.
func (r *Registry) Register(connID string, h Handle) (unregister func()) {
	entry := &registered{handle: h}

	r.mu.Lock()
	old := r.calls[connID]
	r.calls[connID] = entry
	draining := r.draining
	r.mu.Unlock()

	if old != nil {
		r.release(connID, old)
	}
	if draining && h.Cancel != nil {
		h.Cancel()
	}
	return func() { r.release(connID, entry) }
}

func (r *Registry) release(connID string, entry *registered) {
	entry.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.calls[connID] == entry {
			delete(r.calls, connID)
		}
		close(r.changed)
		r.changed = make(chan struct{})
	})
}

// Get returns the handle registered under connID.
func (r *Registry) Get(connID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.calls[connID]
	if !ok {
		return Handle{}, false
	}
	return entry.handle, true
}

// Count returns the number of live calls.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CancelAll switches the registry to draining, cancels every live call and
// returns how many were cancelled.
func (r *Registry) CancelAll() int {
	var cancels []func()
	r.mu.Lock()
	r.draining = true
	for _, entry := range r.calls {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Wait blocks until every registered call has been removed or ctx is done.
// Returns false if ctx expired first.
func (r *Registry) Wait(ctx context.Context) bool {
	for {
		r.mu.Lock()
		n, changed := len(r.calls), r.changed
		r.mu.Unlock()
		if n == 0 {
			return true
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
