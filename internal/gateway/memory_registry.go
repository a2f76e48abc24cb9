package gateway

import (
	"sync"
	"time"

	"github.com/lexiqai/conversation-orchestrator/internal/memory"
)

// memoryRegistry retains a connection's memory store for a grace period
// after its socket closes, so a client that reconnects with the same
// connection id picks its conversation history back up instead of starting
// cold. Entries are evicted by their own timer; there is no background
// sweep.
type memoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*memory.Store
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{entries: make(map[string]*memory.Store)}
}

// take returns the retained store for id, if any, removing it from the
// registry so a concurrent reconnect can't race on the same store.
func (r *memoryRegistry) take(id string) *memory.Store {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return store
}

// retain holds store under id for grace, after which it is dropped. A
// zero-or-negative grace retains nothing.
func (r *memoryRegistry) retain(id string, store *memory.Store, grace time.Duration) {
	if grace <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[id] = store
	r.mu.Unlock()

	time.AfterFunc(grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.entries[id] == store {
			delete(r.entries, id)
		}
	})
}
