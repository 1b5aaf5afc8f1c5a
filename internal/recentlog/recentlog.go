// Package recentlog keeps a bounded, newest-first list of recently seen chat
// messages for the MCP recent_messages resource.
package recentlog

import "sync"

const DefaultCapacity = 10

type Ring struct {
	mu       sync.Mutex
	capacity int
	items    []string
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity}
}

// Add prepends an entry, evicting the oldest when over capacity.
func (r *Ring) Add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append([]string{entry}, r.items...)
	if len(r.items) > r.capacity {
		r.items = r.items[:r.capacity]
	}
}

// List returns a newest-first snapshot.
func (r *Ring) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}
