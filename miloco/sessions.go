package miloco

import (
	"fmt"
	"sync"
	"time"
)

// sessionRegistry maps a chat id to the backend session id for that
// conversation. Session ids embed a creation timestamp so a process restart
// never resumes a stale backend session; reset rotates the id after the
// backend reports corrupted conversation history.
type sessionRegistry struct {
	mu     sync.Mutex
	ids    map[string]string
	lastMS int64
	now    func() time.Time
}

func newSessionRegistry(now func() time.Time) *sessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &sessionRegistry{
		ids: make(map[string]string),
		now: now,
	}
}

// get returns the existing session id for chatID or mints a new one.
func (r *sessionRegistry) get(chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[chatID]; ok {
		return id
	}
	ms := r.now().UnixMilli()
	if ms <= r.lastMS {
		// Two mints within the same millisecond must still differ.
		ms = r.lastMS + 1
	}
	r.lastMS = ms
	id := fmt.Sprintf("telegram_%s_%d", chatID, ms)
	r.ids[chatID] = id
	return id
}

// reset drops the binding so the next get mints a fresh session id.
func (r *sessionRegistry) reset(chatID string) {
	r.mu.Lock()
	delete(r.ids, chatID)
	r.mu.Unlock()
}
