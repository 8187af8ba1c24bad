package syncengine

import (
	"sync"
	"time"
)

// HotSet tracks the working set of recently-accessed record ids. Collaborators
// call Touch on access; on_demand workers sync only members of the set.
type HotSet struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// DefaultHotSetTTL bounds how long an id stays hot after its last access.
const DefaultHotSetTTL = 24 * time.Hour

// NewHotSet creates a hot set with the given TTL (DefaultHotSetTTL if zero).
func NewHotSet(ttl time.Duration) *HotSet {
	if ttl <= 0 {
		ttl = DefaultHotSetTTL
	}
	return &HotSet{ttl: ttl, seen: make(map[string]time.Time)}
}

// Touch marks an id as recently accessed.
func (h *HotSet) Touch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[id] = time.Now()
}

// Contains reports whether the id was accessed within the TTL.
func (h *HotSet) Contains(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.seen[id]
	if !ok {
		return false
	}
	if time.Since(at) > h.ttl {
		delete(h.seen, id)
		return false
	}
	return true
}

// Len returns the current number of hot ids, expiring stale entries.
func (h *HotSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, at := range h.seen {
		if time.Since(at) > h.ttl {
			delete(h.seen, id)
		}
	}
	return len(h.seen)
}
