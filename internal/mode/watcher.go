package mode

import (
	"sync"

	"github.com/flowslide/tiersync/internal/types"
)

// Watcher is a latest-value, multi-subscriber channel for the active
// deployment mode. Subscribers always receive the newest value and every
// change; a slow subscriber sees values coalesce rather than queue.
type Watcher struct {
	mu   sync.Mutex
	cur  types.DeploymentMode
	subs map[chan types.DeploymentMode]struct{}
}

// NewWatcher creates a watcher primed with the initial mode.
func NewWatcher(initial types.DeploymentMode) *Watcher {
	return &Watcher{
		cur:  initial,
		subs: make(map[chan types.DeploymentMode]struct{}),
	}
}

// Current returns the latest published mode.
func (w *Watcher) Current() types.DeploymentMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Subscribe returns a channel primed with the current mode plus a cancel
// function. The channel is closed on cancel.
func (w *Watcher) Subscribe() (<-chan types.DeploymentMode, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan types.DeploymentMode, 1)
	ch <- w.cur
	w.subs[ch] = struct{}{}

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publish replaces the current value and notifies all subscribers, coalescing
// unread values.
func (w *Watcher) publish(m types.DeploymentMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m == w.cur {
		return
	}
	w.cur = m
	for ch := range w.subs {
		select {
		case <-ch: // drop the unread stale value
		default:
		}
		ch <- m
	}
}
