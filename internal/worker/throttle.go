package worker

import (
	"sync"
	"time"
)

// throttle rations change broadcasts to one per job per window. Urgent
// updates, like the first sighting of the output filename, pass through
// regardless and reset the window.
type throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newThrottle(window time.Duration) *throttle {
	return &throttle{window: window, last: make(map[string]time.Time)}
}

func (t *throttle) allow(id string, now time.Time, urgent bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !urgent {
		if prev, ok := t.last[id]; ok && now.Sub(prev) < t.window {
			return false
		}
	}
	t.last[id] = now
	return true
}

func (t *throttle) forget(id string) {
	t.mu.Lock()
	delete(t.last, id)
	t.mu.Unlock()
}
