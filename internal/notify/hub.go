package notify

import "sync"

// Hub fans change hints out to subscribers. A hint is a wake-up, not a
// payload: whoever receives one re-fetches the state they care about.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan struct{}
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan struct{})}
}

// Subscribe registers a listener and returns its hint channel plus an
// unsubscribe func. The channel is buffered with one slot, so hints
// coalesce while the listener is busy.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Broadcast delivers a hint to every subscriber without blocking. A full
// buffer means that subscriber already has a wake-up pending, which is
// all a hint can say anyway.
func (h *Hub) Broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers reports how many listeners are registered.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
