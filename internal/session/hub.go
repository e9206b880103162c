package session

import (
	"context"
	"sync"
)

// Hub is an in-process Broadcaster. Subscribers are invoked synchronously on
// the publishing goroutine and must not block.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(State)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(State))}
}

func (h *Hub) Publish(_ context.Context, id string, state State) error {
	h.mu.RLock()
	fns := make([]func(State), 0, len(h.subs[id]))
	for _, fn := range h.subs[id] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(state)
	}
	return nil
}

func (h *Hub) Subscribe(id string, fn func(State)) (func(), error) {
	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[uint64]func(State))
	}
	h.subs[id][subID] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id, subID) })
	}, nil
}

// Subscribers reports how many subscriptions are registered for a session.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

func (h *Hub) remove(id string, subID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[id]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.subs, id)
	}
}
