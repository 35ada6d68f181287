// Package connectivity reports online/offline transitions to subscribers.
package connectivity

import (
	"sync"
)

// Monitor is the engine's view of network reachability.
type Monitor interface {
	IsOnline() bool
	// Subscribe registers fn for transitions; the returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// hub tracks state and fans transitions out to subscribers.
type hub struct {
	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newHub(online bool) *hub {
	return &hub{online: online, subs: make(map[int]func(bool))}
}

func (h *hub) IsOnline() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online
}

func (h *hub) Subscribe(fn func(bool)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// set records the new state and notifies subscribers outside the lock when it changed.
func (h *hub) set(online bool) bool {
	h.mu.Lock()
	if h.online == online {
		h.mu.Unlock()
		return false
	}
	h.online = online
	fns := make([]func(bool), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Manual is a Monitor whose state is set explicitly, e.g. from the OS network
// callback bridged over the API, or from tests.
type Manual struct {
	*hub
}

func NewManual(online bool) *Manual {
	return &Manual{hub: newHub(online)}
}

// SetOnline changes state and reports whether it was a transition.
func (m *Manual) SetOnline(online bool) bool {
	return m.set(online)
}
