// Package netstatus supplies the "is the network reachable" signal consumed by
// the executor and the offline queue. Reachability detection itself lives
// here, behind a single interface, so the rest of the layer never probes.
package netstatus

import (
	"sync"
)

// Monitor exposes the current connectivity state and change notifications.
type Monitor interface {
	// Online reports the current reachability belief.
	Online() bool
	// Subscribe registers a callback invoked on every state transition. The
	// returned cancel function removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a flag-driven Monitor. The sidecar flips it via the /netstatus
// endpoint; tests flip it directly.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewManual starts in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(online bool))}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers on transitions only.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// AlwaysOnline is the null-object Monitor for environments without a usable
// connectivity signal. Selected once at startup, never per call.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                      { return true }
func (AlwaysOnline) Subscribe(func(bool)) func()       { return func() {} }
