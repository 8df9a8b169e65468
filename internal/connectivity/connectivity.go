// Package connectivity tracks whether the remote source is reachable.
package connectivity

import (
	"context"
	"sync"
)

type Signal interface {
	IsOnline() bool
	// OnChange registers fn for every transition and returns a function that
	// unregisters it.
	OnChange(fn func(online bool)) (cancel func())
}

// Monitor is a Signal driven by Set.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, listeners: map[int]func(bool){}}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and notifies listeners when it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

func (m *Monitor) OnChange(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// WaitOnline blocks until sig reports online or ctx is done.
func WaitOnline(ctx context.Context, sig Signal) error {
	if sig == nil || sig.IsOnline() {
		return nil
	}
	ready := make(chan struct{}, 1)
	cancel := sig.OnChange(func(online bool) {
		if !online {
			return
		}
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer cancel()

	// the state may have flipped before the listener was registered
	if sig.IsOnline() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// Always is a Signal that never goes offline.
type Always struct{}

func (Always) IsOnline() bool { return true }

func (Always) OnChange(func(bool)) func() { return func() {} }
