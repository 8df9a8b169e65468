package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory keeps values in process. A positive maxBytes caps the sum of key and
// value sizes; writes past it fail with ErrQuotaExceeded and change nothing.
type Memory struct {
	mu       sync.RWMutex
	items    map[string][]byte
	used     int
	maxBytes int
	closed   bool
}

func NewMemory(maxBytes int) *Memory {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Memory{items: map[string][]byte{}, maxBytes: maxBytes}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	used := m.used + len(value)
	if prev, ok := m.items[key]; ok {
		used -= len(prev)
	} else {
		used += len(key)
	}
	if m.maxBytes > 0 && used > m.maxBytes {
		return ErrQuotaExceeded
	}
	m.items[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if prev, ok := m.items[key]; ok {
		m.used -= len(key) + len(prev)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
