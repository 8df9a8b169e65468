package prefetch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

var (
	ErrNoSnapshot      = errors.New("no cache snapshot to undo")
	ErrSnapshotExpired = errors.New("cache snapshot expired")
)

// CacheUndoSnapshot holds what the last ClearCache removed, keyed by
// "table/id". Only one snapshot exists at a time.
type CacheUndoSnapshot struct {
	Entries   map[string][]byte
	ExpiresAt time.Time
}

// ClearCache removes every clean record in scope from all registered
// tables, or every clean record when scope is empty. Dirty records stay.
// The removed records can be put back with Undo until the undo window
// passes; a later clear replaces the snapshot.
func (m *Manager) ClearCache(ctx context.Context, scope string) (int, error) {
	m.mu.Lock()
	bindings := make([]coordinator.Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		bindings = append(bindings, b)
	}
	m.mu.Unlock()

	snapshot := &CacheUndoSnapshot{Entries: map[string][]byte{}}
	var errs []error
	for _, b := range bindings {
		removed, err := b.Purge(ctx, scope)
		for id, raw := range removed {
			snapshot.Entries[jobKey(b.Name(), id)] = raw
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	snapshot.ExpiresAt = m.now().Add(m.undoWindow)

	m.undoMu.Lock()
	m.undo = snapshot
	m.undoMu.Unlock()
	m.logger.Info("cache cleared", "scope", scope, "records", len(snapshot.Entries), "undo_until", snapshot.ExpiresAt)
	return len(snapshot.Entries), errors.Join(errs...)
}

// Undo restores the last cleared records. Records written again since the
// clear keep their newer contents.
func (m *Manager) Undo(ctx context.Context) (int, error) {
	m.undoMu.Lock()
	snapshot := m.undo
	if snapshot == nil {
		m.undoMu.Unlock()
		return 0, syncerr.New(syncerr.KindNotFound, "undo", ErrNoSnapshot)
	}
	if !m.now().Before(snapshot.ExpiresAt) {
		m.undo = nil
		m.undoMu.Unlock()
		return 0, syncerr.New(syncerr.KindNotFound, "undo", ErrSnapshotExpired)
	}
	m.undo = nil
	m.undoMu.Unlock()

	byTable := map[string]map[string][]byte{}
	for key, raw := range snapshot.Entries {
		table, id, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		if byTable[table] == nil {
			byTable[table] = map[string][]byte{}
		}
		byTable[table][id] = raw
	}
	restored := 0
	var errs []error
	for table, entries := range byTable {
		b, err := m.binding(table)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := b.Restore(ctx, entries)
		restored += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("cache clear undone", "records", restored)
	return restored, errors.Join(errs...)
}

// Snapshot returns the live undo snapshot, or nil.
func (m *Manager) Snapshot() *CacheUndoSnapshot {
	m.undoMu.Lock()
	defer m.undoMu.Unlock()
	if m.undo == nil || !m.now().Before(m.undo.ExpiresAt) {
		return nil
	}
	out := *m.undo
	return &out
}
