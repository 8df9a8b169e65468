// Package replica mirrors remote collections into the local key-value store.
//
// Every write for a record id runs under that id's lock, so a local edit and
// a remote apply for the same record never interleave while unrelated ids
// proceed in parallel. All storage access goes through Table.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

// PendingChecker reports whether a record has an unresolved conflict.
type PendingChecker interface {
	HasPending(recordID string) bool
}

type Options[T any] struct {
	Name    string
	ScopeOf func(T) string
	Schema  *Schema
	Now     func() time.Time
	Logger  *slog.Logger
}

type Table[T any] struct {
	name    string
	store   kvstore.Store
	scopeOf func(T) string
	schema  *Schema
	now     func() time.Time
	logger  *slog.Logger
	locks   *keyedMutex

	pendingMu sync.RWMutex
	pending   PendingChecker
}

func NewTable[T any](store kvstore.Store, opts Options[T]) (*Table[T], error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("table name %q must not contain '/'", name)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table[T]{
		name:    name,
		store:   store,
		scopeOf: opts.ScopeOf,
		schema:  opts.Schema,
		now:     now,
		logger:  logger.With("table", name),
		locks:   newKeyedMutex(),
	}, nil
}

func (t *Table[T]) Name() string {
	return t.name
}

func (t *Table[T]) SetPendingChecker(checker PendingChecker) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.pending = checker
}

// Get returns the live record for id, or nil when it is absent or tombstoned.
func (t *Table[T]) Get(ctx context.Context, id string) (*Record[T], error) {
	rec, err := t.Lookup(ctx, id)
	if err != nil || rec == nil || rec.Deleted {
		return nil, err
	}
	return rec, nil
}

// Lookup is Get including tombstones.
func (t *Table[T]) Lookup(ctx context.Context, id string) (*Record[T], error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return t.load(ctx, id, false)
}

// GetAll returns the live records whose scope equals scope.
func (t *Table[T]) GetAll(ctx context.Context, scope string) ([]Record[T], error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0, len(all))
	for _, rec := range all {
		if rec.Deleted || rec.Scope != scope {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// All returns every stored record, tombstones included, ordered by id.
func (t *Table[T]) All(ctx context.Context) ([]Record[T], error) {
	keys, err := t.store.Keys(ctx, t.recordPrefix())
	if err != nil {
		return nil, syncerr.Storage("list "+t.name, err)
	}
	out := make([]Record[T], 0, len(keys))
	for _, key := range keys {
		rec, err := t.load(ctx, strings.TrimPrefix(key, t.recordPrefix()), false)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert writes payload for id. Local writes mark the record dirty; remote
// writes record the server timestamp and clear dirty unless the record has
// an unresolved conflict, in which case the local copy is kept as is.
func (t *Table[T]) Upsert(ctx context.Context, id string, payload T, src Source) (*Record[T], error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, syncerr.New(syncerr.KindInvalidInput, "upsert "+t.name, err)
	}
	if !src.Remote {
		if err := t.schema.Validate(encoded); err != nil {
			return nil, syncerr.New(syncerr.KindInvalidInput, "upsert "+t.name+"/"+id, err)
		}
	}
	return t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
		next := Record[T]{ID: id, Scope: t.scope(payload), Payload: payload}
		if cur != nil {
			next.Version = cur.Version
			next.UpdatedAtLocal = cur.UpdatedAtLocal
			next.UpdatedAtRemote = cur.UpdatedAtRemote
			next.Base = cur.Base
		}
		next.Version++
		if src.Remote {
			if cur != nil && cur.Dirty && t.hasPending(id) {
				return nil, false, nil
			}
			next.UpdatedAtRemote = src.Timestamp
			next.Base = encoded
			if next.UpdatedAtLocal.IsZero() {
				next.UpdatedAtLocal = t.now()
			}
			return &next, false, nil
		}
		next.Dirty = true
		next.UpdatedAtLocal = t.now()
		return &next, false, nil
	})
}

// Delete tombstones a record with unsynced local changes so the pending
// mutation survives, and removes any other record outright.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	_, err := t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		if !cur.Dirty {
			return nil, true, nil
		}
		next := *cur
		next.Deleted = true
		next.Version++
		next.UpdatedAtLocal = t.now()
		return &next, false, nil
	})
	return err
}

// DropRemote applies a server-side deletion. A dirty record with a pending
// conflict is left alone.
func (t *Table[T]) DropRemote(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	_, err := t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
		if cur == nil || (cur.Dirty && t.hasPending(id)) {
			return nil, false, nil
		}
		return nil, true, nil
	})
	return err
}

type ApplyResult int

const (
	// Applied means the remote version is now the stored copy.
	Applied ApplyResult = iota
	// Stale means the remote version is not newer than what the local copy
	// was synced from, so nothing was written.
	Stale
	// Divergent means the local copy has unpushed edits that differ from the
	// remote version. The local copy is kept and returned for conflict
	// detection.
	Divergent
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Divergent:
		return "divergent"
	default:
		return "unknown"
	}
}

// ApplyRemote writes a server version of a record. The decision is made under
// the id's lock: a dirty local copy is only replaced when it already matches
// remote, and diverged decides whether a differing dirty copy conflicts with
// it. The returned record is the local copy for Divergent and the stored copy
// otherwise.
func (t *Table[T]) ApplyRemote(ctx context.Context, remote Record[T], diverged func(local, remote Record[T]) bool) (ApplyResult, *Record[T], error) {
	if err := validID(remote.ID); err != nil {
		return Stale, nil, err
	}
	var base json.RawMessage
	if !remote.Deleted {
		encoded, err := json.Marshal(remote.Payload)
		if err != nil {
			return Stale, nil, syncerr.New(syncerr.KindInvalidInput, "apply "+t.name+"/"+remote.ID, err)
		}
		base = encoded
	}
	result := Applied
	var local *Record[T]
	stored, err := t.mutate(ctx, remote.ID, func(cur *Record[T]) (*Record[T], bool, error) {
		if cur != nil {
			if remote.UpdatedAtRemote < cur.UpdatedAtRemote || (cur.Dirty && remote.UpdatedAtRemote == cur.UpdatedAtRemote) {
				result = Stale
				return nil, false, nil
			}
			if cur.Dirty && diverged != nil && diverged(*cur, remote) {
				result = Divergent
				snapshot := *cur
				local = &snapshot
				return nil, false, nil
			}
		}
		if remote.Deleted {
			return nil, cur != nil, nil
		}
		next := Record[T]{
			ID:              remote.ID,
			Scope:           t.scope(remote.Payload),
			Payload:         remote.Payload,
			UpdatedAtLocal:  t.now(),
			UpdatedAtRemote: remote.UpdatedAtRemote,
			Base:            base,
		}
		if cur != nil {
			next.Version = cur.Version
			next.UpdatedAtLocal = cur.UpdatedAtLocal
		}
		next.Version++
		return &next, false, nil
	})
	if err != nil {
		return Stale, nil, err
	}
	if result == Divergent {
		return result, local, nil
	}
	return result, stored, nil
}

// Update runs fn with the current record (nil when absent) under the id's
// lock. fn returns the record to store, or nil to leave storage untouched.
func (t *Table[T]) Update(ctx context.Context, id string, fn func(cur *Record[T]) (*Record[T], error)) (*Record[T], error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
		next, err := fn(cur)
		if err != nil || next == nil {
			return nil, false, err
		}
		out := *next
		out.ID = id
		out.Scope = t.scope(out.Payload)
		var prev int64
		if cur != nil {
			prev = cur.Version
		}
		if out.Version <= prev {
			out.Version = prev + 1
		}
		return &out, false, nil
	})
}

// Dirty lists records with unacknowledged local changes, tombstones included.
func (t *Table[T]) Dirty(ctx context.Context) ([]Record[T], error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0)
	for _, rec := range all {
		if rec.Dirty {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkSynced records a server acknowledgement of pushed. Dirty is cleared
// only when the record has not been edited since pushed was read; otherwise
// the newer edit stays dirty on top of the acknowledged version.
func (t *Table[T]) MarkSynced(ctx context.Context, pushed Record[T], remoteTS int64) (*Record[T], error) {
	base, err := json.Marshal(pushed.Payload)
	if err != nil {
		return nil, syncerr.New(syncerr.KindInvalidInput, "mark synced "+t.name, err)
	}
	return t.mutate(ctx, pushed.ID, func(cur *Record[T]) (*Record[T], bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		next := *cur
		next.UpdatedAtRemote = remoteTS
		next.Base = base
		if cur.Version != pushed.Version {
			return &next, false, nil
		}
		if cur.Deleted {
			return nil, true, nil
		}
		next.Dirty = false
		next.SyncError = ""
		return &next, false, nil
	})
}

// MarkFailed keeps the record dirty and remembers why the push failed.
func (t *Table[T]) MarkFailed(ctx context.Context, id string, cause error) error {
	if cause == nil {
		return nil
	}
	_, err := t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		next := *cur
		next.SyncError = cause.Error()
		return &next, false, nil
	})
	return err
}

func (t *Table[T]) Cursor(ctx context.Context) (int64, error) {
	raw, err := t.store.Get(ctx, t.cursorKey())
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Storage("cursor "+t.name, err)
	}
	cursor, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		t.logger.Warn("discarding unreadable cursor", "value", string(raw), "error", err)
		return 0, nil
	}
	return cursor, nil
}

func (t *Table[T]) SetCursor(ctx context.Context, cursor int64) error {
	if err := t.store.Set(ctx, t.cursorKey(), []byte(strconv.FormatInt(cursor, 10))); err != nil {
		return syncerr.Storage("set cursor "+t.name, err)
	}
	return nil
}

// Purge removes every clean record in scope (all scopes when scope is empty)
// and returns their stored bytes keyed by id. Dirty records are never purged.
func (t *Table[T]) Purge(ctx context.Context, scope string) (map[string][]byte, error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	removed := map[string][]byte{}
	for _, candidate := range all {
		if candidate.Dirty || (scope != "" && candidate.Scope != scope) {
			continue
		}
		var raw []byte
		_, err := t.mutate(ctx, candidate.ID, func(cur *Record[T]) (*Record[T], bool, error) {
			if cur == nil || cur.Dirty {
				return nil, false, nil
			}
			encoded, err := json.Marshal(cur)
			if err != nil {
				return nil, false, err
			}
			raw = encoded
			return nil, true, nil
		})
		if err != nil {
			return removed, err
		}
		if raw != nil {
			removed[candidate.ID] = raw
		}
	}
	return removed, nil
}

// Restore writes back records produced by Purge. Ids that were written
// again since the purge keep their newer contents.
func (t *Table[T]) Restore(ctx context.Context, entries map[string][]byte) (int, error) {
	restored := 0
	for id, raw := range entries {
		var rec Record[T]
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.logger.Warn("skipping unreadable snapshot entry", "id", id, "error", err)
			continue
		}
		wrote := false
		_, err := t.mutate(ctx, id, func(cur *Record[T]) (*Record[T], bool, error) {
			if cur != nil {
				return nil, false, nil
			}
			wrote = true
			return &rec, false, nil
		})
		if err != nil {
			return restored, err
		}
		if wrote {
			restored++
		}
	}
	return restored, nil
}

func (t *Table[T]) mutate(ctx context.Context, id string, fn func(cur *Record[T]) (next *Record[T], remove bool, err error)) (*Record[T], error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	cur, err := t.load(ctx, id, true)
	if err != nil {
		return nil, err
	}
	next, remove, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if remove {
		if err := t.store.Delete(ctx, t.recordKey(id)); err != nil {
			return nil, syncerr.Storage("delete "+t.name+"/"+id, err)
		}
		return nil, nil
	}
	if next == nil {
		return cur, nil
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, syncerr.New(syncerr.KindInvalidInput, "encode "+t.name+"/"+id, err)
	}
	if err := t.store.Set(ctx, t.recordKey(id), encoded); err != nil {
		return nil, syncerr.Storage("write "+t.name+"/"+id, err)
	}
	out := *next
	return &out, nil
}

// load treats an undecodable entry as absent so it can be fetched again.
// Writers holding the id lock pass discard to drop the entry as well.
func (t *Table[T]) load(ctx context.Context, id string, discard bool) (*Record[T], error) {
	raw, err := t.store.Get(ctx, t.recordKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage("read "+t.name+"/"+id, err)
	}
	var rec Record[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.logger.Warn("ignoring corrupted record", "id", id, "error", err)
		if !discard {
			return nil, nil
		}
		if delErr := t.store.Delete(ctx, t.recordKey(id)); delErr != nil {
			return nil, syncerr.Storage("discard "+t.name+"/"+id, delErr)
		}
		return nil, nil
	}
	return &rec, nil
}

func (t *Table[T]) hasPending(id string) bool {
	t.pendingMu.RLock()
	checker := t.pending
	t.pendingMu.RUnlock()
	return checker != nil && checker.HasPending(id)
}

func (t *Table[T]) scope(payload T) string {
	if t.scopeOf == nil {
		return ""
	}
	return t.scopeOf(payload)
}

func (t *Table[T]) recordPrefix() string {
	return "records/" + t.name + "/"
}

func (t *Table[T]) recordKey(id string) string {
	return t.recordPrefix() + id
}

func (t *Table[T]) cursorKey() string {
	return "cursors/" + t.name
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return syncerr.New(syncerr.KindInvalidInput, "record", errors.New("id is required"))
	}
	return nil
}
