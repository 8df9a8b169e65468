// Package conflict detects concurrent edits between a local dirty record and
// a newer remote version, and applies the chosen resolution exactly once.
//
// Each conflict moves Pending -> Resolved or Pending -> Ignored and never
// leaves a terminal state. At most one conflict per record is active.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/replica"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
	// OnTransition observes every conflict that is created or closed.
	OnTransition func(table string, status Status)
}

type Engine[T any] struct {
	table        *replica.Table[T]
	store        kvstore.Store
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
	onTransition func(table string, status Status)

	mu        sync.Mutex
	conflicts map[string]*Conflict[T]
	active    map[string]string
	settled   map[string]int64
}

// NewEngine binds an engine to table, restores persisted conflicts and
// registers itself as the table's pending-conflict checker.
func NewEngine[T any](ctx context.Context, table *replica.Table[T], store kvstore.Store, opts Options) (*Engine[T], error) {
	if table == nil {
		return nil, fmt.Errorf("table is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	e := &Engine[T]{
		table:        table,
		store:        store,
		now:          opts.Now,
		newID:        opts.NewID,
		logger:       opts.Logger,
		onTransition: opts.OnTransition,
		conflicts:    map[string]*Conflict[T]{},
		active:       map[string]string{},
		settled:      map[string]int64{},
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.NewString() }
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("table", table.Name())
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	table.SetPendingChecker(e)
	return e, nil
}

func (e *Engine[T]) Table() *replica.Table[T] {
	return e.table
}

// Detect registers a conflict when Diverged(local, remote) holds. It returns
// the already active conflict for the record instead of creating a second
// one, and nil for a remote version whose conflict was already closed.
func (e *Engine[T]) Detect(ctx context.Context, local *replica.Record[T], remote replica.Record[T]) (*Conflict[T], error) {
	if local == nil || !Diverged(*local, remote) {
		return nil, nil
	}
	recordID := local.ID

	e.mu.Lock()
	if id, ok := e.active[recordID]; ok {
		existing := *e.conflicts[id]
		e.mu.Unlock()
		return &existing, nil
	}
	if settledTS, ok := e.settled[recordID]; ok && remote.UpdatedAtRemote <= settledTS {
		e.mu.Unlock()
		return nil, nil
	}
	remote.ID = recordID
	c := &Conflict[T]{
		ID:              e.newID(),
		EntityKind:      e.table.Name(),
		RecordID:        recordID,
		Local:           *local,
		Remote:          remote,
		LocalTimestamp:  local.UpdatedAtLocal,
		RemoteTimestamp: remote.UpdatedAtRemote,
		Status:          StatusPending,
		CreatedAt:       e.now(),
	}
	e.conflicts[c.ID] = c
	e.active[recordID] = c.ID
	snapshot := *c
	e.mu.Unlock()

	if err := e.persist(ctx, snapshot); err != nil {
		e.mu.Lock()
		delete(e.conflicts, c.ID)
		if e.active[recordID] == c.ID {
			delete(e.active, recordID)
		}
		e.mu.Unlock()
		return nil, err
	}
	e.logger.Info("conflict detected", "conflict", c.ID, "record", recordID, "remote_ts", remote.UpdatedAtRemote)
	e.notify(StatusPending)
	return &snapshot, nil
}

// Resolve applies decision to a pending conflict and closes it. The record
// is written through the table after the conflict is claimed; a failed write
// puts the conflict back to Pending.
func (e *Engine[T]) Resolve(ctx context.Context, conflictID string, decision Decision[T]) (*replica.Record[T], error) {
	if err := decision.validate(); err != nil {
		return nil, syncerr.New(syncerr.KindInvalidInput, "resolve "+conflictID, err)
	}
	claimed, prev, err := e.claim(conflictID, StatusResolved, &decision)
	if err != nil {
		return nil, err
	}
	if err := e.persist(ctx, claimed); err != nil {
		e.rollback(prev)
		return nil, err
	}

	rec, err := e.apply(ctx, claimed, decision)
	if err != nil {
		e.rollback(prev)
		if persistErr := e.persist(ctx, prev); persistErr != nil {
			e.logger.Error("failed to restore pending conflict", "conflict", conflictID, "error", persistErr)
		}
		return nil, err
	}
	if err := e.Release(ctx, claimed.RecordID); err != nil {
		e.logger.Warn("failed to release ignored conflicts", "record", claimed.RecordID, "error", err)
	}
	e.logger.Info("conflict resolved", "conflict", conflictID, "record", claimed.RecordID, "decision", decision.Kind)
	e.notify(StatusResolved)
	return rec, nil
}

// Ignore closes a pending conflict without touching the record. The local
// dirty copy is held back from pushes until Release is called for it.
func (e *Engine[T]) Ignore(ctx context.Context, conflictID string) error {
	claimed, prev, err := e.claim(conflictID, StatusIgnored, nil)
	if err != nil {
		return err
	}
	if err := e.persist(ctx, claimed); err != nil {
		e.rollback(prev)
		return err
	}
	e.logger.Info("conflict ignored", "conflict", conflictID, "record", claimed.RecordID)
	e.notify(StatusIgnored)
	return nil
}

// Release lets the record's ignored local copy be pushed again.
func (e *Engine[T]) Release(ctx context.Context, recordID string) error {
	e.mu.Lock()
	var released []Conflict[T]
	for _, c := range e.conflicts {
		if c.RecordID == recordID && c.Status == StatusIgnored && !c.Released {
			c.Released = true
			released = append(released, *c)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, c := range released {
		if err := e.persist(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Held reports whether the record has an ignored conflict that was not released.
func (e *Engine[T]) Held(recordID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conflicts {
		if c.RecordID == recordID && c.Status == StatusIgnored && !c.Released {
			return true
		}
	}
	return false
}

func (e *Engine[T]) HasPending(recordID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[recordID]
	return ok
}

func (e *Engine[T]) Get(conflictID string) (*Conflict[T], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conflicts[conflictID]
	if !ok {
		return nil, false
	}
	out := *c
	return &out, true
}

// ListPending returns the open conflicts, oldest first.
func (e *Engine[T]) ListPending() []Conflict[T] {
	e.mu.Lock()
	out := make([]Conflict[T], 0, len(e.active))
	for _, id := range e.active {
		out = append(out, *e.conflicts[id])
	}
	e.mu.Unlock()
	sortConflicts(out)
	return out
}

// History returns every conflict recorded for recordID, oldest first.
func (e *Engine[T]) History(recordID string) []Conflict[T] {
	e.mu.Lock()
	var out []Conflict[T]
	for _, c := range e.conflicts {
		if c.RecordID == recordID {
			out = append(out, *c)
		}
	}
	e.mu.Unlock()
	sortConflicts(out)
	return out
}

// AutoResolve proposes a merge for c when the local and remote edits touch
// disjoint fields. It returns false whenever the outcome is not certain.
func (e *Engine[T]) AutoResolve(c Conflict[T]) (*Decision[T], bool) {
	return AutoMerge(c)
}

func (e *Engine[T]) claim(conflictID string, to Status, decision *Decision[T]) (Conflict[T], Conflict[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conflicts[conflictID]
	if !ok {
		return Conflict[T]{}, Conflict[T]{}, syncerr.New(syncerr.KindNotFound, "conflict "+conflictID, errors.New("no such conflict"))
	}
	if c.Status != StatusPending {
		return Conflict[T]{}, Conflict[T]{}, syncerr.New(syncerr.KindInvalidTransition, "conflict "+conflictID,
			fmt.Errorf("cannot move from %s to %s", c.Status, to))
	}
	prev := *c
	closedAt := e.now()
	c.Status = to
	c.Decision = decision
	c.ClosedAt = &closedAt
	delete(e.active, c.RecordID)
	if c.RemoteTimestamp > e.settled[c.RecordID] {
		e.settled[c.RecordID] = c.RemoteTimestamp
	}
	return *c, prev, nil
}

func (e *Engine[T]) rollback(prev Conflict[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	restored := prev
	e.conflicts[prev.ID] = &restored
	e.active[prev.RecordID] = prev.ID
	e.recomputeSettled(prev.RecordID)
}

func (e *Engine[T]) recomputeSettled(recordID string) {
	var highest int64
	found := false
	for _, c := range e.conflicts {
		if c.RecordID == recordID && c.Status != StatusPending && c.RemoteTimestamp >= highest {
			highest = c.RemoteTimestamp
			found = true
		}
	}
	if found {
		e.settled[recordID] = highest
	} else {
		delete(e.settled, recordID)
	}
}

func (e *Engine[T]) apply(ctx context.Context, c Conflict[T], decision Decision[T]) (*replica.Record[T], error) {
	remoteTS := c.RemoteTimestamp
	if decision.Kind == DecisionRemote {
		if c.Remote.Deleted {
			if err := e.table.DropRemote(ctx, c.RecordID); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return e.table.Upsert(ctx, c.RecordID, c.Remote.Payload, replica.Remote(remoteTS))
	}

	var base json.RawMessage
	if !c.Remote.Deleted {
		encoded, err := json.Marshal(c.Remote.Payload)
		if err != nil {
			return nil, syncerr.New(syncerr.KindInvalidInput, "resolve "+c.ID, err)
		}
		base = encoded
	}
	now := e.now()
	return e.table.Update(ctx, c.RecordID, func(cur *replica.Record[T]) (*replica.Record[T], error) {
		next := c.Local
		if cur != nil {
			next = *cur
		}
		if decision.Kind == DecisionMerged {
			next.Payload = *decision.Payload
			next.Deleted = false
		}
		next.Dirty = true
		next.UpdatedAtLocal = now
		next.UpdatedAtRemote = remoteTS
		next.Base = base
		next.SyncError = ""
		return &next, nil
	})
}

func (e *Engine[T]) load(ctx context.Context) error {
	keys, err := e.store.Keys(ctx, e.prefix())
	if err != nil {
		return syncerr.Storage("load conflicts", err)
	}
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return syncerr.Storage("load conflict", err)
		}
		var c Conflict[T]
		if err := json.Unmarshal(raw, &c); err != nil {
			e.logger.Warn("skipping unreadable conflict", "key", key, "error", err)
			continue
		}
		stored := c
		e.conflicts[c.ID] = &stored
		if c.Status == StatusPending {
			e.active[c.RecordID] = c.ID
		} else if c.RemoteTimestamp > e.settled[c.RecordID] {
			e.settled[c.RecordID] = c.RemoteTimestamp
		}
	}
	return nil
}

func (e *Engine[T]) persist(ctx context.Context, c Conflict[T]) error {
	encoded, err := json.Marshal(c)
	if err != nil {
		return syncerr.New(syncerr.KindInvalidInput, "encode conflict "+c.ID, err)
	}
	if err := e.store.Set(ctx, e.prefix()+c.ID, encoded); err != nil {
		return syncerr.Storage("persist conflict "+c.ID, err)
	}
	return nil
}

func (e *Engine[T]) notify(status Status) {
	if e.onTransition != nil {
		e.onTransition(e.table.Name(), status)
	}
}

func (e *Engine[T]) prefix() string {
	return "conflicts/" + e.table.Name() + "/"
}

func sortConflicts[T any](items []Conflict[T]) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return strings.Compare(items[i].ID, items[j].ID) < 0
	})
}
