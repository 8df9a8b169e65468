package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/agentworkforce/trialsync/internal/conflict"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/replica"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type Outcome int

const (
	OutcomeApplied Outcome = iota
	// OutcomeStale is an echo of a version the local copy already has.
	OutcomeStale
	// OutcomeConflict means a conflict is pending for the record.
	OutcomeConflict
	// OutcomeSettled is a divergent version whose conflict was already
	// resolved or ignored; the local copy is left alone.
	OutcomeSettled
	// OutcomeRejected is a server version that could not be decoded. It is
	// recorded for manual attention and skipped.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeConflict:
		return "conflict"
	case OutcomeSettled:
		return "settled"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Candidate is a dirty record ready to be pushed.
type Candidate struct {
	Change  remote.Push
	Version int64
	record  any
}

// RecordView is a table row with its payload left encoded.
type RecordView struct {
	ID              string          `json:"id"`
	Scope           string          `json:"scope,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAtLocal  time.Time       `json:"updatedAtLocal"`
	UpdatedAtRemote int64           `json:"updatedAtRemote,omitempty"`
	Dirty           bool            `json:"dirty"`
	Deleted         bool            `json:"deleted,omitempty"`
	SyncError       string          `json:"syncError,omitempty"`
	Conflicted      bool            `json:"conflicted,omitempty"`
}

// RejectedView is a server row that could not be stored.
type RejectedView struct {
	Table string `json:"table"`
	replica.Rejection
}

type ConflictView struct {
	ID              string          `json:"id"`
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	Status          conflict.Status `json:"status"`
	Local           json.RawMessage `json:"local,omitempty"`
	Remote          json.RawMessage `json:"remote,omitempty"`
	LocalDeleted    bool            `json:"localDeleted,omitempty"`
	RemoteDeleted   bool            `json:"remoteDeleted,omitempty"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	RemoteTimestamp int64           `json:"remoteTimestamp"`
	CreatedAt       time.Time       `json:"createdAt"`
	Mergeable       bool            `json:"mergeable"`
}

// Binding is the type-erased view of one replicated table and its conflict
// engine, so the coordinator and the prefetch manager can drive tables of
// different payload types.
type Binding interface {
	Name() string
	// ApplyRemote routes a server version through conflict detection and
	// writes it when the local copy allows. An undecodable version returns
	// OutcomeRejected with a client error after it has been recorded.
	ApplyRemote(ctx context.Context, rec remote.Record) (Outcome, error)
	Cursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
	// PushCandidates lists dirty records that are neither in conflict nor
	// held back by an ignored one.
	PushCandidates(ctx context.Context) ([]Candidate, error)
	AckPush(ctx context.Context, c Candidate, ack remote.Ack) error
	FailPush(ctx context.Context, c Candidate, cause error) error
	DirtyCount(ctx context.Context) (int, error)
	Record(ctx context.Context, id string) (*RecordView, error)
	Conflicts() []ConflictView
	Resolve(ctx context.Context, conflictID, kind string, payload json.RawMessage) error
	Ignore(ctx context.Context, conflictID string) error
	// AutoResolve applies the automatic merge when one exists and reports
	// whether it did.
	AutoResolve(ctx context.Context, conflictID string) (bool, error)
	Release(ctx context.Context, recordID string) error
	Purge(ctx context.Context, scope string) (map[string][]byte, error)
	Restore(ctx context.Context, entries map[string][]byte) (int, error)
	Rejected(ctx context.Context) ([]RejectedView, error)
	DismissRejected(ctx context.Context, recordID string) error
}

type binding[T any] struct {
	table  *replica.Table[T]
	engine *conflict.Engine[T]
}

// Bind wraps engine and the table it guards.
func Bind[T any](engine *conflict.Engine[T]) Binding {
	return &binding[T]{table: engine.Table(), engine: engine}
}

func (b *binding[T]) Name() string {
	return b.table.Name()
}

func (b *binding[T]) ApplyRemote(ctx context.Context, rec remote.Record) (Outcome, error) {
	incoming := replica.Record[T]{ID: rec.ID, UpdatedAtRemote: rec.UpdatedAt, Deleted: rec.Deleted}
	if !rec.Deleted {
		if err := json.Unmarshal(rec.Payload, &incoming.Payload); err != nil {
			cause := syncerr.New(syncerr.KindClient, "decode "+b.Name()+"/"+rec.ID, err)
			if rejectErr := b.table.Reject(ctx, rec.ID, rec.UpdatedAt, cause); rejectErr != nil {
				return OutcomeStale, rejectErr
			}
			return OutcomeRejected, cause
		}
	}
	result, local, err := b.table.ApplyRemote(ctx, incoming, conflict.Diverged[T])
	if err != nil {
		return OutcomeStale, err
	}
	if _, err := b.table.ClearRejection(ctx, rec.ID, rec.UpdatedAt); err != nil {
		return OutcomeStale, err
	}
	switch result {
	case replica.Stale:
		return OutcomeStale, nil
	case replica.Divergent:
		c, err := b.engine.Detect(ctx, local, incoming)
		if err != nil {
			return OutcomeStale, err
		}
		if c == nil {
			return OutcomeSettled, nil
		}
		return OutcomeConflict, nil
	default:
		return OutcomeApplied, nil
	}
}

func (b *binding[T]) Cursor(ctx context.Context) (int64, error) {
	return b.table.Cursor(ctx)
}

func (b *binding[T]) SetCursor(ctx context.Context, cursor int64) error {
	return b.table.SetCursor(ctx, cursor)
}

func (b *binding[T]) PushCandidates(ctx context.Context) ([]Candidate, error) {
	dirty, err := b.table.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(dirty))
	for _, rec := range dirty {
		if b.engine.HasPending(rec.ID) || b.engine.Held(rec.ID) {
			continue
		}
		change := remote.Push{ID: rec.ID, Deleted: rec.Deleted, BaseUpdatedAt: rec.UpdatedAtRemote}
		if !rec.Deleted {
			encoded, err := json.Marshal(rec.Payload)
			if err != nil {
				return nil, syncerr.New(syncerr.KindInvalidInput, "encode "+b.Name()+"/"+rec.ID, err)
			}
			change.Payload = encoded
		}
		out = append(out, Candidate{Change: change, Version: rec.Version, record: rec})
	}
	return out, nil
}

func (b *binding[T]) AckPush(ctx context.Context, c Candidate, ack remote.Ack) error {
	rec, ok := c.record.(replica.Record[T])
	if !ok {
		return syncerr.New(syncerr.KindInvalidInput, "ack "+b.Name(), errors.New("candidate belongs to another table"))
	}
	_, err := b.table.MarkSynced(ctx, rec, ack.UpdatedAt)
	return err
}

func (b *binding[T]) FailPush(ctx context.Context, c Candidate, cause error) error {
	return b.table.MarkFailed(ctx, c.Change.ID, cause)
}

func (b *binding[T]) DirtyCount(ctx context.Context) (int, error) {
	dirty, err := b.table.Dirty(ctx)
	return len(dirty), err
}

func (b *binding[T]) Record(ctx context.Context, id string) (*RecordView, error) {
	rec, err := b.table.Lookup(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	view := &RecordView{
		ID:              rec.ID,
		Scope:           rec.Scope,
		Version:         rec.Version,
		UpdatedAtLocal:  rec.UpdatedAtLocal,
		UpdatedAtRemote: rec.UpdatedAtRemote,
		Dirty:           rec.Dirty,
		Deleted:         rec.Deleted,
		SyncError:       rec.SyncError,
		Conflicted:      b.engine.HasPending(rec.ID),
	}
	if !rec.Deleted {
		encoded, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, err
		}
		view.Payload = encoded
	}
	return view, nil
}

func (b *binding[T]) Conflicts() []ConflictView {
	pending := b.engine.ListPending()
	out := make([]ConflictView, 0, len(pending))
	for _, c := range pending {
		view := ConflictView{
			ID:              c.ID,
			Table:           c.EntityKind,
			RecordID:        c.RecordID,
			Status:          c.Status,
			LocalDeleted:    c.Local.Deleted,
			RemoteDeleted:   c.Remote.Deleted,
			LocalTimestamp:  c.LocalTimestamp,
			RemoteTimestamp: c.RemoteTimestamp,
			CreatedAt:       c.CreatedAt,
		}
		if !c.Local.Deleted {
			view.Local, _ = json.Marshal(c.Local.Payload)
		}
		if !c.Remote.Deleted {
			view.Remote, _ = json.Marshal(c.Remote.Payload)
		}
		_, view.Mergeable = b.engine.AutoResolve(c)
		out = append(out, view)
	}
	return out
}

func (b *binding[T]) Resolve(ctx context.Context, conflictID, kind string, payload json.RawMessage) error {
	decision, err := conflict.ParseDecision[T](kind, payload)
	if err != nil {
		return syncerr.New(syncerr.KindInvalidInput, "resolve "+conflictID, err)
	}
	_, err = b.engine.Resolve(ctx, conflictID, decision)
	return err
}

func (b *binding[T]) Ignore(ctx context.Context, conflictID string) error {
	return b.engine.Ignore(ctx, conflictID)
}

func (b *binding[T]) AutoResolve(ctx context.Context, conflictID string) (bool, error) {
	c, ok := b.engine.Get(conflictID)
	if !ok {
		return false, syncerr.New(syncerr.KindNotFound, "conflict "+conflictID, errors.New("no such conflict"))
	}
	decision, ok := b.engine.AutoResolve(*c)
	if !ok {
		return false, nil
	}
	if _, err := b.engine.Resolve(ctx, conflictID, *decision); err != nil {
		return false, err
	}
	return true, nil
}

func (b *binding[T]) Release(ctx context.Context, recordID string) error {
	return b.engine.Release(ctx, recordID)
}

func (b *binding[T]) Purge(ctx context.Context, scope string) (map[string][]byte, error) {
	return b.table.Purge(ctx, scope)
}

func (b *binding[T]) Restore(ctx context.Context, entries map[string][]byte) (int, error) {
	return b.table.Restore(ctx, entries)
}

func (b *binding[T]) Rejected(ctx context.Context) ([]RejectedView, error) {
	rejected, err := b.table.Rejections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RejectedView, 0, len(rejected))
	for _, r := range rejected {
		out = append(out, RejectedView{Table: b.Name(), Rejection: r})
	}
	return out, nil
}

func (b *binding[T]) DismissRejected(ctx context.Context, recordID string) error {
	cleared, err := b.table.ClearRejection(ctx, recordID, math.MaxInt64)
	if err != nil {
		return err
	}
	if !cleared {
		return syncerr.New(syncerr.KindNotFound, "rejected "+b.Name()+"/"+recordID, errors.New("no rejected version for record"))
	}
	return nil
}
