package prefetch

import (
	"context"
	"fmt"

	"github.com/agentworkforce/trialsync/internal/metrics"
	"github.com/agentworkforce/trialsync/internal/replica"
)

type ReadKind int

const (
	// WarmHit served the stored record, possibly stale.
	WarmHit ReadKind = iota
	// ColdMiss found nothing locally and queued a fetch.
	ColdMiss
)

func (k ReadKind) String() string {
	if k == WarmHit {
		return metrics.ReadWarmHit
	}
	return metrics.ReadColdMiss
}

type Read[T any] struct {
	Kind   ReadKind
	Record *replica.Record[T]
}

// View is the typed read handle for one table.
type View[T any] struct {
	m     *Manager
	table *replica.Table[T]
}

// NewView returns a view of table, which must already be registered with m.
func NewView[T any](m *Manager, table *replica.Table[T]) (*View[T], error) {
	if _, err := m.binding(table.Name()); err != nil {
		return nil, fmt.Errorf("view %s: %w", table.Name(), err)
	}
	return &View[T]{m: m, table: table}, nil
}

func (v *View[T]) Lookup(ctx context.Context, id string, priority int) (Read[T], error) {
	rec, err := v.table.Get(ctx, id)
	if err != nil {
		return Read[T]{}, err
	}
	name := v.table.Name()
	if rec != nil {
		v.m.metrics.ObserveRead(name, metrics.ReadWarmHit)
		return Read[T]{Kind: WarmHit, Record: rec}, nil
	}
	v.m.metrics.ObserveRead(name, metrics.ReadColdMiss)
	v.m.enqueue(name, id, priority)
	return Read[T]{Kind: ColdMiss}, nil
}

// Get returns the stored payload, or nil after queueing a fetch.
func (v *View[T]) Get(ctx context.Context, id string, priority int) (*T, error) {
	read, err := v.Lookup(ctx, id, priority)
	if err != nil || read.Kind == ColdMiss {
		return nil, err
	}
	payload := read.Record.Payload
	return &payload, nil
}

func (v *View[T]) Hint(id string, priority int) bool {
	return v.m.Hint(v.table.Name(), id, priority)
}

func (v *View[T]) Await(ctx context.Context, id string) error {
	return v.m.Await(ctx, v.table.Name(), id)
}
