package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

// ErrOffline can be injected with FailNext to simulate a dropped link.
var ErrOffline = syncerr.New(syncerr.KindNetworkUnavailable, "memory", errors.New("offline"))

// Memory is an in-process Source. Its clock advances by one on every write,
// which makes it the reference server for tests and offline demos.
type Memory struct {
	mu       sync.Mutex
	clock    int64
	tables   map[string]map[string]Record
	failures []error
	calls    map[string]int
}

// NewMemory seeds the source with rows keyed by table. Seed rows keep their
// UpdatedAt and push the clock forward past it.
func NewMemory(seed map[string][]Record) *Memory {
	m := &Memory{tables: map[string]map[string]Record{}, calls: map[string]int{}}
	for table, rows := range seed {
		for _, row := range rows {
			m.table(table)[row.ID] = row
			if row.UpdatedAt > m.clock {
				m.clock = row.UpdatedAt
			}
		}
	}
	return m
}

func (m *Memory) FetchDelta(ctx context.Context, table string, since int64, limit int) ([]Record, error) {
	if err := m.enter(ctx, "fetch_delta"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for _, row := range m.tables[table] {
		if row.UpdatedAt > since {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt < out[j].UpdatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FetchOne(ctx context.Context, table, id string) (Record, error) {
	if err := m.enter(ctx, "fetch_one"); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok || row.Deleted {
		return Record{}, &HTTPError{StatusCode: 404, Code: "not_found", Message: fmt.Sprintf("%s/%s not found", table, id)}
	}
	return row, nil
}

// Push stores change unless the server copy moved past change.BaseUpdatedAt.
// Re-sending a change the server already holds returns the original ack.
func (m *Memory) Push(ctx context.Context, table string, change Push) (Ack, error) {
	if err := m.enter(ctx, "push"); err != nil {
		return Ack{}, err
	}
	if change.ID == "" {
		return Ack{}, &HTTPError{StatusCode: 400, Code: "bad_request", Message: "id is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.table(table)
	if cur, ok := rows[change.ID]; ok {
		if cur.Deleted == change.Deleted && (change.Deleted || sameJSON(cur.Payload, change.Payload)) {
			return Ack{UpdatedAt: cur.UpdatedAt}, nil
		}
		if change.BaseUpdatedAt < cur.UpdatedAt {
			return Ack{}, &ConflictError{Table: table, RecordID: change.ID}
		}
	}
	m.clock++
	row := Record{ID: change.ID, UpdatedAt: m.clock, Deleted: change.Deleted}
	if !change.Deleted {
		row.Payload = append(json.RawMessage(nil), change.Payload...)
	}
	rows[change.ID] = row
	return Ack{UpdatedAt: row.UpdatedAt}, nil
}

// Put simulates another client editing a row on the server.
func (m *Memory) Put(table, id string, payload any) (int64, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock++
	m.table(table)[id] = Record{ID: id, Payload: encoded, UpdatedAt: m.clock}
	return m.clock, nil
}

// Remove simulates a server-side deletion.
func (m *Memory) Remove(table, id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock++
	m.table(table)[id] = Record{ID: id, UpdatedAt: m.clock, Deleted: true}
	return m.clock
}

func (m *Memory) Row(table, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	return row, ok
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls returns how many times op ("fetch_delta", "fetch_one" or "push") ran.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *Memory) table(name string) map[string]Record {
	rows, ok := m.tables[name]
	if !ok {
		rows = map[string]Record{}
		m.tables[name] = rows
	}
	return rows
}

func sameJSON(a, b json.RawMessage) bool {
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return false
	}
	l, _ := json.Marshal(left)
	r, _ := json.Marshal(right)
	return string(l) == string(r)
}
