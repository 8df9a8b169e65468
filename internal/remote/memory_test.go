package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

func TestMemoryDeltaIsOrderedAndPaged(t *testing.T) {
	m := NewMemory(nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := m.Put("classes", id, map[string]string{"name": id}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	rows, err := m.FetchDelta(context.Background(), "classes", 0, 2)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "c" || rows[1].ID != "a" {
		t.Fatalf("unexpected first page: %+v", rows)
	}
	rows, _ = m.FetchDelta(context.Background(), "classes", rows[1].UpdatedAt, 2)
	if len(rows) != 1 || rows[0].ID != "b" {
		t.Fatalf("unexpected second page: %+v", rows)
	}
}

func TestMemoryPushRejectsStaleBase(t *testing.T) {
	m := NewMemory(map[string][]Record{
		"entries": {{ID: "e1", Payload: json.RawMessage(`{"dog":"Rex"}`), UpdatedAt: 100}},
	})
	if _, err := m.Push(context.Background(), "entries", Push{ID: "e1", Payload: json.RawMessage(`{"dog":"Fido"}`), BaseUpdatedAt: 90}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for stale base, got %v", err)
	}
	ack, err := m.Push(context.Background(), "entries", Push{ID: "e1", Payload: json.RawMessage(`{"dog":"Fido"}`), BaseUpdatedAt: 100})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if ack.UpdatedAt != 101 {
		t.Fatalf("expected clock to advance to 101, got %d", ack.UpdatedAt)
	}
	again, err := m.Push(context.Background(), "entries", Push{ID: "e1", Payload: json.RawMessage(`{ "dog": "Fido" }`), BaseUpdatedAt: 100})
	if err != nil || again.UpdatedAt != ack.UpdatedAt {
		t.Fatalf("replayed push should return the original ack, got %+v err=%v", again, err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	m := NewMemory(nil)
	m.FailNext(ErrOffline, nil)
	_, err := m.FetchDelta(context.Background(), "classes", 0, 0)
	if !errors.Is(err, syncerr.ErrNetworkUnavailable) {
		t.Fatalf("expected injected offline error, got %v", err)
	}
	if _, err := m.FetchDelta(context.Background(), "classes", 0, 0); err != nil {
		t.Fatalf("nil injection should succeed, got %v", err)
	}
	if m.Calls("fetch_delta") != 2 {
		t.Fatalf("expected 2 calls, got %d", m.Calls("fetch_delta"))
	}
}

func TestMemoryFetchOneMissing(t *testing.T) {
	m := NewMemory(nil)
	m.Remove("classes", "gone")
	_, err := m.FetchOne(context.Background(), "classes", "gone")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}
