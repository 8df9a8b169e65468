package prioqueue

import (
	"math/rand"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func keys[T any](items []Item[T]) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Key)
	}
	return out
}

func TestUpdatePriorityIfHigherThenDequeue(t *testing.T) {
	q := NewWithClock[string](fixedClock())
	q.Push("home", "", 10)
	q.Push("about", "", 3)
	q.Push("profile", "", 7)

	if !q.UpdatePriorityIfHigher("about", 15) {
		t.Fatalf("expected priority raise to succeed")
	}
	got := keys(q.DequeueN(2))
	if len(got) != 2 || got[0] != "about" || got[1] != "home" {
		t.Fatalf("unexpected dequeue order: %v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one remaining item, got %d", q.Len())
	}
}

func TestUpdatePriorityIfHigherNeverDowngrades(t *testing.T) {
	q := New[int]()
	q.Push("a", 1, 8)
	if q.UpdatePriorityIfHigher("a", 8) {
		t.Fatalf("equal priority must be a no-op")
	}
	if q.UpdatePriorityIfHigher("a", 2) {
		t.Fatalf("lower priority must be a no-op")
	}
	item, ok := q.Find("a")
	if !ok || item.Priority != 8 {
		t.Fatalf("expected priority 8, got %+v", item)
	}
	if q.UpdatePriorityIfHigher("missing", 100) {
		t.Fatalf("missing key must return false")
	}
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	q := New[string]()
	if !q.Push("k", "first", 1) {
		t.Fatalf("first insert failed")
	}
	if q.Push("k", "second", 9) {
		t.Fatalf("duplicate insert should return false")
	}
	item, _ := q.Find("k")
	if item.Payload != "first" || item.Priority != 1 || q.Len() != 1 {
		t.Fatalf("duplicate insert mutated queue: %+v", item)
	}
}

func TestTiesKeepEnqueueOrder(t *testing.T) {
	q := NewWithClock[int](fixedClock())
	for i, key := range []string{"a", "b", "c", "d"} {
		q.Push(key, i, 5)
	}
	q.Push("top", 0, 6)
	q.UpdatePriority("b", 5)

	got := keys(q.Items())
	want := []string{"top", "a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: got %v want %v", got, want)
		}
	}
}

func TestEarlierEnqueuedAtWinsTie(t *testing.T) {
	q := New[int]()
	now := time.Now()
	q.Insert(Item[int]{Key: "late", Priority: 1, EnqueuedAt: now})
	q.Insert(Item[int]{Key: "early", Priority: 1, EnqueuedAt: now.Add(-time.Minute)})
	got := keys(q.Items())
	if got[0] != "early" {
		t.Fatalf("expected earlier item first, got %v", got)
	}
}

func TestQueueStaysSortedUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := NewWithClock[int](fixedClock())
	for i := 0; i < 400; i++ {
		key := string(rune('a' + rng.Intn(26)))
		if rng.Intn(3) == 0 {
			q.UpdatePriority(key, rng.Intn(10))
		} else {
			q.Push(key, i, rng.Intn(10))
		}
		items := q.Items()
		for j := 1; j < len(items); j++ {
			prev, cur := items[j-1], items[j]
			if prev.Priority < cur.Priority {
				t.Fatalf("queue not sorted by priority at step %d: %v", i, items)
			}
			if prev.Priority == cur.Priority && prev.seq > cur.seq {
				t.Fatalf("tie not resolved by enqueue order at step %d", i)
			}
		}
		if rng.Intn(10) == 0 {
			before := q.Len()
			n := rng.Intn(4)
			out := q.DequeueN(n)
			want := n
			if before < n {
				want = before
			}
			if len(out) != want || q.Len() != before-want {
				t.Fatalf("DequeueN(%d) on %d items returned %d, left %d", n, before, len(out), q.Len())
			}
		}
	}
}

func TestDequeueNBounds(t *testing.T) {
	q := New[int]()
	if got := q.DequeueN(3); len(got) != 0 {
		t.Fatalf("empty queue returned %d items", len(got))
	}
	q.Push("a", 1, 1)
	if got := q.DequeueN(-1); got != nil {
		t.Fatalf("negative n should return nil")
	}
	if got := q.DequeueN(10); len(got) != 1 || q.Len() != 0 {
		t.Fatalf("expected single item, got %d (len=%d)", len(got), q.Len())
	}
}

func TestRemoveAndHasKey(t *testing.T) {
	q := New[int]()
	q.Push("a", 1, 1)
	q.Push("b", 2, 2)
	if !q.HasKey("a") || !q.Remove("a") || q.HasKey("a") {
		t.Fatalf("remove did not drop key")
	}
	if q.Remove("a") {
		t.Fatalf("second remove should return false")
	}
}

func TestStats(t *testing.T) {
	q := New[int]()
	empty := q.Stats()
	if empty.Size != 0 || empty.MinPriority != nil || empty.MaxPriority != nil || empty.AveragePriority != nil || empty.Oldest != nil || empty.Newest != nil {
		t.Fatalf("expected null-bearing stats, got %+v", empty)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Insert(Item[int]{Key: "a", Priority: 2, EnqueuedAt: start})
	q.Insert(Item[int]{Key: "b", Priority: 10, EnqueuedAt: start.Add(time.Hour)})
	q.Insert(Item[int]{Key: "c", Priority: 6, EnqueuedAt: start.Add(time.Minute)})
	stats := q.Stats()
	if stats.Size != 3 || *stats.MinPriority != 2 || *stats.MaxPriority != 10 || *stats.AveragePriority != 6 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.Oldest.Equal(start) || !stats.Newest.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps: %v %v", stats.Oldest, stats.Newest)
	}
}
