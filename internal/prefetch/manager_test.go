package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/trialsync/internal/conflict"
	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/replica"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type page struct {
	ShowID string `json:"showId"`
	Title  string `json:"title"`
}

// orderedSource records the order of FetchOne calls.
type orderedSource struct {
	*remote.Memory
	mu    sync.Mutex
	order []string
}

func (s *orderedSource) FetchOne(ctx context.Context, table, id string) (remote.Record, error) {
	s.mu.Lock()
	s.order = append(s.order, id)
	s.mu.Unlock()
	return s.Memory.FetchOne(ctx, table, id)
}

type fixture struct {
	manager *Manager
	view    *View[page]
	table   *replica.Table[page]
	engine  *conflict.Engine[page]
}

func newFixture(t *testing.T, source remote.Source, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory(0)
	table, err := replica.NewTable[page](store, replica.Options[page]{
		Name:    "pages",
		ScopeOf: func(p page) string { return p.ShowID },
	})
	if err != nil {
		t.Fatalf("new table failed: %v", err)
	}
	engine, err := conflict.NewEngine(ctx, table, store, conflict.Options{})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.Options{MaxRetries: retry.NoRetries})
	}
	if opts.RetryPause == 0 {
		opts.RetryPause = time.Millisecond
	}
	manager, err := NewManager(source, opts)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	if err := manager.Register(coordinator.Bind(engine)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	view, err := NewView(manager, table)
	if err != nil {
		t.Fatalf("new view failed: %v", err)
	}
	return &fixture{manager: manager, view: view, table: table, engine: engine}
}

func startRun(t *testing.T, m *Manager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func awaitFetch(t *testing.T, v *View[page], id string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return v.Await(ctx, id)
}

func TestLookupWarmHitAndColdMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, remote.NewMemory(nil), Options{})
	if _, _, err := f.table.ApplyRemote(ctx, replica.Record[page]{ID: "home", Payload: page{ShowID: "s", Title: "Home"}, UpdatedAtRemote: 4}, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	read, err := f.view.Lookup(ctx, "home", 1)
	if err != nil || read.Kind != WarmHit || read.Record.Payload.Title != "Home" {
		t.Fatalf("expected warm hit, got %+v err=%v", read, err)
	}
	got, err := f.view.Get(ctx, "about", 5)
	if err != nil || got != nil {
		t.Fatalf("cold miss should return nil, got %+v err=%v", got, err)
	}
	if !f.manager.Pending("pages", "about") {
		t.Fatalf("cold miss should queue a fetch")
	}
	if f.manager.Pending("pages", "home") {
		t.Fatalf("warm hit must not queue a fetch")
	}
}

func TestHintNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, remote.NewMemory(nil), Options{})
	if _, err := f.view.Lookup(ctx, "about", 10); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if f.view.Hint("about", 3) {
		t.Fatalf("lower hint must be a no-op")
	}
	if _, err := f.view.Lookup(ctx, "about", 2); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !f.view.Hint("about", 15) {
		t.Fatalf("higher hint should apply")
	}
	stats := f.manager.QueueStats()
	if stats.Size != 1 || *stats.MaxPriority != 15 {
		t.Fatalf("unexpected stats: size=%d max=%v", stats.Size, stats.MaxPriority)
	}
}

func TestRunFetchesByPriority(t *testing.T) {
	ctx := context.Background()
	memory := remote.NewMemory(nil)
	for _, id := range []string{"home", "about", "profile"} {
		if _, err := memory.Put("pages", id, page{ShowID: "s", Title: id}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	source := &orderedSource{Memory: memory}
	f := newFixture(t, source, Options{BatchSize: 1})
	_, _ = f.view.Lookup(ctx, "home", 10)
	_, _ = f.view.Lookup(ctx, "about", 3)
	_, _ = f.view.Lookup(ctx, "profile", 7)
	f.view.Hint("about", 15)

	startRun(t, f.manager)
	if err := awaitFetch(t, f.view, "profile"); err != nil {
		t.Fatalf("await failed: %v", err)
	}
	source.mu.Lock()
	order := append([]string(nil), source.order...)
	source.mu.Unlock()
	if len(order) != 3 || order[0] != "about" || order[1] != "home" || order[2] != "profile" {
		t.Fatalf("unexpected fetch order %v", order)
	}
	read, _ := f.view.Lookup(ctx, "about", 0)
	if read.Kind != WarmHit || read.Record.Dirty {
		t.Fatalf("fetched record should be stored clean: %+v", read)
	}
}

func TestFatalFetchIsDroppedAndReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, remote.NewMemory(nil), Options{})
	if _, err := f.view.Lookup(ctx, "missing", 1); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	startRun(t, f.manager)
	err := awaitFetch(t, f.view, "missing")
	var httpErr *remote.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 404 {
		t.Fatalf("expected 404 delivered to waiter, got %v", err)
	}
	if f.manager.Pending("pages", "missing") {
		t.Fatalf("fatal item must be dropped")
	}
}

func TestTransientFailureRequeues(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	_, _ = source.Put("pages", "home", page{ShowID: "s", Title: "Home"})
	source.FailNext(&remote.HTTPError{StatusCode: 503})
	f := newFixture(t, source, Options{})
	_, _ = f.view.Lookup(ctx, "home", 1)

	startRun(t, f.manager)
	if err := awaitFetch(t, f.view, "home"); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if source.Calls("fetch_one") != 2 {
		t.Fatalf("expected the item to be fetched twice, got %d", source.Calls("fetch_one"))
	}
}

func TestCancelDuringBackoffStopsPromptly(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	_, _ = source.Put("pages", "home", page{ShowID: "s", Title: "Home"})
	source.FailNext(&remote.HTTPError{StatusCode: 503})
	exec := retry.New(retry.Options{MaxRetries: 3, BaseDelay: 2 * time.Second})
	f := newFixture(t, source, Options{Executor: exec})
	_, _ = f.view.Lookup(ctx, "home", 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for source.Calls("fetch_one") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first fetch never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	cancelled := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run kept sleeping through the backoff after cancel")
	}
	if waited := time.Since(cancelled); waited > 500*time.Millisecond {
		t.Fatalf("run returned %v after cancel", waited)
	}
	if calls := source.Calls("fetch_one"); calls != 1 {
		t.Fatalf("no fetch may start after cancel, got %d calls", calls)
	}
	if !f.manager.Pending("pages", "home") {
		t.Fatalf("interrupted fetch should stay queued for the next run")
	}
}

func TestOfflinePausesDrainWithoutDroppingItems(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	_, _ = source.Put("pages", "home", page{ShowID: "s", Title: "Home"})
	monitor := connectivity.NewMonitor(false)
	f := newFixture(t, source, Options{Signal: monitor})
	_, _ = f.view.Lookup(ctx, "home", 1)

	startRun(t, f.manager)
	time.Sleep(30 * time.Millisecond)
	if source.Calls("fetch_one") != 0 {
		t.Fatalf("drain must not fetch while offline")
	}
	if !f.manager.Pending("pages", "home") {
		t.Fatalf("queued item lost while offline")
	}
	monitor.Set(true)
	if err := awaitFetch(t, f.view, "home"); err != nil {
		t.Fatalf("await after reconnect failed: %v", err)
	}
	if rec, _ := f.table.Get(ctx, "home"); rec == nil {
		t.Fatalf("record not stored after reconnect")
	}
}

func TestFetchIntoDirtyTombstoneRaisesConflict(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	f := newFixture(t, source, Options{})
	if _, _, err := f.table.ApplyRemote(ctx, replica.Record[page]{ID: "home", Payload: page{ShowID: "s", Title: "Home"}, UpdatedAtRemote: 1}, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "home", page{ShowID: "s", Title: "Home v2"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	if err := f.table.Delete(ctx, "home"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, _ = source.Put("pages", "about", page{ShowID: "s", Title: "About"})
	if ts, _ := source.Put("pages", "home", page{ShowID: "s", Title: "Home (remote)"}); ts != 2 {
		t.Fatalf("unexpected remote timestamp %d", ts)
	}

	view, err := f.manager.Request(ctx, "pages", "home", 1)
	if err != nil || view != nil {
		t.Fatalf("tombstone should read as a miss, got %+v err=%v", view, err)
	}
	startRun(t, f.manager)
	if err := awaitFetch(t, f.view, "home"); err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if len(f.engine.ListPending()) != 1 {
		t.Fatalf("expected the fetch to surface a conflict")
	}
	rec, _ := f.table.Lookup(ctx, "home")
	if rec == nil || !rec.Deleted || !rec.Dirty {
		t.Fatalf("local tombstone must be kept: %+v", rec)
	}
}

func TestClearCacheAndUndo(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, remote.NewMemory(nil), Options{UndoWindow: time.Minute, Now: func() time.Time { return now }})
	if _, _, err := f.table.ApplyRemote(ctx, replica.Record[page]{ID: "clean", Payload: page{ShowID: "s", Title: "Clean"}, UpdatedAtRemote: 1}, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "dirty", page{ShowID: "s", Title: "Dirty"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}

	cleared, err := f.manager.ClearCache(ctx, "")
	if err != nil || cleared != 1 {
		t.Fatalf("expected one cleared record, got %d err=%v", cleared, err)
	}
	if rec, _ := f.table.Get(ctx, "clean"); rec != nil {
		t.Fatalf("clean record should be cleared")
	}
	if rec, _ := f.table.Get(ctx, "dirty"); rec == nil {
		t.Fatalf("dirty record must survive a cache clear")
	}
	if f.manager.Snapshot() == nil {
		t.Fatalf("expected a live snapshot")
	}

	restored, err := f.manager.Undo(ctx)
	if err != nil || restored != 1 {
		t.Fatalf("expected one restored record, got %d err=%v", restored, err)
	}
	if rec, _ := f.table.Get(ctx, "clean"); rec == nil || rec.Payload.Title != "Clean" {
		t.Fatalf("record not restored: %+v", rec)
	}
	if _, err := f.manager.Undo(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected no snapshot, got %v", err)
	}

	if _, err := f.manager.ClearCache(ctx, "s"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := f.manager.Undo(ctx); !errors.Is(err, ErrSnapshotExpired) || !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected expired snapshot, got %v", err)
	}
}
