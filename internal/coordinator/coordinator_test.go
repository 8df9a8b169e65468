package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/trialsync/internal/conflict"
	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/metrics"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/replica"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type class struct {
	ShowID string `json:"showId"`
	Name   string `json:"name"`
	Judge  string `json:"judge,omitempty"`
}

type fixture struct {
	coord  *Coordinator
	source *remote.Memory
	table  *replica.Table[class]
	engine *conflict.Engine[class]
}

func newFixture(t *testing.T, source *remote.Memory, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory(0)
	table, err := replica.NewTable[class](store, replica.Options[class]{
		Name:    "classes",
		ScopeOf: func(c class) string { return c.ShowID },
	})
	if err != nil {
		t.Fatalf("new table failed: %v", err)
	}
	engine, err := conflict.NewEngine(ctx, table, store, conflict.Options{})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond},
			retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	}
	coord, err := New(source, opts)
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	if err := coord.Register(Bind(engine)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return &fixture{coord: coord, source: source, table: table, engine: engine}
}

func seedClass(id string, c class, updatedAt int64) remote.Record {
	payload, _ := json.Marshal(c)
	return remote.Record{ID: id, Payload: payload, UpdatedAt: updatedAt}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPullAppliesPagesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {
			seedClass("c1", class{ShowID: "spring", Name: "Agility 1"}, 10),
			seedClass("c2", class{ShowID: "spring", Name: "Agility 2"}, 11),
			seedClass("c3", class{ShowID: "autumn", Name: "Jumping"}, 12),
		},
	})
	f := newFixture(t, source, Options{PageSize: 2})

	result, err := f.coord.Pull(ctx, "classes")
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if result.Fetched != 3 || result.Applied != 3 || result.Cursor != 12 {
		t.Fatalf("unexpected pull result: %+v", result)
	}
	if source.Calls("fetch_delta") != 2 {
		t.Fatalf("expected two pages, got %d fetches", source.Calls("fetch_delta"))
	}
	rec, _ := f.table.Get(ctx, "c3")
	if rec == nil || rec.Dirty || rec.UpdatedAtRemote != 12 || rec.Scope != "autumn" {
		t.Fatalf("unexpected pulled record: %+v", rec)
	}
	cursor, _ := f.table.Cursor(ctx)
	if cursor != 12 {
		t.Fatalf("expected cursor 12, got %d", cursor)
	}
}

func TestPullFailureLeavesCursor(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {seedClass("c1", class{ShowID: "spring", Name: "Agility 1"}, 10)},
	})
	f := newFixture(t, source, Options{})
	source.FailNext(&remote.HTTPError{StatusCode: 400, Message: "bad cursor"})

	if _, err := f.coord.Pull(ctx, "classes"); err == nil {
		t.Fatalf("expected pull error")
	}
	cursor, _ := f.table.Cursor(ctx)
	if cursor != 0 {
		t.Fatalf("cursor moved after failed pull: %d", cursor)
	}
	status, _ := f.coord.Status(ctx)
	if status.Tables[0].LastError == "" {
		t.Fatalf("expected last error in status")
	}
}

func TestUndecodableRowIsRejectedAndSkipped(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {
			seedClass("c1", class{ShowID: "spring", Name: "Agility 1"}, 10),
			{ID: "c2", Payload: json.RawMessage(`"not an object"`), UpdatedAt: 11},
			seedClass("c3", class{ShowID: "spring", Name: "Jumping"}, 12),
		},
	})
	f := newFixture(t, source, Options{})

	result, err := f.coord.Pull(ctx, "classes")
	if !errors.Is(err, syncerr.ErrClient) {
		t.Fatalf("expected the decode failure to surface as a client error, got %v", err)
	}
	if result.Applied != 2 || result.Rejected != 1 || result.Cursor != 12 {
		t.Fatalf("unexpected pull result: %+v", result)
	}
	if rec, _ := f.table.Get(ctx, "c3"); rec == nil || rec.Payload.Name != "Jumping" {
		t.Fatalf("row after the rejected one was not applied: %+v", rec)
	}
	if rec, _ := f.table.Get(ctx, "c2"); rec != nil {
		t.Fatalf("rejected row must not be stored, got %+v", rec)
	}
	rejected, err := f.coord.Rejected(ctx)
	if err != nil {
		t.Fatalf("list rejected failed: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Table != "classes" || rejected[0].ID != "c2" || rejected[0].UpdatedAtRemote != 11 {
		t.Fatalf("unexpected rejected rows: %+v", rejected)
	}

	result, err = f.coord.Pull(ctx, "classes")
	if err != nil || result.Fetched != 0 {
		t.Fatalf("next pull should start after the rejected row, got %+v err=%v", result, err)
	}
	status, _ := f.coord.Status(ctx)
	if status.Tables[0].Rejected != 1 || status.Tables[0].LastError != "" || status.Tables[0].Cursor != 12 {
		t.Fatalf("unexpected status: %+v", status.Tables[0])
	}

	if _, err := source.Put("classes", "c2", class{ShowID: "spring", Name: "Agility 2"}); err != nil {
		t.Fatalf("remote fix failed: %v", err)
	}
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("pull of the corrected row failed: %v", err)
	}
	if rec, _ := f.table.Get(ctx, "c2"); rec == nil || rec.Payload.Name != "Agility 2" {
		t.Fatalf("corrected row not applied: %+v", rec)
	}
	if rejected, _ := f.coord.Rejected(ctx); len(rejected) != 0 {
		t.Fatalf("a newer version should clear the rejection, got %+v", rejected)
	}
	b, _ := f.coord.Binding("classes")
	if err := b.DismissRejected(ctx, "c2"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("dismissing a cleared rejection should be not found, got %v", err)
	}
}

func TestDismissRejected(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {{ID: "c9", Payload: json.RawMessage(`[1,2]`), UpdatedAt: 5}},
	})
	f := newFixture(t, source, Options{})
	if _, err := f.coord.Pull(ctx, "classes"); err == nil {
		t.Fatalf("expected a client error")
	}
	b, _ := f.coord.Binding("classes")
	if err := b.DismissRejected(ctx, "c9"); err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}
	if rejected, _ := b.Rejected(ctx); len(rejected) != 0 {
		t.Fatalf("expected no rejected rows after dismiss, got %+v", rejected)
	}
}

func TestConcurrentEditSurfacesConflictThenRemoteWins(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {seedClass("5", class{ShowID: "spring", Name: "A0"}, 100)},
	})
	f := newFixture(t, source, Options{})
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("initial pull failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "5", class{ShowID: "spring", Name: "A"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	remoteTS, _ := source.Put("classes", "5", class{ShowID: "spring", Name: "B"})

	result, err := f.coord.Pull(ctx, "classes")
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected one conflict, got %+v", result)
	}
	rec, _ := f.table.Get(ctx, "5")
	if rec.Payload.Name != "A" || !rec.Dirty {
		t.Fatalf("local dirty copy must survive the pull: %+v", rec)
	}
	conflicts := f.coord.Conflicts()
	if len(conflicts) != 1 || conflicts[0].RemoteTimestamp != remoteTS || conflicts[0].Status != conflict.StatusPending {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}

	b, _ := f.coord.Binding("classes")
	if err := b.Resolve(ctx, conflicts[0].ID, "remote", nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	rec, _ = f.table.Get(ctx, "5")
	if rec.Payload.Name != "B" || rec.Dirty {
		t.Fatalf("expected remote payload clean, got %+v", rec)
	}
	if err := b.Resolve(ctx, conflicts[0].ID, "local", nil); !errors.Is(err, syncerr.ErrInvalidTransition) {
		t.Fatalf("second resolve should be an invalid transition, got %v", err)
	}

	if err := f.table.SetCursor(ctx, 0); err != nil {
		t.Fatalf("reset cursor failed: %v", err)
	}
	result, err = f.coord.Pull(ctx, "classes")
	if err != nil || result.Conflicts != 0 {
		t.Fatalf("re-detecting after resolve must not conflict: %+v err=%v", result, err)
	}
}

func TestPullSkipsStaleEchoOfDirtyRecord(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {seedClass("c1", class{ShowID: "spring", Name: "Agility"}, 100)},
	})
	f := newFixture(t, source, Options{})
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "c1", class{ShowID: "spring", Name: "Agility Novice"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	_ = f.table.SetCursor(ctx, 0)

	result, err := f.coord.Pull(ctx, "classes")
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if result.Stale != 1 || result.Conflicts != 0 {
		t.Fatalf("expected stale echo, got %+v", result)
	}
	rec, _ := f.table.Get(ctx, "c1")
	if rec.Payload.Name != "Agility Novice" || !rec.Dirty {
		t.Fatalf("stale echo overwrote local edit: %+v", rec)
	}
}

func TestPushAcksAndKeepsFailuresDirty(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	f := newFixture(t, source, Options{})
	for _, id := range []string{"a", "b"} {
		if _, err := f.table.Upsert(ctx, id, class{ShowID: "spring", Name: id}, replica.Local); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	source.FailNext(&remote.HTTPError{StatusCode: 422, Message: "judge missing"})

	result, err := f.coord.Push(ctx, "classes")
	if err == nil {
		t.Fatalf("expected push error to be surfaced")
	}
	if result.Pushed != 1 || result.Failed != 1 {
		t.Fatalf("unexpected push result: %+v", result)
	}
	failed, _ := f.table.Get(ctx, "a")
	if !failed.Dirty || failed.SyncError == "" {
		t.Fatalf("failed record must stay dirty with its error: %+v", failed)
	}
	pushed, _ := f.table.Get(ctx, "b")
	row, _ := source.Row("classes", "b")
	if pushed.Dirty || pushed.UpdatedAtRemote != row.UpdatedAt {
		t.Fatalf("pushed record not acknowledged: %+v (server %+v)", pushed, row)
	}

	if _, err := f.coord.Push(ctx, "classes"); err != nil {
		t.Fatalf("second push failed: %v", err)
	}
	failed, _ = f.table.Get(ctx, "a")
	if failed.Dirty || failed.SyncError != "" {
		t.Fatalf("record should sync on the next cycle: %+v", failed)
	}
}

func TestPushRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(nil)
	m := metrics.New(nil)
	f := newFixture(t, source, Options{Metrics: m})
	if _, err := f.table.Upsert(ctx, "a", class{ShowID: "spring", Name: "a"}, replica.Local); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	source.FailNext(&remote.HTTPError{StatusCode: 503})

	result, err := f.coord.Push(ctx, "classes")
	if err != nil || result.Pushed != 1 {
		t.Fatalf("expected push to recover, got %+v err=%v", result, err)
	}
	if source.Calls("push") != 2 {
		t.Fatalf("expected one retry, got %d calls", source.Calls("push"))
	}
}

func TestRejectedPushRepullsAndHoldsRecord(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {seedClass("c1", class{ShowID: "spring", Name: "Agility"}, 100)},
	})
	f := newFixture(t, source, Options{})
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "c1", class{ShowID: "spring", Name: "Agility Open"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	if _, err := source.Put("classes", "c1", class{ShowID: "spring", Name: "Agility Masters"}); err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}

	result, err := f.coord.Push(ctx, "classes")
	if err != nil {
		t.Fatalf("revision conflict is not a push failure: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected rejected push, got %+v", result)
	}
	if len(f.engine.ListPending()) != 1 {
		t.Fatalf("re-pull should surface the conflict")
	}

	pushes := source.Calls("push")
	result, err = f.coord.Push(ctx, "classes")
	if err != nil || result.Pushed != 0 || source.Calls("push") != pushes {
		t.Fatalf("record with a pending conflict must not be pushed: %+v err=%v", result, err)
	}
}

func TestAutoResolveMergesDisjointEdits(t *testing.T) {
	ctx := context.Background()
	source := remote.NewMemory(map[string][]remote.Record{
		"classes": {seedClass("c1", class{ShowID: "spring", Name: "Agility", Judge: "Smith"}, 100)},
	})
	f := newFixture(t, source, Options{})
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if _, err := f.table.Upsert(ctx, "c1", class{ShowID: "spring", Name: "Agility Open", Judge: "Smith"}, replica.Local); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	_, _ = source.Put("classes", "c1", class{ShowID: "spring", Name: "Agility", Judge: "Jones"})
	if _, err := f.coord.Pull(ctx, "classes"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	conflicts := f.coord.Conflicts()
	if len(conflicts) != 1 || !conflicts[0].Mergeable {
		t.Fatalf("expected one mergeable conflict, got %+v", conflicts)
	}
	b, _ := f.coord.Binding("classes")
	merged, err := b.AutoResolve(ctx, conflicts[0].ID)
	if err != nil || !merged {
		t.Fatalf("auto resolve failed: merged=%v err=%v", merged, err)
	}
	if _, err := f.coord.Push(ctx, "classes"); err != nil {
		t.Fatalf("push of merged record failed: %v", err)
	}
	row, _ := source.Row("classes", "c1")
	var got class
	_ = json.Unmarshal(row.Payload, &got)
	if got.Name != "Agility Open" || got.Judge != "Jones" {
		t.Fatalf("server did not receive merged payload: %+v", got)
	}
}

func TestRunWaitsForConnectivity(t *testing.T) {
	source := remote.NewMemory(nil)
	monitor := connectivity.NewMonitor(false)
	f := newFixture(t, source, Options{Signal: monitor, Interval: time.Hour})
	if _, err := f.table.Upsert(context.Background(), "a", class{ShowID: "spring", Name: "a"}, replica.Local); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if source.Calls("push") != 0 {
		t.Fatalf("no push may start while offline")
	}
	monitor.Set(true)
	eventually(t, "record synced after reconnect", func() bool {
		rec, _ := f.table.Get(context.Background(), "a")
		return rec != nil && !rec.Dirty
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestTriggerWakesRun(t *testing.T) {
	source := remote.NewMemory(nil)
	f := newFixture(t, source, Options{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.coord.Run(ctx) }()

	eventually(t, "initial cycle", func() bool { return source.Calls("fetch_delta") >= 1 })
	_, _ = source.Put("classes", "c9", class{ShowID: "spring", Name: "Rally"})
	f.coord.Trigger("classes")
	eventually(t, "triggered pull", func() bool {
		rec, _ := f.table.Get(context.Background(), "c9")
		return rec != nil
	})
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t, remote.NewMemory(nil), Options{})
	b, _ := f.coord.Binding("classes")
	if err := f.coord.Register(b); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := f.coord.Pull(context.Background(), "missing"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found for unknown table, got %v", err)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
