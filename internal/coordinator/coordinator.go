// Package coordinator drives the pull and push cycles of every bound table.
//
// A pull fetches the server's changes after the table's cursor and routes
// each one through conflict detection; the cursor only moves once a whole
// page is stored. A row that cannot be decoded is recorded as rejected and
// skipped so the rest of the table keeps replicating. A push sends every dirty record that is not waiting on a
// conflict decision; failed records stay dirty for the next cycle. Cycles of
// the same table never overlap.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/metrics"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

const (
	DefaultPageSize = 200
	DefaultInterval = 30 * time.Second
)

type Options struct {
	Executor       *retry.Executor
	Signal         connectivity.Signal
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	PageSize       int
	Interval       time.Duration
	IntervalJitter float64
	Now            func() time.Time
}

type PullResult struct {
	Table     string `json:"table"`
	Fetched   int    `json:"fetched"`
	Applied   int    `json:"applied"`
	Stale     int    `json:"stale"`
	Conflicts int    `json:"conflicts"`
	Settled   int    `json:"settled"`
	Rejected  int    `json:"rejected"`
	Cursor    int64  `json:"cursor"`
}

type PushResult struct {
	Table     string `json:"table"`
	Pushed    int    `json:"pushed"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
}

type TableStatus struct {
	Table            string    `json:"table"`
	Cursor           int64     `json:"cursor"`
	Dirty            int       `json:"dirty"`
	PendingConflicts int       `json:"pendingConflicts"`
	Rejected         int       `json:"rejected"`
	LastPull         time.Time `json:"lastPull,omitempty"`
	LastPush         time.Time `json:"lastPush,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
}

type Status struct {
	Online bool          `json:"online"`
	Tables []TableStatus `json:"tables"`
}

type tableState struct {
	binding Binding
	cycle   sync.Mutex

	// guarded by Coordinator.mu
	lastPull  time.Time
	lastPush  time.Time
	lastError string
}

type Coordinator struct {
	source   remote.Source
	exec     *retry.Executor
	signal   connectivity.Signal
	metrics  *metrics.Metrics
	logger   *slog.Logger
	pageSize int
	interval time.Duration
	jitter   float64
	now      func() time.Time

	mu      sync.Mutex
	tables  map[string]*tableState
	order   []string
	pending map[string]bool
	wake    chan struct{}
}

func New(source remote.Source, opts Options) (*Coordinator, error) {
	if source == nil {
		return nil, fmt.Errorf("remote source is required")
	}
	c := &Coordinator{
		source:   source,
		signal:   opts.Signal,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		pageSize: opts.PageSize,
		interval: opts.Interval,
		jitter:   clampJitterRatio(opts.IntervalJitter),
		now:      opts.Now,
		tables:   map[string]*tableState{},
		pending:  map[string]bool{},
		wake:     make(chan struct{}, 1),
	}
	if c.signal == nil {
		c.signal = connectivity.Always{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	exec := opts.Executor
	if exec == nil {
		exec = retry.New(retry.Options{}, retry.WithLogger(c.logger))
	}
	c.exec = exec.With(retry.Options{ShouldRetry: retry.UnlessOffline(c.signal.IsOnline, exec.Options().ShouldRetry)})
	return c, nil
}

// Register adds a table. Names must be unique.
func (c *Coordinator) Register(b Binding) error {
	if b == nil {
		return fmt.Errorf("binding is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[b.Name()]; exists {
		return fmt.Errorf("table %q already registered", b.Name())
	}
	c.tables[b.Name()] = &tableState{binding: b}
	c.order = append(c.order, b.Name())
	return nil
}

func (c *Coordinator) Binding(table string) (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.tables[table]
	if !ok {
		return nil, false
	}
	return state.binding, true
}

// Bindings returns the registered tables in registration order.
func (c *Coordinator) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Binding, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tables[name].binding)
	}
	return out
}

func (c *Coordinator) Pull(ctx context.Context, table string) (PullResult, error) {
	state, err := c.state(table)
	if err != nil {
		return PullResult{Table: table}, err
	}
	state.cycle.Lock()
	defer state.cycle.Unlock()
	return c.pullLocked(ctx, state)
}

func (c *Coordinator) Push(ctx context.Context, table string) (PushResult, error) {
	state, err := c.state(table)
	if err != nil {
		return PushResult{Table: table}, err
	}
	state.cycle.Lock()
	defer state.cycle.Unlock()
	result, conflicted, err := c.pushLocked(ctx, state)
	if conflicted && ctx.Err() == nil {
		// the server moved past our base; pull now so the conflict surfaces
		if _, pullErr := c.pullLocked(ctx, state); pullErr != nil {
			err = errors.Join(err, pullErr)
		}
	}
	return result, err
}

func (c *Coordinator) PullAll(ctx context.Context) ([]PullResult, error) {
	var results []PullResult
	var errs []error
	for _, b := range c.Bindings() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := c.Pull(ctx, b.Name())
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (c *Coordinator) PushAll(ctx context.Context) ([]PushResult, error) {
	var results []PushResult
	var errs []error
	for _, b := range c.Bindings() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := c.Push(ctx, b.Name())
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// SyncOnce pushes then pulls every table.
func (c *Coordinator) SyncOnce(ctx context.Context) error {
	_, pushErr := c.PushAll(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, pullErr := c.PullAll(ctx)
	return errors.Join(pushErr, pullErr)
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	out := Status{Online: c.signal.IsOnline()}
	c.mu.Lock()
	states := make([]*tableState, 0, len(c.order))
	for _, name := range c.order {
		states = append(states, c.tables[name])
	}
	c.mu.Unlock()

	for _, state := range states {
		b := state.binding
		cursor, err := b.Cursor(ctx)
		if err != nil {
			return out, err
		}
		dirty, err := b.DirtyCount(ctx)
		if err != nil {
			return out, err
		}
		rejected, err := b.Rejected(ctx)
		if err != nil {
			return out, err
		}
		c.mu.Lock()
		ts := TableStatus{
			Table:            b.Name(),
			Cursor:           cursor,
			Dirty:            dirty,
			PendingConflicts: len(b.Conflicts()),
			Rejected:         len(rejected),
			LastPull:         state.lastPull,
			LastPush:         state.lastPush,
			LastError:        state.lastError,
		}
		c.mu.Unlock()
		out.Tables = append(out.Tables, ts)
	}
	return out, nil
}

// Conflicts lists pending conflicts across tables, oldest first.
func (c *Coordinator) Conflicts() []ConflictView {
	var out []ConflictView
	for _, b := range c.Bindings() {
		out = append(out, b.Conflicts()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Rejected lists the server rows every table refused, by table then id.
func (c *Coordinator) Rejected(ctx context.Context) ([]RejectedView, error) {
	var out []RejectedView
	for _, b := range c.Bindings() {
		rejected, err := b.Rejected(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, rejected...)
	}
	return out, nil
}

// Trigger asks Run to sync table before the next tick. An empty table
// syncs everything.
func (c *Coordinator) Trigger(table string) {
	c.mu.Lock()
	c.pending[table] = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) pullLocked(ctx context.Context, state *tableState) (PullResult, error) {
	b := state.binding
	name := b.Name()
	result := PullResult{Table: name}
	started := c.now()
	defer func() { c.metrics.ObserveCycle(name, "pull", c.now().Sub(started)) }()

	cursor, err := b.Cursor(ctx)
	if err != nil {
		return result, c.finish(state, true, err)
	}
	result.Cursor = cursor
	exec := c.exec.With(retry.Options{OnRetry: func(int, error) { c.metrics.ObserveRetry("pull") }})
	var rejected []error
	for {
		since := cursor
		page, err := retry.Do(ctx, exec, func(ctx context.Context) ([]remote.Record, error) {
			return c.source.FetchDelta(ctx, name, since, c.pageSize)
		})
		if err != nil {
			c.metrics.ObservePulled(name, metrics.OutcomeFailure)
			return result, c.finish(state, true, fmt.Errorf("pull %s: %w", name, err))
		}
		result.Fetched += len(page)
		next := cursor
		for _, rec := range page {
			outcome, err := b.ApplyRemote(ctx, rec)
			if err != nil && outcome != OutcomeRejected {
				c.metrics.ObservePulled(name, metrics.OutcomeFailure)
				return result, c.finish(state, true, fmt.Errorf("apply %s/%s: %w", name, rec.ID, err))
			}
			switch outcome {
			case OutcomeRejected:
				result.Rejected++
				c.metrics.ObservePulled(name, metrics.OutcomeRejected)
				rejected = append(rejected, fmt.Errorf("apply %s/%s: %w", name, rec.ID, err))
			case OutcomeApplied:
				result.Applied++
				c.metrics.ObservePulled(name, metrics.OutcomeSuccess)
			case OutcomeStale:
				result.Stale++
			case OutcomeConflict:
				result.Conflicts++
				c.metrics.ObservePulled(name, metrics.OutcomeConflict)
			case OutcomeSettled:
				result.Settled++
			}
			if rec.UpdatedAt > next {
				next = rec.UpdatedAt
			}
		}
		if next > cursor {
			if err := b.SetCursor(ctx, next); err != nil {
				return result, c.finish(state, true, err)
			}
			cursor = next
			result.Cursor = cursor
		}
		if len(page) < c.pageSize || next == since {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, c.finish(state, true, err)
		}
	}
	c.metrics.SetPendingConflicts(name, len(b.Conflicts()))
	if result.Conflicts > 0 {
		c.logger.Info("pull surfaced conflicts", "table", name, "conflicts", result.Conflicts)
	}
	if result.Rejected > 0 {
		c.logger.Warn("pull rejected records", "table", name, "rejected", result.Rejected)
	}
	c.logger.Debug("pull finished", "table", name, "fetched", result.Fetched, "applied", result.Applied, "cursor", result.Cursor)
	return result, c.finish(state, true, errors.Join(rejected...))
}

// pushLocked reports whether any push was rejected as a revision conflict.
func (c *Coordinator) pushLocked(ctx context.Context, state *tableState) (PushResult, bool, error) {
	b := state.binding
	name := b.Name()
	result := PushResult{Table: name}
	started := c.now()
	defer func() { c.metrics.ObserveCycle(name, "push", c.now().Sub(started)) }()

	candidates, err := b.PushCandidates(ctx)
	if err != nil {
		return result, false, c.finish(state, false, err)
	}
	exec := c.exec.With(retry.Options{OnRetry: func(int, error) { c.metrics.ObserveRetry("push") }})
	var errs []error
	conflicted := false
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		change := candidate.Change
		ack, err := retry.Do(ctx, exec, func(ctx context.Context) (remote.Ack, error) {
			return c.source.Push(ctx, name, change)
		})
		if err != nil {
			if errors.Is(err, remote.ErrConflict) {
				conflicted = true
				result.Conflicts++
				c.metrics.ObservePushed(name, metrics.OutcomeConflict)
			} else {
				result.Failed++
				c.metrics.ObservePushed(name, metrics.OutcomeFailure)
				errs = append(errs, fmt.Errorf("push %s/%s: %w", name, change.ID, err))
			}
			if markErr := b.FailPush(ctx, candidate, err); markErr != nil {
				errs = append(errs, markErr)
			}
			c.logger.Warn("push failed", "table", name, "record", change.ID, "kind", syncerr.KindOf(err).String(), "error", err)
			continue
		}
		if err := b.AckPush(ctx, candidate, ack); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Pushed++
		c.metrics.ObservePushed(name, metrics.OutcomeSuccess)
	}
	c.logger.Debug("push finished", "table", name, "pushed", result.Pushed, "failed", result.Failed, "conflicts", result.Conflicts)
	return result, conflicted, c.finish(state, false, errors.Join(errs...))
}

func (c *Coordinator) finish(state *tableState, pull bool, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pull {
		state.lastPull = c.now()
	} else {
		state.lastPush = c.now()
	}
	if err != nil {
		state.lastError = err.Error()
	} else {
		state.lastError = ""
	}
	return err
}

func (c *Coordinator) state(table string) (*tableState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.tables[table]
	if !ok {
		return nil, syncerr.New(syncerr.KindNotFound, "table "+table, errors.New("table is not registered"))
	}
	return state, nil
}
