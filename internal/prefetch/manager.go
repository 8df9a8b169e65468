// Package prefetch serves reads from the local replica and fills the gaps in
// the background.
//
// A read that finds the record locally returns it at once, stale or not. A
// read that misses queues a fetch at the caller's priority and returns
// nothing; the drain loop fetches queued records in priority order and
// stores them through the table's binding, so a dirty local copy still goes
// through conflict detection.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/metrics"
	"github.com/agentworkforce/trialsync/internal/prioqueue"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

const (
	DefaultBatchSize  = 8
	DefaultUndoWindow = 30 * time.Second
	DefaultRetryPause = 5 * time.Second
)

type Options struct {
	Executor  *retry.Executor
	Signal    connectivity.Signal
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	BatchSize int
	// UndoWindow is how long ClearCache can be undone.
	UndoWindow time.Duration
	// RetryPause is the wait after a batch whose fetches all failed with
	// transient errors and were queued again.
	RetryPause time.Duration
	Now        func() time.Time
}

type fetchJob struct {
	table string
	id    string
}

type Manager struct {
	source     remote.Source
	exec       *retry.Executor
	signal     connectivity.Signal
	metrics    *metrics.Metrics
	logger     *slog.Logger
	batchSize  int
	undoWindow time.Duration
	retryPause time.Duration
	now        func() time.Time

	mu       sync.Mutex
	queue    *prioqueue.Queue[fetchJob]
	bindings map[string]coordinator.Binding
	inflight map[string]bool
	waiters  map[string][]chan error
	wake     chan struct{}

	undoMu sync.Mutex
	undo   *CacheUndoSnapshot
}

func NewManager(source remote.Source, opts Options) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("remote source is required")
	}
	m := &Manager{
		source:     source,
		signal:     opts.Signal,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		batchSize:  opts.BatchSize,
		undoWindow: opts.UndoWindow,
		retryPause: opts.RetryPause,
		now:        opts.Now,
		bindings:   map[string]coordinator.Binding{},
		inflight:   map[string]bool{},
		waiters:    map[string][]chan error{},
		wake:       make(chan struct{}, 1),
	}
	if m.signal == nil {
		m.signal = connectivity.Always{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if m.undoWindow <= 0 {
		m.undoWindow = DefaultUndoWindow
	}
	if m.retryPause <= 0 {
		m.retryPause = DefaultRetryPause
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.queue = prioqueue.NewWithClock[fetchJob](m.now)
	m.exec = opts.Executor
	if m.exec == nil {
		m.exec = retry.New(retry.Options{}, retry.WithLogger(m.logger))
	}
	return m, nil
}

func (m *Manager) Register(b coordinator.Binding) error {
	if b == nil {
		return fmt.Errorf("binding is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bindings[b.Name()]; exists {
		return fmt.Errorf("table %q already registered", b.Name())
	}
	m.bindings[b.Name()] = b
	return nil
}

// Request is the untyped read path: the stored record when present,
// otherwise a queued fetch and a nil view.
func (m *Manager) Request(ctx context.Context, table, id string, priority int) (*coordinator.RecordView, error) {
	b, err := m.binding(table)
	if err != nil {
		return nil, err
	}
	view, err := b.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if view != nil && !view.Deleted {
		m.metrics.ObserveRead(table, metrics.ReadWarmHit)
		return view, nil
	}
	m.metrics.ObserveRead(table, metrics.ReadColdMiss)
	m.enqueue(table, id, priority)
	return nil, nil
}

// Hint raises the priority of a queued fetch. It never lowers one and
// reports whether anything changed.
func (m *Manager) Hint(table, id string, priority int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.UpdatePriorityIfHigher(jobKey(table, id), priority)
}

// Pending reports whether a fetch for the record is queued or running.
func (m *Manager) Pending(table, id string) bool {
	key := jobKey(table, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.HasKey(key) || m.inflight[key]
}

// Await blocks until the queued fetch for the record finishes and returns
// its error. It returns nil at once when nothing is pending.
func (m *Manager) Await(ctx context.Context, table, id string) error {
	key := jobKey(table, id)
	done := make(chan error, 1)
	m.mu.Lock()
	if !m.queue.HasKey(key) && !m.inflight[key] {
		m.mu.Unlock()
		return nil
	}
	m.waiters[key] = append(m.waiters[key], done)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.dropWaiter(key, done)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (m *Manager) QueueStats() prioqueue.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Stats()
}

// Run drains the queue until ctx ends. Cancellation is checked between
// batches; fetches already started finish and are stored.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := connectivity.WaitOnline(ctx, m.signal); err != nil {
			return err
		}
		m.mu.Lock()
		batch := m.queue.DequeueN(m.batchSize)
		for _, item := range batch {
			m.inflight[item.Key] = true
		}
		depth := m.queue.Len()
		m.mu.Unlock()
		m.metrics.SetQueueDepth(depth)

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}
			continue
		}
		if requeued := m.drain(ctx, batch); requeued == len(batch) && ctx.Err() == nil {
			// every fetch failed transiently; do not hammer the server
			if err := retry.Sleep(ctx, m.retryPause); err != nil {
				return err
			}
		}
	}
}

// drain fetches one batch and returns how many items went back on the queue.
func (m *Manager) drain(ctx context.Context, batch []prioqueue.Item[fetchJob]) int {
	var wg sync.WaitGroup
	var requeuedMu sync.Mutex
	requeued := 0
	for _, item := range batch {
		wg.Add(1)
		go func(item prioqueue.Item[fetchJob]) {
			defer wg.Done()
			if m.fetch(ctx, item) {
				requeuedMu.Lock()
				requeued++
				requeuedMu.Unlock()
			}
		}(item)
	}
	wg.Wait()
	return requeued
}

// fetch runs one queued item and reports whether it was queued again.
func (m *Manager) fetch(ctx context.Context, item prioqueue.Item[fetchJob]) bool {
	job := item.Payload
	// a started call outlives ctx; backoff sleeps and further attempts stop with it
	callCtx := context.WithoutCancel(ctx)
	base := m.exec.Options().ShouldRetry
	exec := m.exec.With(retry.Options{
		ShouldRetry: func(err error) bool {
			return ctx.Err() == nil && retry.UnlessOffline(m.signal.IsOnline, base)(err)
		},
		OnRetry: func(int, error) { m.metrics.ObserveRetry("fetch") },
	}, retry.WithStop(ctx))

	b, err := m.binding(job.table)
	if err == nil {
		var rec remote.Record
		rec, err = retry.Do(callCtx, exec, func(ctx context.Context) (remote.Record, error) {
			return m.source.FetchOne(ctx, job.table, job.id)
		})
		if err == nil {
			_, err = b.ApplyRemote(callCtx, rec)
		}
	}

	if err != nil && m.transient(ctx, err) {
		m.mu.Lock()
		delete(m.inflight, item.Key)
		m.queue.Insert(item)
		m.mu.Unlock()
		m.metrics.ObserveFetch(job.table, metrics.OutcomeFailure)
		m.logger.Debug("prefetch requeued", "table", job.table, "id", job.id, "error", err)
		m.signalWake()
		return true
	}
	if err != nil {
		m.metrics.ObserveFetch(job.table, metrics.OutcomeFailure)
		m.logger.Warn("prefetch dropped", "table", job.table, "id", job.id, "kind", syncerr.KindOf(err).String(), "error", err)
	} else {
		m.metrics.ObserveFetch(job.table, metrics.OutcomeSuccess)
	}
	m.finish(item.Key, err)
	return false
}

func (m *Manager) transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindStorage, syncerr.KindInvalidInput:
		return false
	}
	return retry.IsRetryable(err)
}

func (m *Manager) finish(key string, err error) {
	m.mu.Lock()
	delete(m.inflight, key)
	waiters := m.waiters[key]
	delete(m.waiters, key)
	m.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (m *Manager) enqueue(table, id string, priority int) {
	key := jobKey(table, id)
	m.mu.Lock()
	switch {
	case m.queue.HasKey(key):
		m.queue.UpdatePriorityIfHigher(key, priority)
	case m.inflight[key]:
	default:
		m.queue.Push(key, fetchJob{table: table, id: id}, priority)
	}
	depth := m.queue.Len()
	m.mu.Unlock()
	m.metrics.SetQueueDepth(depth)
	m.signalWake()
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dropWaiter(key string, done chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[key]
	for i, w := range waiters {
		if w == done {
			m.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.waiters[key]) == 0 {
		delete(m.waiters, key)
	}
}

func (m *Manager) binding(table string) (coordinator.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[table]
	if !ok {
		return nil, syncerr.New(syncerr.KindNotFound, "table "+table, errors.New("table is not registered"))
	}
	return b, nil
}

func jobKey(table, id string) string {
	return table + "/" + id
}
