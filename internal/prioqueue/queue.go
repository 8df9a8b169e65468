// Package prioqueue holds pending work ordered by priority.
//
// A Queue keeps its items sorted descending by priority; items with equal
// priority keep the order in which they were enqueued. The queue owns no lock:
// callers that share it between goroutines serialise access themselves.
package prioqueue

import (
	"time"
)

type Item[T any] struct {
	Key        string
	Payload    T
	Priority   int
	EnqueuedAt time.Time

	seq uint64
}

type Stats struct {
	Size            int
	MinPriority     *int
	MaxPriority     *int
	AveragePriority *float64
	Oldest          *time.Time
	Newest          *time.Time
}

type Queue[T any] struct {
	items []Item[T]
	seq   uint64
	now   func() time.Time
}

func New[T any]() *Queue[T] {
	return &Queue[T]{now: time.Now}
}

// NewWithClock uses now to stamp items added through Push.
func NewWithClock[T any](now func() time.Time) *Queue[T] {
	if now == nil {
		now = time.Now
	}
	return &Queue[T]{now: now}
}

// Insert adds item at its ordered position. It returns false without
// touching the queue when the key is already present.
func (q *Queue[T]) Insert(item Item[T]) bool {
	if q.indexOf(item.Key) >= 0 {
		return false
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.clock()
	}
	q.seq++
	item.seq = q.seq
	q.place(item)
	return true
}

func (q *Queue[T]) Push(key string, payload T, priority int) bool {
	return q.Insert(Item[T]{Key: key, Payload: payload, Priority: priority})
}

func (q *Queue[T]) UpdatePriority(key string, priority int) bool {
	idx := q.indexOf(key)
	if idx < 0 {
		return false
	}
	item := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	item.Priority = priority
	q.place(item)
	return true
}

// UpdatePriorityIfHigher raises the priority of key. Calls that would keep or
// lower the current priority are no-ops and return false.
func (q *Queue[T]) UpdatePriorityIfHigher(key string, priority int) bool {
	idx := q.indexOf(key)
	if idx < 0 || priority <= q.items[idx].Priority {
		return false
	}
	return q.UpdatePriority(key, priority)
}

func (q *Queue[T]) DequeueN(n int) []Item[T] {
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Item[T], n)
	copy(out, q.items[:n])
	rest := make([]Item[T], len(q.items)-n)
	copy(rest, q.items[n:])
	q.items = rest
	return out
}

func (q *Queue[T]) Find(key string) (Item[T], bool) {
	idx := q.indexOf(key)
	if idx < 0 {
		return Item[T]{}, false
	}
	return q.items[idx], true
}

func (q *Queue[T]) HasKey(key string) bool {
	return q.indexOf(key) >= 0
}

func (q *Queue[T]) Remove(key string) bool {
	idx := q.indexOf(key)
	if idx < 0 {
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return true
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns a copy of the queue in dequeue order.
func (q *Queue[T]) Items() []Item[T] {
	out := make([]Item[T], len(q.items))
	copy(out, q.items)
	return out
}

// Stats summarises the queue. Every optional field is nil when the queue is empty.
func (q *Queue[T]) Stats() Stats {
	stats := Stats{Size: len(q.items)}
	if len(q.items) == 0 {
		return stats
	}
	minP, maxP := q.items[0].Priority, q.items[0].Priority
	oldest, newest := q.items[0].EnqueuedAt, q.items[0].EnqueuedAt
	total := 0
	for _, item := range q.items {
		total += item.Priority
		if item.Priority < minP {
			minP = item.Priority
		}
		if item.Priority > maxP {
			maxP = item.Priority
		}
		if item.EnqueuedAt.Before(oldest) {
			oldest = item.EnqueuedAt
		}
		if item.EnqueuedAt.After(newest) {
			newest = item.EnqueuedAt
		}
	}
	avg := float64(total) / float64(len(q.items))
	stats.MinPriority = &minP
	stats.MaxPriority = &maxP
	stats.AveragePriority = &avg
	stats.Oldest = &oldest
	stats.Newest = &newest
	return stats
}

func (q *Queue[T]) place(item Item[T]) {
	pos := len(q.items)
	for i, existing := range q.items {
		if before(item, existing) {
			pos = i
			break
		}
	}
	q.items = append(q.items, Item[T]{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

func (q *Queue[T]) indexOf(key string) int {
	for i, item := range q.items {
		if item.Key == key {
			return i
		}
	}
	return -1
}

func (q *Queue[T]) clock() time.Time {
	if q.now == nil {
		return time.Now()
	}
	return q.now()
}

func before[T any](a, b Item[T]) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}
