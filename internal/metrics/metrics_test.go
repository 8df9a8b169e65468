package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(3)
	m.ObserveRead("classes", ReadWarmHit)
	m.ObserveFetch("classes", OutcomeSuccess)
	m.ObserveRetry("pull")
	m.ObserveConflict("entries", "pending")
	m.SetPendingConflicts("entries", 1)
	m.ObservePulled("entries", OutcomeSuccess)
	m.ObservePushed("entries", OutcomeFailure)
	m.ObserveCycle("entries", "pull", time.Second)
	m.SetOnline(true)
}

func TestCollectorsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SetQueueDepth(4)
	m.ObserveRead("classes", ReadColdMiss)
	m.ObserveRead("classes", ReadColdMiss)
	m.ObservePushed("entries", OutcomeSuccess)
	m.SetOnline(true)

	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Fatalf("expected queue depth 4, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheReads.WithLabelValues("classes", ReadColdMiss)); got != 2 {
		t.Fatalf("expected 2 cold misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.pushed.WithLabelValues("entries", OutcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 push, got %v", got)
	}
	if got := testutil.ToFloat64(m.online); got != 1 {
		t.Fatalf("expected online gauge 1, got %v", got)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
