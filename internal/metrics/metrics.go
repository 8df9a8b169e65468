// Package metrics exposes Prometheus collectors for the sync engine.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trialsync"

const (
	ReadWarmHit  = "warm_hit"
	ReadColdMiss = "cold_miss"

	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	queueDepth    prometheus.Gauge
	cacheReads    *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	pendingGauge  *prometheus.GaugeVec
	pulled        *prometheus.CounterVec
	pushed        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	online        prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "queue_depth",
			Help:      "Number of fetches waiting in the prefetch queue.",
		}),
		cacheReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "reads_total",
			Help:      "Cache reads by table and result.",
		}, []string{"table", "result"}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "fetches_total",
			Help:      "Background fetches by table and outcome.",
		}, []string{"table", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retried attempts by operation.",
		}, []string{"operation"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflicts",
			Name:      "transitions_total",
			Help:      "Conflict transitions by table and status.",
		}, []string{"table", "status"}),
		pendingGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conflicts",
			Name:      "pending",
			Help:      "Unresolved conflicts by table.",
		}, []string{"table"}),
		pulled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulled_records_total",
			Help:      "Remote records processed by table and outcome.",
		}, []string{"table", "outcome"}),
		pushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushed_records_total",
			Help:      "Local records pushed by table and outcome.",
		}, []string{"table", "outcome"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of pull and push cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"table", "direction"}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 while the remote source is reachable.",
		}),
	}
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveRead(table, result string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(table, result).Inc()
}

func (m *Metrics) ObserveFetch(table, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveConflict(table, status string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(table, status).Inc()
}

func (m *Metrics) SetPendingConflicts(table string, n int) {
	if m == nil {
		return
	}
	m.pendingGauge.WithLabelValues(table).Set(float64(n))
}

func (m *Metrics) ObservePulled(table, outcome string) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) ObservePushed(table, outcome string) {
	if m == nil {
		return
	}
	m.pushed.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) ObserveCycle(table, direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(table, direction).Observe(d.Seconds())
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
