// Package metrics holds the Prometheus collectors shared by the lock
// manager, the ledger and the action pipeline.  All methods are safe to
// call on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gametable"

// Metrics bundles every collector the core reports.
type Metrics struct {
	lockAcquire     *prometheus.CounterVec
	lockAcquireTime *prometheus.HistogramVec
	lockRelease     *prometheus.CounterVec
	lockExtend      *prometheus.CounterVec
	actions         *prometheus.CounterVec
	actionDuration  prometheus.Histogram
	ledgerEntries   *prometheus.CounterVec
}

// New registers the collectors on reg.  A nil registerer yields an
// unregistered (but usable) set, handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisitions by preset and outcome.",
		}, []string{"preset", "outcome"}),
		lockAcquireTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_seconds",
			Help:      "Time spent acquiring a quorum lock, including retries.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"preset"}),
		lockRelease: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Lock releases by outcome.",
		}, []string{"outcome"}),
		lockExtend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "extend_total",
			Help:      "Lease extensions by outcome.",
		}, []string{"outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "actions_total",
			Help:      "Game actions by operation and result.",
		}, []string{"op", "result"}),
		actionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "action_seconds",
			Help:      "End-to-end duration of a game action.",
			Buckets:   prometheus.DefBuckets,
		}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.lockAcquire,
			m.lockAcquireTime,
			m.lockRelease,
			m.lockExtend,
			m.actions,
			m.actionDuration,
			m.ledgerEntries,
		)
	}
	return m
}

// LockAcquired records one acquisition attempt sequence.
func (m *Metrics) LockAcquired(preset, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(preset, outcome).Inc()
	m.lockAcquireTime.WithLabelValues(preset).Observe(took.Seconds())
}

// LockReleased records a release attempt.
func (m *Metrics) LockReleased(ok bool) {
	if m == nil {
		return
	}
	m.lockRelease.WithLabelValues(outcome(ok)).Inc()
}

// LockExtended records an extension attempt.
func (m *Metrics) LockExtended(ok bool) {
	if m == nil {
		return
	}
	m.lockExtend.WithLabelValues(outcome(ok)).Inc()
}

// Action records the result of a pipeline operation.
func (m *Metrics) Action(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(op, result).Inc()
	m.actionDuration.Observe(took.Seconds())
}

// LedgerEntry counts one inserted ledger row.
func (m *Metrics) LedgerEntry(amount int64) {
	if m == nil {
		return
	}
	dir := "credit"
	if amount < 0 {
		dir = "debit"
	}
	m.ledgerEntries.WithLabelValues(dir).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
