package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.LockAcquired("standard", "ok", time.Millisecond)
	m.LockReleased(true)
	m.LockExtended(false)
	m.Action("execute_action", "ok", time.Millisecond)
	m.LedgerEntry(-5)
}

// counter returns the value of the series of name whose labels include want.
func counter(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.LockAcquired("critical", "timeout", 10*time.Millisecond)
	m.LockReleased(true)
	m.LockReleased(false)
	m.Action("execute_action", "busy", time.Millisecond)
	m.LedgerEntry(10)
	m.LedgerEntry(-10)
	m.LedgerEntry(-1)

	if got := counter(t, reg, "gametable_lock_acquire_total", map[string]string{"preset": "critical", "outcome": "timeout"}); got != 1 {
		t.Fatalf("acquire timeouts = %v", got)
	}
	if got := counter(t, reg, "gametable_lock_release_total", map[string]string{"outcome": "error"}); got != 1 {
		t.Fatalf("failed releases = %v", got)
	}
	if got := counter(t, reg, "gametable_pipeline_actions_total", map[string]string{"op": "execute_action", "result": "busy"}); got != 1 {
		t.Fatalf("busy actions = %v", got)
	}
	if got := counter(t, reg, "gametable_ledger_entries_total", map[string]string{"direction": "debit"}); got != 2 {
		t.Fatalf("debits = %v", got)
	}
}
