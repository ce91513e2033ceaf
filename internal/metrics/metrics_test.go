package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsAndRegisters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOp("acquire", "granted", 3*time.Millisecond)
	m.ObserveOp("acquire", "granted", time.Millisecond)
	m.ObserveOp("acquire", "denied", time.Millisecond)
	m.SetActive(4)
	m.AddReaped(2)
	m.AddReaped(0)
	m.EventFailed("released")

	if got := testutil.ToFloat64(m.OpsTotal.WithLabelValues("acquire", "granted")); got != 2 {
		t.Fatalf("ops_total granted: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.LeasesActive); got != 4 {
		t.Fatalf("leases_active: got %v want 4", got)
	}
	if got := testutil.ToFloat64(m.ReapedTotal); got != 2 {
		t.Fatalf("reaped_total: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.EventFailures.WithLabelValues("released")); got != 1 {
		t.Fatalf("event failures: got %v want 1", got)
	}

	n, err := testutil.GatherAndCount(reg, "lease_manager_op_duration_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("histogram series: got %d want 1", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveOp("release", "released", time.Millisecond)
	m.SetActive(1)
	m.AddReaped(1)
	m.EventFailed("granted")
}
