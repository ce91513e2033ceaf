// Package metrics holds the Prometheus collectors exported by lease-server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lease_manager"

// Metrics is nil-safe: every method is a no-op on a nil receiver so
// components can run without a registry in tests.
type Metrics struct {
	OpsTotal      *prometheus.CounterVec   // op, result
	OpLatency     *prometheus.HistogramVec // op
	LeasesActive  prometheus.Gauge
	ReapedTotal   prometheus.Counter
	EventFailures *prometheus.CounterVec // type
}

// New builds the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_total",
				Help:      "Lease operations by op and result.",
			},
			[]string{"op", "result"},
		),
		OpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_seconds",
				Help:      "Latency of lease store calls.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
			},
			[]string{"op"},
		),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_active",
			Help:      "Unexpired leases seen by the last reaper sweep.",
		}),
		ReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Expired lease rows deleted by the reaper.",
		}),
		EventFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_publish_failures_total",
				Help:      "Lease events that could not be published.",
			},
			[]string{"type"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.OpsTotal,
			m.OpLatency,
			m.LeasesActive,
			m.ReapedTotal,
			m.EventFailures,
		)
	}
	return m
}

func (m *Metrics) ObserveOp(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, result).Inc()
	m.OpLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.LeasesActive.Set(float64(n))
}

func (m *Metrics) AddReaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ReapedTotal.Add(float64(n))
}

func (m *Metrics) EventFailed(eventType string) {
	if m == nil {
		return
	}
	m.EventFailures.WithLabelValues(eventType).Inc()
}
