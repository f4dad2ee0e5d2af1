package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exec outcomes reported in relay_pool_exec_total.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// Metrics records pool activity. A nil *Metrics records nothing.
type Metrics struct {
	execTotal    *prometheus.CounterVec
	execDuration prometheus.Histogram
	idleWorkers  prometheus.Gauge
}

// NewMetrics creates the pool collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		execTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "pool",
				Name:      "exec_total",
				Help:      "Requests executed on pool workers, by outcome.",
			},
			[]string{"outcome"},
		),
		execDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "pool",
				Name:      "exec_duration_seconds",
				Help:      "Time from Exec call to worker response.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		idleWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Subsystem: "pool",
				Name:      "idle_workers",
				Help:      "Workers waiting for a request.",
			},
		),
	}

	reg.MustRegister(m.execTotal, m.execDuration, m.idleWorkers)
	return m
}

func (m *Metrics) observe(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.execTotal.WithLabelValues(outcome).Inc()
	m.execDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) setIdle(n int) {
	if m == nil {
		return
	}
	m.idleWorkers.Set(float64(n))
}
