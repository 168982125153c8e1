package versioning

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records capture activity. A nil *Metrics records nothing.
type Metrics struct {
	captured *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds capture collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versioning_rows_captured_total",
			Help: "Version rows written to shadow tables.",
		}, []string{"table", "type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versioning_capture_failures_total",
			Help: "Shadow inserts that failed and failed the triggering operation.",
		}, []string{"table"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versioning_capture_duration_seconds",
			Help:    "Time spent writing one version row.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.captured, m.failures, m.duration)
	}
	return m
}

func (m *Metrics) observe(table string, vt VersionType, started time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(table).Observe(time.Since(started).Seconds())
	if err != nil {
		m.failures.WithLabelValues(table).Inc()
		return
	}
	m.captured.WithLabelValues(table, vt.String()).Inc()
}
