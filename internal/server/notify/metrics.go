package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports outcomes as prometheus series.
type Metrics struct {
	restoreTotal    *prometheus.CounterVec
	restoreDuration prometheus.Histogram
	backupTotal     *prometheus.CounterVec
	handleState     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		restoreTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opsvault_restore_total",
			Help: "Restore jobs by terminal state and error kind",
		}, []string{"state", "kind"}),

		restoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsvault_restore_duration_seconds",
			Help:    "Restore job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),

		backupTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "opsvault_backup_total",
			Help: "Exported snapshots by status",
		}, []string{"status"}),

		handleState: f.NewGauge(prometheus.GaugeOpts{
			Name: "opsvault_storage_handle_state",
			Help: "Storage handle registry state (0 uninitialized, 1 live, 2 swapping)",
		}),
	}
}

func (m *Metrics) Notify(_ context.Context, o Outcome) {
	switch o.Operation {
	case OperationRestore:
		m.restoreTotal.WithLabelValues(o.State, o.Kind).Inc()
		m.restoreDuration.Observe(o.Duration.Seconds())
	case OperationBackup:
		status := "ok"
		if o.Failed() {
			status = "error"
		}
		m.backupTotal.WithLabelValues(status).Inc()
	}
}

// SetHandleState records the numeric registry state.
func (m *Metrics) SetHandleState(state int) {
	m.handleState.Set(float64(state))
}
