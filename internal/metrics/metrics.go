// Package metrics holds the Prometheus instruments for the load pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dataload"

type Metrics struct {
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	rowsValidated *prometheus.CounterVec
	rowsLoaded    *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	retries       prometheus.Counter
	running       prometheus.Gauge
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed, by target.",
		}, []string{"target"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to validate and load one batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"target"}),
		rowsValidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_validated_total",
			Help:      "Rows validated, by result (valid, invalid).",
		}, []string{"target", "result"}),
		rowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written, by outcome (inserted, updated, skipped, error, merged).",
		}, []string{"table", "outcome"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job attempts finished, by final status.",
		}, []string{"status"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Retries scheduled after a failed attempt.",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently holding a worker slot.",
		}),
	}
}

func (m *Metrics) ObserveBatch(target string, d time.Duration, valid, invalid int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(target).Inc()
	m.batchDuration.WithLabelValues(target).Observe(d.Seconds())
	m.rowsValidated.WithLabelValues(target, "valid").Add(float64(valid))
	m.rowsValidated.WithLabelValues(target, "invalid").Add(float64(invalid))
}

// ObserveLoad adds one batch's load counters.
func (m *Metrics) ObserveLoad(table string, inserted, updated, skipped, errors, merged int) {
	if m == nil {
		return
	}
	for outcome, n := range map[string]int{
		"inserted": inserted,
		"updated":  updated,
		"skipped":  skipped,
		"error":    errors,
		"merged":   merged,
	} {
		if n > 0 {
			m.rowsLoaded.WithLabelValues(table, outcome).Add(float64(n))
		}
	}
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// WorkerStarted and WorkerDone track occupied worker slots.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) WorkerDone() {
	if m == nil {
		return
	}
	m.running.Dec()
}
