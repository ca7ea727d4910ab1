// Package metrics defines the Prometheus collectors. The registry is
// per-run and threaded through constructors; nothing registers against the
// process-global default.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors with their registry.
type Metrics struct {
	Registry *prometheus.Registry

	PhaseDuration    *prometheus.HistogramVec
	RecordsArchived  *prometheus.CounterVec
	BytesUploaded    *prometheus.CounterVec
	BatchesTotal     *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	CurrentBatchSize *prometheus.GaugeVec
	LastSuccessEpoch *prometheus.GaugeVec
	TablesRunning    prometheus.Gauge
	RecordsRestored  *prometheus.CounterVec
}

// New builds a fresh registry with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_phase_duration_seconds",
			Help:    "Duration of each batch pipeline phase.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"database", "table", "phase"}),
		RecordsArchived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_records_archived_total",
			Help: "Rows archived and deleted from the source.",
		}, []string{"database", "table"}),
		BytesUploaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_bytes_uploaded_total",
			Help: "Compressed bytes uploaded to the object store.",
		}, []string{"database", "table"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_batches_total",
			Help: "Batches by outcome (committed, skipped, failed).",
		}, []string{"database", "table", "outcome"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_errors_total",
			Help: "Errors by taxonomy class.",
		}, []string{"class"}),
		CurrentBatchSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_current_batch_size",
			Help: "Adaptive batch size currently in use.",
		}, []string{"database", "table"}),
		LastSuccessEpoch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_last_success_timestamp_seconds",
			Help: "Unix time of the last successful table run.",
		}, []string{"database", "table"}),
		TablesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_tables_running",
			Help: "Table orchestrators currently active.",
		}),
		RecordsRestored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_records_restored_total",
			Help: "Rows restored into the source database.",
		}, []string{"database", "table"}),
	}
}

// ObservePhase records one phase duration.
func (m *Metrics) ObservePhase(database, table, phase string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(database, table, phase).Observe(d.Seconds())
}
