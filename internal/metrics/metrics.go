package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ingestion pipeline. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Row outcomes by status and error code
	RowOutcomes *prometheus.CounterVec

	// Per-row validate + resolve + commit latency
	RowLatency prometheus.Histogram

	// Uploads reaching a terminal status
	UploadsFinished *prometheus.CounterVec

	// Stored counters found to disagree with the row table
	CounterDrift prometheus.Counter

	// Consistency violations by kind
	ConsistencyEvents *prometheus.CounterVec

	// Retried persistence operations
	PersistenceRetries prometheus.Counter
}

// New creates a Metrics instance registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberships_ingestion_rows_total",
			Help: "Processed upload rows by outcome and error code",
		}, []string{"status", "code"}),

		RowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "memberships_ingestion_row_duration_seconds",
			Help:    "Duration of processing a single upload row",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		UploadsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberships_uploads_finished_total",
			Help: "Uploads reaching a terminal status",
		}, []string{"status"}),

		CounterDrift: factory.NewCounter(prometheus.CounterOpts{
			Name: "memberships_upload_counter_drift_total",
			Help: "Reconciliations where stored upload counters disagreed with row outcomes",
		}),

		ConsistencyEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberships_consistency_events_total",
			Help: "Detected consistency violations by kind",
		}, []string{"kind"}),

		PersistenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "memberships_persistence_retries_total",
			Help: "Retried persistence operations after transient errors",
		}),
	}
}

// IncrementRow records a row outcome.
func (m *Metrics) IncrementRow(status, code string) {
	if m != nil {
		m.RowOutcomes.WithLabelValues(status, code).Inc()
	}
}

// ObserveRowLatency records the duration of one row.
func (m *Metrics) ObserveRowLatency(d time.Duration) {
	if m != nil {
		m.RowLatency.Observe(d.Seconds())
	}
}

// IncrementUploadFinished records an upload reaching a terminal status.
func (m *Metrics) IncrementUploadFinished(status string) {
	if m != nil {
		m.UploadsFinished.WithLabelValues(status).Inc()
	}
}

// IncrementCounterDrift records a counter mismatch found by the reconciler.
func (m *Metrics) IncrementCounterDrift() {
	if m != nil {
		m.CounterDrift.Inc()
	}
}

// IncrementConsistencyEvent records a consistency violation.
func (m *Metrics) IncrementConsistencyEvent(kind string) {
	if m != nil {
		m.ConsistencyEvents.WithLabelValues(kind).Inc()
	}
}

// IncrementPersistenceRetry records a retried persistence call.
func (m *Metrics) IncrementPersistenceRetry() {
	if m != nil {
		m.PersistenceRetries.Inc()
	}
}
