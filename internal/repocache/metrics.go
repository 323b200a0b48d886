package repocache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "repocache"

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	// LookupsTotal counts getOrCreate lookups.
	// Labels: result (hit, miss, stale)
	LookupsTotal *prometheus.CounterVec

	// CreationsTotal counts creation attempts.
	// Labels: status (success, clone_error, build_error, store_error)
	CreationsTotal *prometheus.CounterVec

	// CreationDurationSeconds measures clone plus graph build time.
	CreationDurationSeconds prometheus.Histogram

	// DeletionPhasesTotal counts deletion phase results.
	// Labels: phase (workspace, graph, metadata), status (ok, absent, failed)
	DeletionPhasesTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "Repository cache lookups by result",
		}, []string{"result"}),
		CreationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "creations_total",
			Help:      "Repository version creations by status",
		}, []string{"status"}),
		CreationDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "creation_duration_seconds",
			Help:      "Time spent cloning and indexing a repository version",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		DeletionPhasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deletion_phases_total",
			Help:      "Deletion cascade phase results",
		}, []string{"phase", "status"}),
	}
}

func (m *Metrics) recordLookup(result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordCreation(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CreationsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.CreationDurationSeconds.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) recordDeletion(out *DeletionOutcome) {
	if m == nil || !out.Found {
		return
	}
	for _, p := range out.phases() {
		m.DeletionPhasesTotal.WithLabelValues(p.name, p.result.status()).Inc()
	}
}
