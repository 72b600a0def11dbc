package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the Prometheus namespace shared by all republisher metrics.
const Namespace = "tfweb"

// Metrics holds the core platform metrics shared across components.
// Component-specific metrics live with their components and are registered
// through the MetricsRegistry.
type Metrics struct {
	// ComponentStatus reports lifecycle state per component (1 = running)
	ComponentStatus *prometheus.GaugeVec

	// Transform ingestion
	EdgesIngested *prometheus.CounterVec
	EdgesRejected *prometheus.CounterVec

	// Republishing
	BatchesPublished *prometheus.CounterVec
	TicksDropped     *prometheus.CounterVec
	ResolveDuration  *prometheus.HistogramVec

	// Errors by component and class
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the core metric set. Callers normally reach these
// through MetricsRegistry.CoreMetrics().
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "component_status",
				Help:      "Component lifecycle status (1 = running, 0 = stopped)",
			},
			[]string{"component"},
		),
		EdgesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "edges_ingested_total",
				Help:      "Transform edges accepted into the graph store",
			},
			[]string{"component"},
		),
		EdgesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "edges_rejected_total",
				Help:      "Transform edges rejected before storage",
			},
			[]string{"component", "reason"},
		),
		BatchesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "batches_published_total",
				Help:      "Resolved transform batches handed to the output sink",
			},
			[]string{"component"},
		),
		TicksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "ticks_dropped_total",
				Help:      "Scheduler ticks dropped due to sink backpressure",
			},
			[]string{"component"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Time to resolve all pairs of a subscription for one tick",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"component"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Errors by component and classification",
			},
			[]string{"component", "class"},
		),
	}
}
