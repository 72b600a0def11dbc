package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tessel-la/robo-boy/metric"
)

// Metrics holds Prometheus metrics for the republish scheduler
type Metrics struct {
	ticksTotal          prometheus.Counter
	ticksDropped        prometheus.Counter
	batchesPublished    prometheus.Counter
	resolveFailures     prometheus.Counter
	activeSubscriptions prometheus.Gauge
	tickDuration        prometheus.Histogram
}

// newMetrics creates and registers scheduler metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total scheduler ticks across all subscriptions",
		}),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "ticks_dropped_total",
			Help:      "Ticks dropped because the sink reported backpressure",
		}),
		batchesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "batches_published_total",
			Help:      "Resolved transform batches accepted by the sink",
		}),
		resolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "resolve_failures_total",
			Help:      "Per-pair resolution failures (unknown frame or disconnected)",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently being ticked",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time to snapshot, resolve, and hand off one tick",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}

	registry.RegisterCounter("scheduler", "ticks_total", metrics.ticksTotal)
	registry.RegisterCounter("scheduler", "ticks_dropped", metrics.ticksDropped)
	registry.RegisterCounter("scheduler", "batches_published", metrics.batchesPublished)
	registry.RegisterCounter("scheduler", "resolve_failures", metrics.resolveFailures)
	registry.RegisterGauge("scheduler", "active_subscriptions", metrics.activeSubscriptions)
	registry.RegisterHistogram("scheduler", "tick_duration", metrics.tickDuration)

	return metrics
}
