package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tessel-la/robo-boy/metric"
)

// bufferMetrics exposes buffer statistics as Prometheus metrics.
type bufferMetrics struct {
	size      prometheus.Gauge
	writes    prometheus.Counter
	reads     prometheus.Counter
	drops     prometheus.Counter
	overflows prometheus.Counter
}

// newBufferMetrics creates and registers buffer metrics under the given prefix.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      "size",
			Help:      "Current number of buffered items",
			ConstLabels: prometheus.Labels{
				"buffer": prefix,
			},
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      "writes_total",
			Help:      "Total successful buffer writes",
			ConstLabels: prometheus.Labels{
				"buffer": prefix,
			},
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      "reads_total",
			Help:      "Total successful buffer reads",
			ConstLabels: prometheus.Labels{
				"buffer": prefix,
			},
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      "drops_total",
			Help:      "Items dropped by the overflow policy",
			ConstLabels: prometheus.Labels{
				"buffer": prefix,
			},
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      "overflows_total",
			Help:      "Writes that found the buffer full",
			ConstLabels: prometheus.Labels{
				"buffer": prefix,
			},
		}),
	}

	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_overflows", m.overflows); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size int) {
	m.writes.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordRead(size int) {
	m.reads.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
	m.overflows.Inc()
}

func (m *bufferMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}
