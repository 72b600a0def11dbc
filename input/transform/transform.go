// Package transform provides the NATS input component that feeds the
// transform graph store from the upstream transform stream.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tessel-la/robo-boy/component"
	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/metric"
	"github.com/tessel-la/robo-boy/natsclient"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// Metrics holds Prometheus metrics for the transform input component
type Metrics struct {
	edgesReceived prometheus.Counter
	edgesRejected prometheus.Counter
	bytesReceived prometheus.Counter
	decodeErrors  prometheus.Counter
	ingestLatency prometheus.Histogram
	lastActivity  prometheus.Gauge
}

// newMetrics creates and registers transform input metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		edgesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "edges_received_total",
			Help:      "Transform edges received from the upstream feed",
		}),
		edgesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "edges_rejected_total",
			Help:      "Edges rejected by the store (malformed or out of order)",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from the upstream feed",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "decode_errors_total",
			Help:      "Messages that failed JSON decoding",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "ingest_duration_seconds",
			Help:      "Time to decode and ingest one edge",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.005, 0.01},
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "transform_input",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received edge",
		}),
	}

	registry.RegisterCounter("transform_input", "edges_received", metrics.edgesReceived)
	registry.RegisterCounter("transform_input", "edges_rejected", metrics.edgesRejected)
	registry.RegisterCounter("transform_input", "bytes_received", metrics.bytesReceived)
	registry.RegisterCounter("transform_input", "decode_errors", metrics.decodeErrors)
	registry.RegisterHistogram("transform_input", "ingest_latency", metrics.ingestLatency)
	registry.RegisterGauge("transform_input", "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds configuration for the transform input component
type Config struct {
	// Subject is the NATS subject carrying upstream transform edges.
	Subject string `json:"subject"`
}

// DefaultConfig returns sensible defaults for the transform input.
func DefaultConfig() Config {
	return Config{Subject: "tf.edges"}
}

// Validate implements config validation for the transform input.
func (c Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"transform-input", "Validate", "subject validation")
	}
	return nil
}

// Deps holds runtime dependencies for the transform input component
type Deps struct {
	Name            string
	Config          Config
	Store           *tfgraph.Store
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Input subscribes to the upstream transform subject and ingests every
// decoded edge into the graph store. Malformed edges are counted and
// dropped, never fatal.
type Input struct {
	name       string
	subject    string
	store      *tfgraph.Store
	natsClient *natsclient.Client
	logger     *slog.Logger

	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex

	edgesReceived atomic.Int64
	bytesReceived atomic.Int64
	errorCount    atomic.Int64
	lastActivity  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Input)(nil)
var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates the transform input component.
func NewInput(deps Deps) *Input {
	cfg := deps.Config
	if cfg.Subject == "" {
		cfg = DefaultConfig()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transform-input", "subject", cfg.Subject)
	}

	in := &Input{
		name:       deps.Name,
		subject:    cfg.Subject,
		store:      deps.Store,
		natsClient: deps.NATSClient,
		logger:     logger,
		startTime:  time.Now(),
		metrics:    newMetrics(deps.MetricsRegistry),
	}
	in.lastActivity.Store(time.Time{})
	return in
}

// Meta returns the component metadata
func (in *Input) Meta() component.Metadata {
	name := in.name
	if name == "" {
		name = "transform-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("NATS transform feed consumer on %s", in.subject),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (in *Input) Health() component.HealthStatus {
	running := in.running.Load()
	connected := in.natsClient != nil && in.natsClient.IsHealthy()

	return component.HealthStatus{
		Healthy:    running && connected,
		LastCheck:  time.Now(),
		ErrorCount: int(in.errorCount.Load()),
		Uptime:     time.Since(in.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (in *Input) DataFlow() component.FlowMetrics {
	edges := in.edgesReceived.Load()
	bytes := in.bytesReceived.Load()
	errCount := in.errorCount.Load()
	lastActivity, _ := in.lastActivity.Load().(time.Time)

	var edgesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(in.startTime).Seconds(); uptime > 0 {
		edgesPerSecond = float64(edges) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if edges > 0 {
		errorRate = float64(errCount) / float64(edges)
	}

	return component.FlowMetrics{
		MessagesPerSecond: edgesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates dependencies before Start.
func (in *Input) Initialize() error {
	if in.subject == "" {
		return errors.WrapInvalid(fmt.Errorf("empty subject"),
			"transform-input", "Initialize", "subject validation")
	}
	if in.store == nil {
		return errors.WrapInvalid(fmt.Errorf("nil transform store"),
			"transform-input", "Initialize", "store validation")
	}
	if in.natsClient == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"transform-input", "Initialize", "NATS client validation")
	}
	return nil
}

// Start subscribes to the upstream subject and begins ingesting edges.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil // Already running, idempotent
	}

	if err := in.natsClient.Subscribe(ctx, in.subject, in.handleMessage); err != nil {
		return errors.WrapTransient(err, "transform-input", "Start", "NATS subscription")
	}

	in.running.Store(true)
	in.startTime = time.Now()
	in.logger.Info("Transform input started", "subject", in.subject)
	return nil
}

// Stop marks the component stopped. The NATS subscription itself is drained
// by the shared client on Close; ingestion halts immediately because the
// handler refuses messages once running is false.
func (in *Input) Stop(_ time.Duration) error {
	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)
	in.logger.Info("Transform input stopped", "subject", in.subject)
	return nil
}

// HandleMessage ingests one raw upstream message. Exported for tests; the
// NATS subscription delivers through the same path.
func (in *Input) HandleMessage(ctx context.Context, data []byte) {
	in.handleMessage(ctx, data)
}

func (in *Input) handleMessage(_ context.Context, data []byte) {
	if !in.running.Load() {
		return
	}

	start := time.Now()
	in.edgesReceived.Add(1)
	in.bytesReceived.Add(int64(len(data)))
	in.lastActivity.Store(start)
	if in.metrics != nil {
		in.metrics.edgesReceived.Inc()
		in.metrics.bytesReceived.Add(float64(len(data)))
		in.metrics.lastActivity.Set(float64(start.Unix()))
	}

	var edge tfgraph.Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		in.errorCount.Add(1)
		if in.metrics != nil {
			in.metrics.decodeErrors.Inc()
		}
		in.logger.Debug("Dropping undecodable transform message", "error", err)
		return
	}

	if err := in.store.Ingest(edge); err != nil {
		in.errorCount.Add(1)
		if in.metrics != nil {
			in.metrics.edgesRejected.Inc()
		}
		// Stale and malformed edges are per-message failures, not ours
		in.logger.Debug("Store rejected edge",
			"parent", edge.Parent,
			"child", edge.Child,
			"error", err)
		return
	}

	if in.metrics != nil {
		in.metrics.ingestLatency.Observe(time.Since(start).Seconds())
	}
}
