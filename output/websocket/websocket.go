package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tessel-la/robo-boy/component"
	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/metric"
	"github.com/tessel-la/robo-boy/pkg/buffer"
	"github.com/tessel-la/robo-boy/scheduler"
	"github.com/tessel-la/robo-boy/session"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Config holds configuration for the WebSocket output server
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `json:"port"`
	// Path is the WebSocket endpoint path.
	Path string `json:"path"`
	// ClientBufferSize is the per-client outbound batch buffer capacity.
	ClientBufferSize int `json:"client_buffer_size"`
}

// DefaultConfig returns sensible defaults for the WebSocket server.
func DefaultConfig() Config {
	return Config{
		Port:             9091,
		Path:             "/tf",
		ClientBufferSize: 16,
	}
}

// Validate implements config validation for the WebSocket server.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"websocket-output", "Validate", "port validation")
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"websocket-output", "Validate", "path validation")
	}
	if c.ClientBufferSize < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("client buffer size %d must be at least 1", c.ClientBufferSize),
			"websocket-output", "Validate", "buffer size validation")
	}
	return nil
}

// clientRequest is the envelope clients send.
type clientRequest struct {
	Op                   string         `json:"op"`
	ID                   string         `json:"id,omitempty"`
	Pairs                []tfgraph.Pair `json:"pairs,omitempty"`
	Rate                 float64        `json:"rate,omitempty"`
	AngularThreshold     float64        `json:"angular_threshold,omitempty"`
	TranslationThreshold float64        `json:"translation_threshold,omitempty"`
}

// serverMessage is the envelope the server sends.
type serverMessage struct {
	Op         string             `json:"op"`
	ID         string             `json:"id,omitempty"`
	Sequence   uint64             `json:"sequence,omitempty"`
	Timestamp  int64              `json:"timestamp,omitempty"`
	Transforms []tfgraph.Resolved `json:"transforms,omitempty"`
	State      string             `json:"state,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}

// Metrics holds Prometheus metrics for the WebSocket server
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesSent     prometheus.Counter
	bytesSent        prometheus.Counter
	batchesDropped   prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

// newMetrics creates and registers WebSocket server metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Messages written to WebSocket clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to WebSocket clients",
		}),
		batchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "batches_dropped_total",
			Help:      "Batches refused because a client's outbound buffer was full",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Errors by category",
		}, []string{"category"}),
	}

	registry.RegisterGauge("websocket", "clients_connected", metrics.clientsConnected)
	registry.RegisterCounter("websocket", "connections_total", metrics.connectionsTotal)
	registry.RegisterCounter("websocket", "messages_sent", metrics.messagesSent)
	registry.RegisterCounter("websocket", "bytes_sent", metrics.bytesSent)
	registry.RegisterCounter("websocket", "batches_dropped", metrics.batchesDropped)
	registry.RegisterCounterVec("websocket", "errors", metrics.errorsTotal)

	return metrics
}

// client is one connected WebSocket consumer.
type client struct {
	id          string
	conn        *websocket.Conn
	outbound    buffer.Buffer[[]byte]
	wake        chan struct{}
	done        chan struct{}
	connectedAt time.Time

	subsMu sync.Mutex
	subs   map[string]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// enqueue hands data to the client's writer goroutine. A full buffer drops
// the item and reports backpressure.
func (c *client) enqueue(data []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	if err := c.outbound.Write(data); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Deps holds runtime dependencies for the WebSocket server
type Deps struct {
	Name            string
	Config          Config
	Sessions        *session.Manager
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Server is the web-facing transport: it owns client connections, bridges
// their subscribe/unsubscribe requests to the session manager, and acts as
// the scheduler's output sink and the session manager's result notifier.
type Server struct {
	name     string
	cfg      Config
	sessions *session.Manager
	logger   *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*client
	bySub     map[string]string // subscription id -> client id

	shutdown  chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex
	wg        sync.WaitGroup

	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Server)(nil)
var _ component.LifecycleComponent = (*Server)(nil)
var _ scheduler.Sink = (*Server)(nil)
var _ session.Notifier = (*Server)(nil)

// NewServer creates the WebSocket output server.
func NewServer(deps Deps) *Server {
	cfg := deps.Config
	if cfg.Port == 0 {
		cfg = DefaultConfig()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "websocket-output", "port", cfg.Port)
	}

	s := &Server{
		name:     deps.Name,
		cfg:      cfg,
		sessions: deps.Sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser UIs are served from a different origin than this endpoint
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		bySub:    make(map[string]string),
		shutdown: make(chan struct{}),
	}
	s.lastActivity.Store(time.Time{})
	s.metrics = newMetrics(deps.MetricsRegistry)
	return s
}

// SetSessions wires the session manager after construction. The server and
// the manager reference each other (sink one way, notifier the other), so
// one side has to be attached late; must be called before Start.
func (s *Server) SetSessions(m *session.Manager) {
	s.sessions = m
}

// Meta returns the component metadata
func (s *Server) Meta() component.Metadata {
	name := s.name
	if name == "" {
		name = fmt.Sprintf("websocket-output-%d", s.cfg.Port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("WebSocket transform server on :%d%s", s.cfg.Port, s.cfg.Path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (s *Server) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (s *Server) DataFlow() component.FlowMetrics {
	sent := s.messagesSent.Load()
	bytes := s.bytesSent.Load()
	errCount := s.errorCount.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(sent) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if sent > 0 {
		errorRate = float64(errCount) / float64(sent)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies before Start.
func (s *Server) Initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return errors.Wrap(err, "websocket-output", "Initialize", "config validation")
	}
	if s.sessions == nil {
		return errors.WrapInvalid(fmt.Errorf("nil session manager"),
			"websocket-output", "Initialize", "session manager validation")
	}
	return nil
}

// Start begins serving WebSocket connections.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil // Already running, idempotent
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running.Store(true)
	s.startTime = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errorCount.Add(1)
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()

	s.logger.Info("WebSocket server started",
		"port", s.cfg.Port,
		"path", s.cfg.Path)
	return nil
}

// Stop shuts the server down, closing every client connection.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		s.removeClient(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("WebSocket server stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("stop timeout after %v", timeout),
			"websocket-output", "Stop", "graceful shutdown")
	}
}

// TrySend implements scheduler.Sink: deliver a batch to the client owning
// the subscription. A full client buffer drops the batch and reports
// backpressure; a vanished client is not an error (teardown is in flight).
func (s *Server) TrySend(_ context.Context, batch scheduler.Batch) error {
	s.clientsMu.RLock()
	clientID, ok := s.bySub[batch.SubscriptionID]
	c := s.clients[clientID]
	s.clientsMu.RUnlock()

	if !ok || c == nil {
		return nil
	}

	data, err := json.Marshal(serverMessage{
		Op:         "transforms",
		ID:         batch.SubscriptionID,
		Sequence:   batch.Sequence,
		Timestamp:  batch.Timestamp,
		Transforms: batch.Transforms,
	})
	if err != nil {
		return errors.WrapInvalid(err, "websocket-output", "TrySend", "batch encoding")
	}

	if err := c.enqueue(data); err != nil {
		if errors.Is(err, errors.ErrBackpressure) {
			if s.metrics != nil {
				s.metrics.batchesDropped.Inc()
			}
			return errors.WrapTransient(err, "websocket-output", "TrySend", "client buffer admission")
		}
		return errors.WrapTransient(err, "websocket-output", "TrySend", "client delivery")
	}
	return nil
}

// NotifyResult implements session.Notifier: push the terminal result to the
// owning client and release the subscription routing entry.
func (s *Server) NotifyResult(clientID, sessionID string, state session.State, detail string) {
	s.clientsMu.Lock()
	delete(s.bySub, sessionID)
	c := s.clients[clientID]
	s.clientsMu.Unlock()

	if c == nil {
		return
	}
	c.subsMu.Lock()
	delete(c.subs, sessionID)
	c.subsMu.Unlock()

	data, err := json.Marshal(serverMessage{
		Op:     "result",
		ID:     sessionID,
		State:  state.String(),
		Detail: detail,
	})
	if err != nil {
		return
	}
	// Best effort: a full buffer or closed client just loses the result
	_ = c.enqueue(data)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleUpgrade accepts one WebSocket connection and spawns its read and
// write loops.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	outbound, err := buffer.NewCircularBuffer[[]byte](s.cfg.ClientBufferSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropNewest),
	)
	if err != nil {
		_ = conn.Close()
		s.errorCount.Add(1)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		outbound:    outbound,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		subs:        make(map[string]struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}
	s.logger.Info("Client connected",
		"client_id", c.id,
		"remote", r.RemoteAddr,
		"clients", count)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(r.Context(), c)
	}()
}

// readLoop consumes client envelopes until the connection drops; the drop
// runs the implicit-cancel teardown.
func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.removeClient(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.lastActivity.Store(time.Now())

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError(c, "", "undecodable request")
			continue
		}

		switch req.Op {
		case "subscribe":
			s.handleSubscribe(ctx, c, req)
		case "unsubscribe":
			s.handleUnsubscribe(c, req.ID)
		default:
			s.sendError(c, "", fmt.Sprintf("unknown op %q", req.Op))
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, c *client, req clientRequest) {
	cfg := subscription.Config{
		AngularThreshold:     req.AngularThreshold,
		TranslationThreshold: req.TranslationThreshold,
	}
	rate := req.Rate
	if rate == 0 {
		rate = 10
	}

	id, err := s.sessions.OnRequest(ctx, c.id, req.Pairs, rate, cfg)
	if err != nil {
		s.sendError(c, "", err.Error())
		return
	}

	s.clientsMu.Lock()
	s.bySub[id] = c.id
	s.clientsMu.Unlock()
	c.subsMu.Lock()
	c.subs[id] = struct{}{}
	c.subsMu.Unlock()

	s.reply(c, serverMessage{Op: "subscribed", ID: id})
}

func (s *Server) handleUnsubscribe(c *client, id string) {
	c.subsMu.Lock()
	_, owned := c.subs[id]
	c.subsMu.Unlock()

	// Clients can only cancel their own subscriptions; anything else is
	// an idempotent no-op.
	if owned {
		s.sessions.OnCancel(id)
	}
}

func (s *Server) sendError(c *client, id, detail string) {
	s.reply(c, serverMessage{Op: "error", ID: id, Detail: detail})
}

func (s *Server) reply(c *client, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

// writeLoop drains the client's outbound buffer onto the wire and keeps the
// connection alive with pings.
func (s *Server) writeLoop(c *client) {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-c.done:
			return
		case <-pinger.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				s.removeClient(c)
				return
			}
		case <-c.wake:
			for _, data := range c.outbound.ReadBatch(s.cfg.ClientBufferSize) {
				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := c.conn.WriteMessage(websocket.TextMessage, data)
				c.writeMu.Unlock()
				if err != nil {
					s.removeClient(c)
					return
				}

				s.messagesSent.Add(1)
				s.bytesSent.Add(int64(len(data)))
				if s.metrics != nil {
					s.metrics.messagesSent.Inc()
					s.metrics.bytesSent.Add(float64(len(data)))
				}
			}
			if c.closed.Load() {
				return
			}
		}
	}
}

// removeClient tears one client down exactly once: cancel its sessions,
// drop its routing entries, and close the socket.
func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		s.clientsMu.Lock()
		delete(s.clients, c.id)
		c.subsMu.Lock()
		for id := range c.subs {
			delete(s.bySub, id)
		}
		c.subsMu.Unlock()
		count := len(s.clients)
		s.clientsMu.Unlock()

		// Disconnect is an implicit cancel of everything the client owns
		s.sessions.OnDisconnect(c.id)

		_ = c.outbound.Close()
		_ = c.conn.Close()

		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(count))
		}
		s.logger.Info("Client disconnected",
			"client_id", c.id,
			"connected_for", time.Since(c.connectedAt),
			"clients", count)
	})
}
