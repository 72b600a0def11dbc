// Package scheduler drives the republish loop: one worker goroutine per
// active subscription, ticking at the subscription's clamped rate, resolving
// every requested pair against a fresh graph snapshot and handing the batch
// to the output sink.
//
// Backpressure is drop-newest: a batch the sink refuses is discarded and
// counted, never queued, so the next tick always resolves against current
// data.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/metric"
	"github.com/tessel-la/robo-boy/pkg/timestamp"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// State is the lifecycle state of one scheduled subscription.
type State int32

const (
	StatePending State = iota
	StateActive
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Batch is one tick's output for one subscription. Sequence and Timestamp
// are strictly increasing per subscription.
type Batch struct {
	SubscriptionID string            `json:"subscription_id"`
	Sequence       uint64            `json:"sequence"`
	Timestamp      int64             `json:"timestamp"`
	Transforms     []tfgraph.Resolved `json:"transforms"`
}

// TerminalFunc is invoked exactly once when a subscription's worker reaches
// a terminal state. Called from the worker goroutine.
type TerminalFunc func(subscriptionID string, state State, cause error)

// Config bounds the scheduler's behavior.
type Config struct {
	// MinRate and MaxRate clamp the per-subscription tick rate in Hz.
	MinRate float64 `json:"min_rate_hz"`
	MaxRate float64 `json:"max_rate_hz"`

	// FailureThreshold is the number of consecutive ticks in which every
	// pair fails before the subscription transitions to Failed.
	FailureThreshold int `json:"failure_threshold"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MinRate:          0.1,
		MaxRate:          50,
		FailureThreshold: 10,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.MinRate <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("min rate %f must be positive", c.MinRate),
			"scheduler", "Validate", "rate bounds validation")
	}
	if c.MaxRate < c.MinRate {
		return errors.WrapInvalid(
			fmt.Errorf("max rate %f below min rate %f", c.MaxRate, c.MinRate),
			"scheduler", "Validate", "rate bounds validation")
	}
	if c.FailureThreshold < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("failure threshold %d must be at least 1", c.FailureThreshold),
			"scheduler", "Validate", "failure threshold validation")
	}
	return nil
}

// ClampRate bounds a requested rate to [MinRate, MaxRate].
func (c Config) ClampRate(rate float64) float64 {
	if rate < c.MinRate {
		return c.MinRate
	}
	if rate > c.MaxRate {
		return c.MaxRate
	}
	return rate
}

// ResolveFunc computes one pair against a snapshot.
type ResolveFunc func(snap *tfgraph.Snapshot, source, target string) (tfgraph.Resolved, error)

// Deps holds runtime dependencies for the scheduler.
type Deps struct {
	Config          Config
	Store           *tfgraph.Store
	Sink            Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// Resolver overrides pair resolution; nil uses tfgraph.Resolve.
	Resolver ResolveFunc
}

// Scheduler runs one worker per active subscription.
type Scheduler struct {
	cfg     Config
	store   *tfgraph.Store
	sink    Sink
	resolve ResolveFunc
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	ticksTotal   atomic.Int64
	droppedTotal atomic.Int64
}

// NewScheduler validates deps and returns a scheduler ready to activate
// subscriptions.
func NewScheduler(deps Deps) (*Scheduler, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "scheduler", "NewScheduler", "config validation")
	}
	if deps.Store == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil transform store"),
			"scheduler", "NewScheduler", "dependency validation")
	}
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil output sink"),
			"scheduler", "NewScheduler", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}

	resolve := deps.Resolver
	if resolve == nil {
		resolve = tfgraph.Resolve
	}

	return &Scheduler{
		cfg:     deps.Config,
		store:   deps.Store,
		sink:    deps.Sink,
		resolve: resolve,
		logger:  logger,
		metrics: newMetrics(deps.MetricsRegistry),
		workers: make(map[string]*worker),
	}, nil
}

// Activate starts the periodic republish loop for sub. The requested rate is
// clamped to the configured bounds; onTerminal fires once when the worker
// reaches a terminal state.
func (s *Scheduler) Activate(ctx context.Context, sub *subscription.Subscription, onTerminal TerminalFunc) error {
	rate := s.cfg.ClampRate(sub.Rate)
	interval := time.Duration(float64(time.Second) / rate)

	w := &worker{
		sched:      s,
		sub:        sub,
		interval:   interval,
		cancelCh:   make(chan struct{}),
		onTerminal: onTerminal,
		lastSent:   make(map[tfgraph.Pair]tfgraph.Transform),
	}
	w.state.Store(int32(StatePending))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "scheduler", "Activate", "worker admission")
	}
	if _, exists := s.workers[sub.ID]; exists {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("subscription %s already active", sub.ID),
			"scheduler", "Activate", "worker admission")
	}
	s.workers[sub.ID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.activeSubscriptions.Inc()
	}

	s.logger.Info("Subscription activated",
		"subscription_id", sub.ID,
		"pairs", len(sub.Pairs),
		"requested_rate_hz", sub.Rate,
		"effective_rate_hz", rate)

	go func() {
		defer s.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Cancel requests cooperative cancellation of a subscription's worker. The
// flag is observed at the next tick boundary; a tick already in flight
// completes normally. Unknown ids are a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()

	if w != nil {
		w.requestCancel()
	}
}

// StateOf reports the state of an active subscription's worker. Workers are
// removed once terminal, so ok is false for finished or unknown ids.
func (s *Scheduler) StateOf(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return StateCompleted, false
	}
	return State(w.state.Load()), true
}

// DroppedTicks returns the backpressure drop count for an active
// subscription.
func (s *Scheduler) DroppedTicks(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		return w.dropped.Load()
	}
	return 0
}

// Totals returns process-lifetime tick and drop counts.
func (s *Scheduler) Totals() (ticks, dropped int64) {
	return s.ticksTotal.Load(), s.droppedTotal.Load()
}

// ActiveCount returns the number of running workers.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Stop cancels every worker and waits up to timeout for them to finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("stop timeout after %v", timeout),
			"scheduler", "Stop", "graceful shutdown")
	}
}

// remove drops a terminal worker from the table.
func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.activeSubscriptions.Dec()
	}
}

// worker is the per-subscription republish loop.
type worker struct {
	sched      *Scheduler
	sub        *subscription.Subscription
	interval   time.Duration
	state      atomic.Int32
	cancelCh   chan struct{}
	cancelOnce sync.Once
	onTerminal TerminalFunc

	// Loop-local state, touched only by the worker goroutine
	seq           uint64
	lastTimestamp int64
	lastSent      map[tfgraph.Pair]tfgraph.Transform
	failStreak    int

	dropped atomic.Int64
}

func (w *worker) requestCancel() {
	w.cancelOnce.Do(func() {
		close(w.cancelCh)
	})
}

func (w *worker) run(ctx context.Context) {
	w.state.Store(int32(StateActive))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finish(StateCancelled, ctx.Err())
			return
		case <-w.cancelCh:
			w.finish(StateCancelled, nil)
			return
		case <-ticker.C:
			// Cancellation is observed at the tick boundary
			select {
			case <-w.cancelCh:
				w.finish(StateCancelled, nil)
				return
			default:
			}

			if w.tick(ctx) {
				w.finish(StateFailed, errors.WrapTransient(
					fmt.Errorf("all %d pairs failed for %d consecutive ticks",
						len(w.sub.Pairs), w.failStreak),
					"scheduler", "tick", "persistent resolution failure"))
				return
			}
		}
	}
}

// tick resolves every pair against a fresh snapshot and hands the batch to
// the sink. Returns true once the consecutive-failure threshold is crossed.
func (w *worker) tick(ctx context.Context) bool {
	start := time.Now()
	s := w.sched

	s.ticksTotal.Add(1)
	if s.metrics != nil {
		s.metrics.ticksTotal.Inc()
	}

	snap := s.store.Snapshot(start)

	// Batch timestamps are strictly increasing per subscription even if the
	// clock stalls between ticks.
	ts := timestamp.ToUnixMs(snap.AsOf())
	if ts <= w.lastTimestamp {
		ts = w.lastTimestamp + 1
	}

	resolved := make([]tfgraph.Resolved, 0, len(w.sub.Pairs))
	hardFailures := 0
	for _, pair := range w.sub.Pairs {
		res, err := s.resolve(snap, pair.Source, pair.Target)
		if err != nil {
			if countsTowardFailure(err) {
				hardFailures++
			}
			if s.metrics != nil {
				s.metrics.resolveFailures.Inc()
			}
			resolved = append(resolved, tfgraph.Resolved{
				Source:    pair.Source,
				Target:    pair.Target,
				Timestamp: ts,
				Error:     err.Error(),
			})
			continue
		}
		if !w.changedEnough(pair, res.Transform) {
			continue
		}
		resolved = append(resolved, res)
	}

	allFailed := len(w.sub.Pairs) > 0 && hardFailures == len(w.sub.Pairs)
	if allFailed {
		w.failStreak++
		if w.failStreak >= s.cfg.FailureThreshold {
			return true
		}
	} else {
		w.failStreak = 0
	}

	if len(resolved) == 0 {
		// Every pair within its change thresholds; nothing to republish
		return false
	}

	batch := Batch{
		SubscriptionID: w.sub.ID,
		Sequence:       w.seq + 1,
		Timestamp:      ts,
		Transforms:     resolved,
	}

	err := s.sink.TrySend(ctx, batch)
	if s.metrics != nil {
		s.metrics.tickDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, errors.ErrBackpressure) {
			// Drop newest: discard this batch, count it, resolve fresh next tick
			w.dropped.Add(1)
			s.droppedTotal.Add(1)
			if s.metrics != nil {
				s.metrics.ticksDropped.Inc()
			}
			s.logger.Debug("Batch dropped on backpressure",
				"subscription_id", w.sub.ID,
				"sequence", batch.Sequence)
			return false
		}
		s.logger.Warn("Sink rejected batch",
			"subscription_id", w.sub.ID,
			"error", err)
		return false
	}

	w.seq++
	w.lastTimestamp = ts
	for _, res := range resolved {
		if res.Error == "" {
			w.lastSent[tfgraph.Pair{Source: res.Source, Target: res.Target}] = res.Transform
		}
	}
	if s.metrics != nil {
		s.metrics.batchesPublished.Inc()
	}
	return false
}

// countsTowardFailure reports whether a resolution error feeds the
// consecutive-failure streak. Graph-topology errors are excluded: a frame
// the upstream feed has not published yet may appear at any time, so an
// unknown or disconnected pair is reported as unresolved on every tick while
// the subscription stays active.
func countsTowardFailure(err error) bool {
	return !errors.Is(err, errors.ErrUnknownFrame) &&
		!errors.Is(err, errors.ErrNotConnected)
}

// changedEnough applies the subscription's change thresholds: a pair is
// re-emitted only when its pose moved more than the configured translation
// or rotation threshold since the last delivered batch. Zero thresholds
// disable suppression.
func (w *worker) changedEnough(pair tfgraph.Pair, tf tfgraph.Transform) bool {
	cfg := w.sub.Config
	if cfg.TranslationThreshold == 0 && cfg.AngularThreshold == 0 {
		return true
	}
	last, ok := w.lastSent[pair]
	if !ok {
		return true
	}

	dx := tf.Translation.X - last.Translation.X
	dy := tf.Translation.Y - last.Translation.Y
	dz := tf.Translation.Z - last.Translation.Z
	if math.Sqrt(dx*dx+dy*dy+dz*dz) > cfg.TranslationThreshold {
		return true
	}

	// Angle between the two rotations: 2*acos(|q1 . q2|)
	dot := tf.Rotation.X*last.Rotation.X +
		tf.Rotation.Y*last.Rotation.Y +
		tf.Rotation.Z*last.Rotation.Z +
		tf.Rotation.W*last.Rotation.W
	dot = math.Abs(dot)
	if dot > 1 {
		dot = 1
	}
	return 2*math.Acos(dot) > cfg.AngularThreshold
}

func (w *worker) finish(state State, cause error) {
	w.state.Store(int32(state))
	w.sched.remove(w.sub.ID)

	w.sched.logger.Info("Subscription finished",
		"subscription_id", w.sub.ID,
		"state", state.String(),
		"dropped_ticks", w.dropped.Load())

	if w.onTerminal != nil {
		w.onTerminal(w.sub.ID, state, cause)
	}
}
