package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// captureSink records delivered batches and can refuse a configurable number
// of sends with backpressure.
type captureSink struct {
	mu         sync.Mutex
	batches    []Batch
	rejectNext int
}

func (c *captureSink) TrySend(_ context.Context, batch Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectNext > 0 {
		c.rejectNext--
		return errors.ErrBackpressure
	}
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) all() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Batch(nil), c.batches...)
}

func (c *captureSink) reject(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext = n
}

func newTestGraph(t *testing.T) *tfgraph.Store {
	t.Helper()
	store, err := tfgraph.NewStore(tfgraph.DefaultStoreConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Ingest(tfgraph.Edge{
		Parent:    "world",
		Child:     "base",
		Transform: tfgraph.Transform{Translation: tfgraph.Vector3{X: 1}, Rotation: tfgraph.IdentityQuaternion()},
		Timestamp: 1000,
	}))
	require.NoError(t, store.Ingest(tfgraph.Edge{
		Parent:    "base",
		Child:     "sensor",
		Transform: tfgraph.Transform{Translation: tfgraph.Vector3{Y: 1}, Rotation: tfgraph.IdentityQuaternion()},
		Timestamp: 1000,
	}))
	return store
}

func newTestScheduler(t *testing.T, store *tfgraph.Store, sink Sink, cfg Config) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(Deps{
		Config: cfg,
		Store:  store,
		Sink:   sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop(time.Second) })
	return sched
}

func makeSub(t *testing.T, reg *subscription.Registry, pairs []tfgraph.Pair, rate float64, cfg subscription.Config) *subscription.Subscription {
	t.Helper()
	sub, err := reg.Create(pairs, rate, cfg)
	require.NoError(t, err)
	return sub
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinRate = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxRate = 0.05
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FailureThreshold = 0
	assert.Error(t, bad.Validate())
}

func TestClampRate(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, cfg.MinRate, cfg.ClampRate(0.01))
	assert.Equal(t, cfg.MaxRate, cfg.ClampRate(1000))
	assert.Equal(t, 10.0, cfg.ClampRate(10))
}

func TestTicksAndOrdering(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	sched := newTestScheduler(t, store, sink, DefaultConfig())
	reg := subscription.NewRegistry(nil)

	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "sensor"}}, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), sub, nil))

	require.Eventually(t, func() bool { return sink.count() >= 5 },
		2*time.Second, 10*time.Millisecond)

	sched.Cancel(sub.ID)

	batches := sink.all()
	for i, b := range batches {
		assert.Equal(t, sub.ID, b.SubscriptionID)
		assert.Equal(t, uint64(i+1), b.Sequence)
		require.Len(t, b.Transforms, 1)
		assert.InDelta(t, 1.0, b.Transforms[0].Transform.Translation.X, 1e-9)
		assert.InDelta(t, 1.0, b.Transforms[0].Transform.Translation.Y, 1e-9)
		if i > 0 {
			assert.Greater(t, b.Timestamp, batches[i-1].Timestamp)
		}
	}
}

func TestBackpressureDropsNewest(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	sched := newTestScheduler(t, store, sink, DefaultConfig())
	reg := subscription.NewRegistry(nil)

	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), sub, nil))

	require.Eventually(t, func() bool { return sink.count() >= 2 },
		2*time.Second, 10*time.Millisecond)

	sink.reject(1)

	require.Eventually(t, func() bool { return sched.DroppedTicks(sub.ID) == 1 },
		2*time.Second, 10*time.Millisecond)

	// Subscription survived the drop and keeps delivering
	before := sink.count()
	require.Eventually(t, func() bool { return sink.count() > before },
		2*time.Second, 10*time.Millisecond)

	state, ok := sched.StateOf(sub.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)

	// Sequence numbers stay contiguous across the dropped tick
	for i, b := range sink.all() {
		assert.Equal(t, uint64(i+1), b.Sequence)
	}
}

func TestUnknownFramePairStaysActive(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	sched := newTestScheduler(t, store, sink, cfg)
	reg := subscription.NewRegistry(nil)

	pairs := []tfgraph.Pair{
		{Source: "world", Target: "sensor"},
		{Source: "world", Target: "ghost"},
	}
	sub := makeSub(t, reg, pairs, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), sub, nil))

	require.Eventually(t, func() bool { return sink.count() >= 5 },
		2*time.Second, 10*time.Millisecond)

	// One pair keeps failing but the other succeeds, so the subscription
	// never crosses the failure threshold.
	state, ok := sched.StateOf(sub.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)

	for _, b := range sink.all() {
		require.Len(t, b.Transforms, 2)
		byTarget := map[string]tfgraph.Resolved{}
		for _, res := range b.Transforms {
			byTarget[res.Target] = res
		}
		assert.Empty(t, byTarget["sensor"].Error)
		assert.NotEmpty(t, byTarget["ghost"].Error)
	}
}

func TestUnresolvablePairsStayActiveIndefinitely(t *testing.T) {
	store := newTestGraph(t)
	// Island edge disconnected from the world tree
	require.NoError(t, store.Ingest(tfgraph.Edge{
		Parent:    "island",
		Child:     "isle",
		Transform: tfgraph.IdentityTransform(),
		Timestamp: 1000,
	}))

	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	sched := newTestScheduler(t, store, sink, cfg)
	reg := subscription.NewRegistry(nil)

	var terminalCalls atomic.Int64
	onTerminal := func(string, State, error) { terminalCalls.Add(1) }

	// "ghost" has never been ingested; "island" exists but has no path to
	// "world". Neither failure mode may trip the failure threshold, however
	// long it persists.
	ghost := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "ghost"}}, 50, subscription.Config{})
	island := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "island"}}, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), ghost, onTerminal))
	require.NoError(t, sched.Activate(context.Background(), island, onTerminal))

	perSub := func(id string) []Batch {
		var out []Batch
		for _, b := range sink.all() {
			if b.SubscriptionID == id {
				out = append(out, b)
			}
		}
		return out
	}

	// Run well past the failure threshold
	require.Eventually(t, func() bool {
		return len(perSub(ghost.ID)) > 2*cfg.FailureThreshold &&
			len(perSub(island.ID)) > 2*cfg.FailureThreshold
	}, 2*time.Second, 10*time.Millisecond)

	state, ok := sched.StateOf(ghost.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
	state, ok = sched.StateOf(island.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, int64(0), terminalCalls.Load())

	// Every tick still reports the pair as unresolved
	for _, b := range perSub(ghost.ID) {
		require.Len(t, b.Transforms, 1)
		assert.NotEmpty(t, b.Transforms[0].Error)
	}
}

func TestPersistentResolutionFailureTransitionsToFailed(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3

	sched, err := NewScheduler(Deps{
		Config: cfg,
		Store:  store,
		Sink:   sink,
		Resolver: func(*tfgraph.Snapshot, string, string) (tfgraph.Resolved, error) {
			return tfgraph.Resolved{}, errors.WrapTransient(
				fmt.Errorf("resolver unavailable"), "test", "resolve", "pair resolution")
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop(time.Second) })
	reg := subscription.NewRegistry(nil)

	var mu sync.Mutex
	var terminalState State
	var terminalCalls int

	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), sub, func(_ string, st State, _ error) {
		mu.Lock()
		terminalState = st
		terminalCalls++
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminalCalls == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, StateFailed, terminalState)
	mu.Unlock()

	_, ok := sched.StateOf(sub.ID)
	assert.False(t, ok)
}

func TestRateAboveMaxTicksAtClampedRate(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.MaxRate = 20 // 50ms interval
	sched := newTestScheduler(t, store, sink, cfg)
	reg := subscription.NewRegistry(nil)

	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 1000, subscription.Config{})
	start := time.Now()
	require.NoError(t, sched.Activate(context.Background(), sub, nil))

	require.Eventually(t, func() bool { return sink.count() >= 5 },
		2*time.Second, 5*time.Millisecond)

	// Five batches at the clamped 20 Hz take ~250ms; at the requested
	// 1000 Hz they would arrive within ~5ms.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestCancelIsCooperativeAndIdempotent(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	sched := newTestScheduler(t, store, sink, DefaultConfig())
	reg := subscription.NewRegistry(nil)

	var mu sync.Mutex
	var terminalCalls int
	var terminalState State

	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 50, subscription.Config{})
	require.NoError(t, sched.Activate(context.Background(), sub, func(_ string, st State, _ error) {
		mu.Lock()
		terminalCalls++
		terminalState = st
		mu.Unlock()
	}))

	sched.Cancel(sub.ID)
	sched.Cancel(sub.ID) // second cancel is a no-op

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminalCalls > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Give any duplicate teardown a chance to surface
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, terminalCalls)
	assert.Equal(t, StateCancelled, terminalState)
	mu.Unlock()

	sched.Cancel("never-existed")
}

func TestChangeThresholdSuppressesStaticGraph(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	sched := newTestScheduler(t, store, sink, DefaultConfig())
	reg := subscription.NewRegistry(nil)

	subCfg := subscription.Config{TranslationThreshold: 0.01, AngularThreshold: 0.01}
	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "sensor"}}, 50, subCfg)
	require.NoError(t, sched.Activate(context.Background(), sub, nil))

	require.Eventually(t, func() bool { return sink.count() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// The graph never changes, so after the first delivery every pair is
	// within threshold and nothing further is emitted.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// A movement beyond the threshold resumes delivery
	require.NoError(t, store.Ingest(tfgraph.Edge{
		Parent:    "world",
		Child:     "base",
		Transform: tfgraph.Transform{Translation: tfgraph.Vector3{X: 2}, Rotation: tfgraph.IdentityQuaternion()},
		Timestamp: 2000,
	}))

	require.Eventually(t, func() bool { return sink.count() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStop(t *testing.T) {
	store := newTestGraph(t)
	sink := &captureSink{}
	sched := newTestScheduler(t, store, sink, DefaultConfig())
	reg := subscription.NewRegistry(nil)

	for i := 0; i < 3; i++ {
		sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 20, subscription.Config{})
		require.NoError(t, sched.Activate(context.Background(), sub, nil))
	}
	assert.Equal(t, 3, sched.ActiveCount())

	require.NoError(t, sched.Stop(time.Second))
	assert.Equal(t, 0, sched.ActiveCount())

	// New activations are refused after Stop
	sub := makeSub(t, reg, []tfgraph.Pair{{Source: "world", Target: "base"}}, 20, subscription.Config{})
	assert.Error(t, sched.Activate(context.Background(), sub, nil))
}

func TestFanOutMirrorsBestEffort(t *testing.T) {
	primary := &captureSink{}
	mirror := &captureSink{}
	mirror.reject(1)

	fan := NewFanOut(nil, primary, mirror)

	batch := Batch{SubscriptionID: "s1", Sequence: 1, Timestamp: 1000}
	require.NoError(t, fan.TrySend(context.Background(), batch))
	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 0, mirror.count())

	// Primary backpressure propagates
	primary.reject(1)
	err := fan.TrySend(context.Background(), batch)
	assert.ErrorIs(t, err, errors.ErrBackpressure)
	assert.Equal(t, 1, mirror.count())
}
