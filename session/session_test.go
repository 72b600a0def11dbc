package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/scheduler"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

type nullSink struct{}

func (nullSink) TrySend(context.Context, scheduler.Batch) error { return nil }

type recordedResult struct {
	clientID  string
	sessionID string
	state     State
	detail    string
}

type captureNotifier struct {
	mu      sync.Mutex
	results []recordedResult
}

func (c *captureNotifier) NotifyResult(clientID, sessionID string, state State, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, recordedResult{clientID, sessionID, state, detail})
}

func (c *captureNotifier) all() []recordedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedResult(nil), c.results...)
}

type fixture struct {
	manager  *Manager
	registry *subscription.Registry
	notifier *captureNotifier
}

func newFixture(t *testing.T, schedCfg scheduler.Config) *fixture {
	return newFixtureWithResolver(t, schedCfg, nil)
}

func newFixtureWithResolver(t *testing.T, schedCfg scheduler.Config, resolver scheduler.ResolveFunc) *fixture {
	t.Helper()

	store, err := tfgraph.NewStore(tfgraph.DefaultStoreConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Ingest(tfgraph.Edge{
		Parent:    "world",
		Child:     "base",
		Transform: tfgraph.Transform{Translation: tfgraph.Vector3{X: 1}, Rotation: tfgraph.IdentityQuaternion()},
		Timestamp: 1000,
	}))

	sched, err := scheduler.NewScheduler(scheduler.Deps{
		Config:   schedCfg,
		Store:    store,
		Sink:     nullSink{},
		Resolver: resolver,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop(time.Second) })

	registry := subscription.NewRegistry(nil)
	notifier := &captureNotifier{}

	manager, err := NewManager(Deps{
		Registry:  registry,
		Scheduler: sched,
		Notifier:  notifier,
	})
	require.NoError(t, err)

	return &fixture{manager: manager, registry: registry, notifier: notifier}
}

func worldBase() []tfgraph.Pair {
	return []tfgraph.Pair{{Source: "world", Target: "base"}}
}

func TestOnRequestExecutes(t *testing.T) {
	f := newFixture(t, scheduler.DefaultConfig())

	id, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 20, subscription.Config{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, ok := f.manager.StateOf(id)
	require.True(t, ok)
	assert.Equal(t, StateExecuting, state)

	_, ok = f.registry.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, f.manager.ActiveSessions())
}

func TestOnRequestValidationFailure(t *testing.T) {
	f := newFixture(t, scheduler.DefaultConfig())

	_, err := f.manager.OnRequest(context.Background(), "client-1", nil, 20, subscription.Config{})
	assert.Error(t, err)

	_, err = f.manager.OnRequest(context.Background(), "", worldBase(), 20, subscription.Config{})
	assert.Error(t, err)

	assert.Equal(t, 0, f.manager.ActiveSessions())
	assert.Equal(t, 0, f.registry.Len())
}

func TestOnCancelTearsDown(t *testing.T) {
	f := newFixture(t, scheduler.DefaultConfig())

	id, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)

	f.manager.OnCancel(id)

	require.Eventually(t, func() bool { return len(f.notifier.all()) == 1 },
		2*time.Second, 10*time.Millisecond)

	result := f.notifier.all()[0]
	assert.Equal(t, "client-1", result.clientID)
	assert.Equal(t, id, result.sessionID)
	assert.Equal(t, StateCanceled, result.state)

	// Teardown removed the subscription and the session
	_, ok := f.registry.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, f.manager.ActiveSessions())
}

func TestOnCancelIdempotent(t *testing.T) {
	f := newFixture(t, scheduler.DefaultConfig())

	id, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)

	f.manager.OnCancel(id)
	f.manager.OnCancel(id)
	f.manager.OnCancel("never-existed")

	require.Eventually(t, func() bool { return len(f.notifier.all()) >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Exactly one terminal result despite repeated cancellation
	assert.Len(t, f.notifier.all(), 1)

	// Cancelling after the session finished is still a no-op
	f.manager.OnCancel(id)
	assert.Len(t, f.notifier.all(), 1)
}

func TestOnDisconnectCancelsOnlyThatClient(t *testing.T) {
	f := newFixture(t, scheduler.DefaultConfig())

	id1, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)
	id2, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)
	other, err := f.manager.OnRequest(context.Background(), "client-2", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)

	f.manager.OnDisconnect("client-1")

	require.Eventually(t, func() bool { return len(f.notifier.all()) == 2 },
		2*time.Second, 10*time.Millisecond)

	finished := map[string]bool{}
	for _, r := range f.notifier.all() {
		assert.Equal(t, "client-1", r.clientID)
		assert.Equal(t, StateCanceled, r.state)
		finished[r.sessionID] = true
	}
	assert.True(t, finished[id1])
	assert.True(t, finished[id2])

	state, ok := f.manager.StateOf(other)
	require.True(t, ok)
	assert.Equal(t, StateExecuting, state)
}

func TestPersistentFailureAborts(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.FailureThreshold = 3
	f := newFixtureWithResolver(t, cfg, func(*tfgraph.Snapshot, string, string) (tfgraph.Resolved, error) {
		return tfgraph.Resolved{}, errors.WrapTransient(
			fmt.Errorf("resolver unavailable"), "test", "resolve", "pair resolution")
	})

	id, err := f.manager.OnRequest(context.Background(), "client-1", worldBase(), 50, subscription.Config{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.notifier.all()) == 1 },
		2*time.Second, 10*time.Millisecond)

	result := f.notifier.all()[0]
	assert.Equal(t, id, result.sessionID)
	assert.Equal(t, StateAborted, result.state)
	assert.NotEmpty(t, result.detail)
	assert.Equal(t, 0, f.manager.ActiveSessions())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "canceled", StateCanceled.String())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateAccepted.Terminal())
}
