package tfgraph

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/tessel-la/robo-boy/errors"
)

func TestResolveChain(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))
	require.NoError(t, store.Ingest(testEdge("base", "sensor", Vector3{Y: 1}, 1000)))

	snap := store.Snapshot(time.UnixMilli(1500))
	res, err := Resolve(snap, "world", "sensor")
	require.NoError(t, err)

	assertVectorNear(t, Vector3{X: 1, Y: 1}, res.Transform.Translation)
	assertQuaternionNear(t, IdentityQuaternion(), res.Transform.Rotation)
	assert.Equal(t, int64(1000), res.Timestamp)
	assert.Equal(t, "world", res.Source)
	assert.Equal(t, "sensor", res.Target)
}

func TestResolveRotatedChain(t *testing.T) {
	store := newTestStore(t)

	// base is rotated 90 degrees about Z relative to world, so a +X step
	// in base lands at +Y in world.
	rotated := Edge{
		Parent: "world",
		Child:  "base",
		Transform: Transform{
			Translation: Vector3{X: 1},
			Rotation:    zRotation(math.Pi / 2),
		},
		Timestamp: 1000,
	}
	require.NoError(t, store.Ingest(rotated))
	require.NoError(t, store.Ingest(testEdge("base", "sensor", Vector3{X: 1}, 1000)))

	snap := store.Snapshot(time.UnixMilli(1500))
	res, err := Resolve(snap, "world", "sensor")
	require.NoError(t, err)

	assertVectorNear(t, Vector3{X: 1, Y: 1}, res.Transform.Translation)
	assertQuaternionNear(t, zRotation(math.Pi/2), res.Transform.Rotation)
}

func TestResolveInverseDirection(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))
	require.NoError(t, store.Ingest(testEdge("base", "sensor", Vector3{Y: 1}, 1000)))

	snap := store.Snapshot(time.UnixMilli(1500))

	forward, err := Resolve(snap, "world", "sensor")
	require.NoError(t, err)
	backward, err := Resolve(snap, "sensor", "world")
	require.NoError(t, err)

	// Composing a resolution with its reverse yields identity
	roundTrip := forward.Transform.Compose(backward.Transform)
	assertVectorNear(t, Vector3{}, roundTrip.Translation)
	assertQuaternionNear(t, IdentityQuaternion(), roundTrip.Rotation)

	assertVectorNear(t, Vector3{X: -1, Y: -1}, backward.Transform.Translation)
}

func TestResolveSameFrame(t *testing.T) {
	store := newTestStore(t)
	snap := store.Snapshot(time.UnixMilli(2000))

	// Identity even for a frame the graph has never seen
	res, err := Resolve(snap, "base", "base")
	require.NoError(t, err)
	assertVectorNear(t, Vector3{}, res.Transform.Translation)
	assertQuaternionNear(t, IdentityQuaternion(), res.Transform.Rotation)
	assert.Equal(t, int64(2000), res.Timestamp)
	assert.False(t, res.Stale)
}

func TestResolveUnknownFrame(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))

	snap := store.Snapshot(time.UnixMilli(1500))

	_, err := Resolve(snap, "world", "ghost")
	assert.ErrorIs(t, err, cerrors.ErrUnknownFrame)

	_, err = Resolve(snap, "ghost", "base")
	assert.ErrorIs(t, err, cerrors.ErrUnknownFrame)
}

func TestResolveDisconnected(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))
	require.NoError(t, store.Ingest(testEdge("map", "odom", Vector3{Y: 1}, 1000)))

	snap := store.Snapshot(time.UnixMilli(1500))

	_, err := Resolve(snap, "world", "odom")
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrNotConnected)
	assert.True(t, cerrors.IsTransient(err))
}

func TestResolveTimestampIsOldestOnPath(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))
	require.NoError(t, store.Ingest(testEdge("base", "sensor", Vector3{Y: 1}, 3000)))

	snap := store.Snapshot(time.UnixMilli(3500))
	res, err := Resolve(snap, "world", "sensor")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Timestamp)
}

func TestResolveStalePropagates(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.MaxExtrapolation = time.Second
	store, err := NewStore(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, store.Ingest(testEdge("world", "base", Vector3{X: 1}, 1000)))
	require.NoError(t, store.Ingest(testEdge("base", "sensor", Vector3{Y: 1}, 9800)))

	snap := store.Snapshot(time.UnixMilli(10000))
	res, err := Resolve(snap, "world", "sensor")
	require.NoError(t, err)

	// One stale edge on the path marks the whole result stale
	assert.True(t, res.Stale)
}

func TestResolveDeepChain(t *testing.T) {
	store := newTestStore(t)

	frames := []string{"world", "map", "odom", "base", "arm", "wrist", "tool"}
	for i := 0; i < len(frames)-1; i++ {
		require.NoError(t, store.Ingest(testEdge(frames[i], frames[i+1], Vector3{X: 1}, 1000)))
	}

	snap := store.Snapshot(time.UnixMilli(1500))
	res, err := Resolve(snap, "world", "tool")
	require.NoError(t, err)
	assertVectorNear(t, Vector3{X: 6}, res.Transform.Translation)
}
