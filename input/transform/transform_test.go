package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessel-la/robo-boy/tfgraph"
)

func newTestInput(t *testing.T) (*Input, *tfgraph.Store) {
	t.Helper()

	store, err := tfgraph.NewStore(tfgraph.DefaultStoreConfig(), nil)
	require.NoError(t, err)

	in := NewInput(Deps{
		Name:   "transform-input-test",
		Config: DefaultConfig(),
		Store:  store,
	})
	require.NotNil(t, in)

	// Run the handler path without a live NATS connection
	in.running.Store(true)
	return in, store
}

func TestHandleMessageIngestsEdge(t *testing.T) {
	in, store := newTestInput(t)

	payload := []byte(`{
		"parent": "world",
		"child": "base",
		"translation": {"x": 1, "y": 0, "z": 0},
		"rotation": {"x": 0, "y": 0, "z": 0, "w": 1},
		"timestamp": 1000
	}`)

	in.HandleMessage(context.Background(), payload)

	assert.Equal(t, 1, store.HistoryLen("world", "base"))
	assert.Equal(t, int64(1), in.edgesReceived.Load())
	assert.Equal(t, int64(0), in.errorCount.Load())
}

func TestHandleMessageDropsUndecodable(t *testing.T) {
	in, store := newTestInput(t)

	in.HandleMessage(context.Background(), []byte(`not json`))

	assert.Equal(t, int64(1), in.errorCount.Load())
	assert.Empty(t, store.Frames())
}

func TestHandleMessageDropsMalformedEdge(t *testing.T) {
	in, store := newTestInput(t)

	// Self-referential edge is rejected by the store
	payload := []byte(`{
		"parent": "base",
		"child": "base",
		"translation": {"x": 0, "y": 0, "z": 0},
		"rotation": {"x": 0, "y": 0, "z": 0, "w": 1},
		"timestamp": 1000
	}`)

	in.HandleMessage(context.Background(), payload)

	assert.Equal(t, int64(1), in.errorCount.Load())
	assert.Equal(t, 0, store.HistoryLen("base", "base"))
}

func TestHandleMessageIgnoredAfterStop(t *testing.T) {
	in, store := newTestInput(t)

	require.NoError(t, in.Stop(time.Second))

	payload := []byte(`{
		"parent": "world",
		"child": "base",
		"translation": {"x": 1, "y": 0, "z": 0},
		"rotation": {"x": 0, "y": 0, "z": 0, "w": 1},
		"timestamp": 1000
	}`)
	in.HandleMessage(context.Background(), payload)

	assert.Equal(t, 0, store.HistoryLen("world", "base"))
	assert.Equal(t, int64(0), in.edgesReceived.Load())
}

func TestInitializeValidation(t *testing.T) {
	store, err := tfgraph.NewStore(tfgraph.DefaultStoreConfig(), nil)
	require.NoError(t, err)

	in := NewInput(Deps{Config: DefaultConfig(), Store: store})
	assert.Error(t, in.Initialize()) // no NATS client

	in = NewInput(Deps{Config: DefaultConfig()})
	assert.Error(t, in.Initialize()) // no store either
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
}

func TestMetaAndDataFlow(t *testing.T) {
	in, _ := newTestInput(t)

	meta := in.Meta()
	assert.Equal(t, "transform-input-test", meta.Name)
	assert.Equal(t, "input", meta.Type)

	flow := in.DataFlow()
	assert.Zero(t, flow.ErrorRate)
}
