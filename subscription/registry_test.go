package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessel-la/robo-boy/tfgraph"
)

func testPairs() []tfgraph.Pair {
	return []tfgraph.Pair{{Source: "world", Target: "sensor"}}
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	reg := NewRegistry(nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sub, err := reg.Create(testPairs(), 10, Config{})
		require.NoError(t, err)
		require.NotEmpty(t, sub.ID)
		assert.False(t, seen[sub.ID], "duplicate id %s", sub.ID)
		seen[sub.ID] = true
	}
	assert.Equal(t, 100, reg.Len())
}

func TestCreateValidation(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Create(nil, 10, Config{})
	assert.Error(t, err)

	_, err = reg.Create([]tfgraph.Pair{{Source: "", Target: "sensor"}}, 10, Config{})
	assert.Error(t, err)

	_, err = reg.Create(testPairs(), 0, Config{})
	assert.Error(t, err)

	_, err = reg.Create(testPairs(), -5, Config{})
	assert.Error(t, err)

	_, err = reg.Create(testPairs(), 10, Config{AngularThreshold: -0.1})
	assert.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)

	sub, err := reg.Create(testPairs(), 10, Config{})
	require.NoError(t, err)

	assert.True(t, reg.Cancel(sub.ID))
	assert.False(t, reg.Cancel(sub.ID))
	assert.False(t, reg.Cancel("never-existed"))
	assert.Equal(t, 0, reg.Len())
}

func TestListIsPointInTimeCopy(t *testing.T) {
	reg := NewRegistry(nil)

	sub, err := reg.Create(testPairs(), 10, Config{})
	require.NoError(t, err)

	listed := reg.List()
	require.Len(t, listed, 1)

	// Mutating the registry after List does not affect the returned slice
	reg.Cancel(sub.ID)
	assert.Len(t, listed, 1)
	assert.Equal(t, sub.ID, listed[0].ID)
	assert.Empty(t, reg.List())
}

func TestSubscriptionPairsCopied(t *testing.T) {
	reg := NewRegistry(nil)

	pairs := testPairs()
	sub, err := reg.Create(pairs, 10, Config{})
	require.NoError(t, err)

	pairs[0].Source = "mutated"

	stored, ok := reg.Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, "world", stored.Pairs[0].Source)
}
