package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/evict"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env, which may cause issues
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, uint(64), config.PhysicalFrames)
		assert.Equal(t, evict.NameFIFO, config.EvictionPolicy)
		assert.Equal(t, swap.ContentPreserve, config.SwapContent)
		assert.Equal(t, uint(swap.MaxSlots), config.SwapSlots)
		assert.Equal(t, 128, config.StatPageLimit)
		assert.True(t, config.TraceEnabled)
		assert.False(t, config.Debug)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("PAGER_PHYSICAL_FRAMES", "2")
		t.Setenv("PAGER_EVICTION_POLICY", "address")
		t.Setenv("PAGER_SWAP_CONTENT", "discard")
		t.Setenv("PAGER_TRACE_ENABLED", "false")
		t.Setenv("LOG_DEBUG", "true")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, uint(2), config.PhysicalFrames)
		assert.Equal(t, evict.NameAddress, config.EvictionPolicy)
		assert.Equal(t, swap.ContentDiscard, config.SwapContent)
		assert.False(t, config.TraceEnabled)
		assert.True(t, config.Debug)
	})

	t.Run("unknown policy", func(t *testing.T) {
		t.Setenv("PAGER_EVICTION_POLICY", "clock")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("unknown swap content", func(t *testing.T) {
		t.Setenv("PAGER_SWAP_CONTENT", "disk")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("zero frames", func(t *testing.T) {
		t.Setenv("PAGER_PHYSICAL_FRAMES", "0")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("too many swap slots", func(t *testing.T) {
		t.Setenv("PAGER_SWAP_SLOTS", "4096")

		_, err := Parse()
		require.Error(t, err)
	})
}
