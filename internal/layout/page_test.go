package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRounding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0), PageRoundDown(0x50))
	assert.Equal(t, uint64(0x1000), PageRoundDown(0x1fff))
	assert.Equal(t, uint64(0x2000), PageRoundUp(0x1001))
	assert.Equal(t, uint64(0x1000), PageRoundUp(0x1000))
	assert.True(t, IsAligned(0x3000))
	assert.False(t, IsAligned(0x3001))
}

func TestPageAddrs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []uint64{0, 0x1000, 0x2000}, PageAddrs(0x2001))
	assert.Empty(t, PageAddrs(0))
	assert.Equal(t, uint64(3), PageIdx(0x3fff))
	assert.Equal(t, uint64(0x3000), PageAddr(3))
}

func TestMaxVA(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0x4000000000), MaxVA)
	assert.True(t, IsAligned(MaxVA))
}
