package addrspace

import (
	"bytes"
	"context"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
)

type closeTracker struct {
	*bytes.Reader
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++

	return nil
}

func TestSegment(t *testing.T) {
	t.Parallel()

	text := Segment{VAStart: 0, VAEnd: 0x1000, Flags: elf.PF_R | elf.PF_X}
	data := Segment{VAStart: 0x1000, VAEnd: 0x2000, Flags: elf.PF_R | elf.PF_W}

	assert.True(t, text.Contains(0xfff))
	assert.False(t, text.Contains(0x1000))
	assert.True(t, text.Executable())
	assert.False(t, text.Writable())
	assert.True(t, data.Writable())
	assert.False(t, text.Overlaps(data))
	assert.True(t, data.Overlaps(Segment{VAStart: 0x1800, VAEnd: 0x3000}))
}

func TestNew_TooManySegments(t *testing.T) {
	t.Parallel()

	segs := make([]Segment, MaxSegments+1)
	_, err := New(1, segs, 0, nil, Options{})

	var tooMany ErrTooManySegments
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, MaxSegments+1, tooMany.Count)
}

func TestNew_UnalignedHeap(t *testing.T) {
	t.Parallel()

	_, err := New(1, nil, 0x1001, nil, Options{})
	require.Error(t, err)
}

func TestAddressSpace_FindSegmentAndSize(t *testing.T) {
	t.Parallel()

	segs := []Segment{
		{VAStart: 0, VAEnd: 0x1000, Flags: elf.PF_X},
		{VAStart: 0x1000, VAEnd: 0x2000, Flags: elf.PF_W},
	}

	as, err := New(1, segs, 0x2000, nil, Options{SwapContent: swap.ContentDiscard})
	require.NoError(t, err)

	s, ok := as.FindSegment(0x1800)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), s.VAStart)

	_, ok = as.FindSegment(0x2000)
	assert.False(t, ok)

	assert.Equal(t, uint64(0x2000), as.Size())

	old, err := as.Grow(2 * layout.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), old)
	assert.Equal(t, uint64(0x4000), as.Size())

	_, err = as.Grow(-3 * layout.PageSize)
	require.Error(t, err, "cannot shrink below heap start")

	old, err = as.Grow(-layout.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4000), old)
	assert.Equal(t, uint64(0x3000), as.Size())

	_, err = as.Grow(int64(layout.MaxVA))
	require.ErrorIs(t, err, ErrSizeOverflow)
	assert.Equal(t, uint64(0x3000), as.Size())
}

func TestAddressSpace_Counters(t *testing.T) {
	t.Parallel()

	as, err := New(1, nil, 0, nil, Options{SwapContent: swap.ContentDiscard})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), as.CommitResident(0, FaultTypeRead, false))
	assert.Equal(t, uint64(1), as.CommitResident(0x1000, FaultTypeWrite, true))
	assert.Equal(t, 2, as.Resident())
	assert.Equal(t, uint64(2), as.NextSeq())

	as.Evicted(0, 3)
	assert.Equal(t, 1, as.Resident())

	slot, ok := as.Pages().SwapSlot(0)
	require.True(t, ok)
	assert.Equal(t, uint(3), slot)

	as.Dropped(0x1000, true)
	assert.Equal(t, 0, as.Resident())
	assert.False(t, as.Pages().Has(0x1000))
}

func TestAddressSpace_ReleaseAndDestroy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mem, err := phys.New(4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	exe := &closeTracker{Reader: bytes.NewReader(nil)}

	as, err := New(5, nil, 0, exe, Options{SwapSlots: 4, SwapContent: swap.ContentPreserve})
	require.NoError(t, err)
	_, err = as.Grow(4 * layout.PageSize)
	require.NoError(t, err)

	for _, va := range []uint64{0, 0x1000, 0x2000} {
		f, err := mem.Alloc(ctx)
		require.NoError(t, err)
		require.NoError(t, as.PageTable().Map(va, f, pagetable.PermR|pagetable.PermW|pagetable.PermU))
		as.CommitResident(va, FaultTypeWrite, true)
	}

	// Pretend 0x3000 was evicted earlier.
	slot, err := as.Swap().WriteOut(ctx, 0x3000, make([]byte, layout.PageSize))
	require.NoError(t, err)
	as.Pages().MarkSwapped(0x3000, slot)
	assert.Equal(t, 1, as.Swapped())

	require.NoError(t, as.Release(ctx, mem, 0x3000))
	assert.Equal(t, 0, as.Swapped())

	require.NoError(t, as.Release(ctx, mem, 0x2000))
	assert.Equal(t, 2, as.Resident())
	assert.Equal(t, uint(2), mem.InUse())

	require.NoError(t, as.Destroy(ctx, mem))
	assert.Equal(t, uint(0), mem.InUse())
	assert.Equal(t, 0, as.Resident())
	assert.Empty(t, as.Segments())
	assert.Equal(t, 1, exe.closed)
	assert.Nil(t, as.Executable())
}
