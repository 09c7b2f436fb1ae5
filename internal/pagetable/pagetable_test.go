package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

func TestPageTable_MapWalkUnmap(t *testing.T) {
	t.Parallel()

	pt := New()

	_, ok := pt.Walk(0x1000)
	assert.False(t, ok)

	require.NoError(t, pt.Map(0x1000, 7, PermR|PermU))

	e, ok := pt.Walk(0x1abc)
	require.True(t, ok)
	assert.Equal(t, uint32(7), e.Frame)
	assert.True(t, e.Perm.Has(PermV|PermR|PermU))
	assert.False(t, e.Perm.Has(PermW))

	err := pt.Map(0x1000, 8, PermR)
	require.ErrorIs(t, err, ErrAlreadyMapped)

	removed, err := pt.Unmap(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), removed.Frame)

	_, err = pt.Unmap(0x1000)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestPageTable_MapRejectsBadAddress(t *testing.T) {
	t.Parallel()

	pt := New()

	var bad ErrBadAddress
	require.ErrorAs(t, pt.Map(layout.MaxVA, 0, PermR), &bad)
	assert.Equal(t, layout.MaxVA, bad.VA)

	require.ErrorAs(t, pt.Map(0x1001, 0, PermR), &bad)
	assert.Equal(t, 0, pt.Len())
}

func TestPageTable_SetPerm(t *testing.T) {
	t.Parallel()

	pt := New()

	require.ErrorIs(t, pt.SetPerm(0, PermW), ErrNotMapped)

	require.NoError(t, pt.Map(0, 1, PermR|PermX))
	require.NoError(t, pt.SetPerm(0, PermW))

	e, ok := pt.Walk(0)
	require.True(t, ok)
	assert.Equal(t, "vrwx-", e.Perm.String())
}

func TestPageTable_MappedSorted(t *testing.T) {
	t.Parallel()

	pt := New()

	for _, va := range []uint64{0x3000, 0x0, 0x2000} {
		require.NoError(t, pt.Map(va, 0, PermR))
	}

	assert.Equal(t, []uint64{0x0, 0x2000, 0x3000}, pt.Mapped())
}
