package fault

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	as, err := addrspace.New(1, []addrspace.Segment{
		{VAStart: 0, VAEnd: 0x1000, Flags: elf.PF_R | elf.PF_X},
		{VAStart: 0x1000, VAEnd: 0x1800, Flags: elf.PF_R | elf.PF_W},
	}, 0x2000, nil, addrspace.Options{SwapContent: swap.ContentDiscard})
	require.NoError(t, err)

	// One heap page, the argument page and one stack page.
	_, err = as.Grow(3 * layout.PageSize)
	require.NoError(t, err)

	tests := []struct {
		va   uint64
		want Cause
	}{
		{va: 0x0, want: CauseText},
		{va: 0xfff, want: CauseText},
		{va: 0x1000, want: CauseData},
		{va: 0x17ff, want: CauseData},
		{va: 0x1800, want: CauseInvalid},
		{va: 0x2000, want: CauseHeap},
		{va: 0x3000, want: CauseStack},
		{va: 0x4fff, want: CauseStack},
		{va: 0x5000, want: CauseInvalid},
		{va: layout.MaxVA, want: CauseInvalid},
		{va: 0xffffffffffff, want: CauseInvalid},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(as, tt.va), "va 0x%x", tt.va)
	}

	assert.Equal(t, uint64(0x5000), as.Size(), "classification does not move the size")
	assert.Equal(t, 0, as.PageTable().Len())
}

func TestParseAccess(t *testing.T) {
	t.Parallel()

	a, err := ParseAccess("exec")
	require.NoError(t, err)
	assert.Equal(t, AccessExec, a)

	_, err = ParseAccess("execute")
	require.Error(t, err)
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	ok := Resolved(0x1234)
	assert.False(t, ok.IsKilled())
	assert.Equal(t, "resolved(0x1234)", ok.String())

	k := Killed(KillNoVictim)
	assert.True(t, k.IsKilled())
	assert.Equal(t, "killed(no-victim)", k.String())
}
