package loader

import (
	"bytes"
	"context"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
	"github.com/e2b-dev/infra/packages/pager/internal/testutils"
	"github.com/e2b-dev/infra/packages/pager/internal/trace"
)

func load(t *testing.T, img testutils.Image) (*addrspace.AddressSpace, *trace.Recorder, error) {
	t.Helper()

	rec := trace.NewRecorder(true, nil)
	exe := testutils.NewExecutable(img.Build())

	as, err := Load(context.Background(), 3, exe, addrspace.Options{SwapContent: swap.ContentDiscard, Recorder: rec})

	return as, rec, err
}

func TestLoad_TextAndData(t *testing.T) {
	t.Parallel()

	as, rec, err := load(t, testutils.TextAndData())
	require.NoError(t, err)

	segs := as.Segments()
	require.Len(t, segs, 2)

	assert.Equal(t, uint64(0), segs[0].VAStart)
	assert.Equal(t, uint64(0x1000), segs[0].VAEnd)
	assert.Equal(t, uint64(0x200), segs[0].FileSize)
	assert.True(t, segs[0].Executable())
	assert.True(t, segs[1].Writable())

	assert.Equal(t, uint64(0x2000), as.HeapStart())
	assert.Equal(t, 0, as.Resident())
	assert.Equal(t, 0, as.PageTable().Len())

	assert.Equal(t, []string{
		"[pid 3] INIT-LAZYMAP text=[0x0,0x1000) data=[0x1000,0x2000) heap_start=0x2000 stack_top=0x4000",
	}, rec.Lines(3))
}

func TestLoad_HeapStartRoundsUp(t *testing.T) {
	t.Parallel()

	as, _, err := load(t, testutils.Image{Progs: []testutils.Prog{
		{Flags: elf.PF_R | elf.PF_X, VAddr: 0, MemSz: 0x1000, Data: []byte{1}},
		{Flags: elf.PF_R | elf.PF_W, VAddr: 0x3000, MemSz: 0x1234},
	}})
	require.NoError(t, err)

	assert.Equal(t, uint64(0x5000), as.HeapStart())
	assert.True(t, layout.IsAligned(as.HeapStart()))

	for _, s := range as.Segments() {
		assert.LessOrEqual(t, s.VAEnd, as.HeapStart())
	}
}

func TestLoad_SkipsNonLoadHeaders(t *testing.T) {
	t.Parallel()

	as, _, err := load(t, testutils.Image{Progs: []testutils.Prog{
		{Type: elf.PT_NOTE, VAddr: 0x10, MemSz: 0x10},
		{Flags: elf.PF_R, VAddr: 0, MemSz: 0x1000},
	}})
	require.NoError(t, err)
	assert.Len(t, as.Segments(), 1)
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()

	tooMany := make([]testutils.Prog, addrspace.MaxSegments+1)
	for i := range tooMany {
		tooMany[i] = testutils.Prog{Flags: elf.PF_R, VAddr: uint64(i) * layout.PageSize, MemSz: layout.PageSize}
	}

	tests := []struct {
		name  string
		progs []testutils.Prog
		kind  ErrorKind
	}{
		{
			name:  "mem smaller than file",
			progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: 0, MemSz: 0x10, Data: make([]byte, 0x20)}},
			kind:  KindMemSmallerThanFile,
		},
		{
			name:  "wrapping end",
			progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: 0xfffffffffffff000, MemSz: 0x2000}},
			kind:  KindOverflow,
		},
		{
			name:  "beyond max va",
			progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: layout.MaxVA - layout.PageSize, MemSz: 0x2000}},
			kind:  KindOverflow,
		},
		{
			name:  "unaligned",
			progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: 0x1010, MemSz: 0x10}},
			kind:  KindUnaligned,
		},
		{
			name:  "file range outside image",
			progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: 0, MemSz: 0x1000, Offset: 0x40, FileSz: 0x800}},
			kind:  KindOutOfImage,
		},
		{
			name: "overlap",
			progs: []testutils.Prog{
				{Flags: elf.PF_R, VAddr: 0, MemSz: 0x2000},
				{Flags: elf.PF_R, VAddr: 0x1000, MemSz: 0x1000},
			},
			kind: KindOverlap,
		},
		{
			name:  "too many segments",
			progs: tooMany,
			kind:  KindTooManySegments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			as, rec, err := load(t, testutils.Image{Progs: tt.progs})
			require.Error(t, err)
			assert.Nil(t, as)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.Zero(t, rec.Count(), "a failed load records nothing")
		})
	}
}

func TestLoad_BadMagic(t *testing.T) {
	t.Parallel()

	raw := testutils.TextAndData().Build()
	raw[0] = 0

	exe := testutils.NewExecutable(raw)
	_, err := Load(context.Background(), 1, exe, addrspace.Options{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBadFormat))
	assert.Zero(t, exe.Closed(), "the caller keeps the image on failure")
}

func TestLoad_TooManySegmentsUnwraps(t *testing.T) {
	t.Parallel()

	progs := make([]testutils.Prog, addrspace.MaxSegments+1)
	for i := range progs {
		progs[i] = testutils.Prog{Flags: elf.PF_R, VAddr: uint64(i) * layout.PageSize, MemSz: layout.PageSize}
	}

	_, _, err := load(t, testutils.Image{Progs: progs})

	var tooMany addrspace.ErrTooManySegments
	require.ErrorAs(t, err, &tooMany)
}

func TestRanges(t *testing.T) {
	t.Parallel()

	text, data := Ranges([]addrspace.Segment{
		{VAStart: 0x2000, VAEnd: 0x3000, Flags: elf.PF_X},
		{VAStart: 0, VAEnd: 0x1000, Flags: elf.PF_X},
	})

	assert.Equal(t, [2]uint64{0, 0x3000}, text)
	assert.Equal(t, [2]uint64{0, 0}, data)
}

type plainImage struct {
	r *bytes.Reader
}

func (p plainImage) ReadAt(b []byte, off int64) (int, error) {
	return p.r.ReadAt(b, off)
}

func (plainImage) Close() error {
	return nil
}

func TestLoad_OutOfImageWithoutSize(t *testing.T) {
	t.Parallel()

	img := testutils.Image{Progs: []testutils.Prog{{Flags: elf.PF_R, VAddr: 0, MemSz: 0x1000, Offset: 0x40, FileSz: 0x800}}}

	_, err := Load(context.Background(), 1, plainImage{r: bytes.NewReader(img.Build())}, addrspace.Options{})
	assert.True(t, IsKind(err, KindOutOfImage), "got %v", err)

	_, err = Load(context.Background(), 1, plainImage{r: bytes.NewReader(testutils.TextAndData().Build())}, addrspace.Options{})
	require.NoError(t, err)
}
