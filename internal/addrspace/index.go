package addrspace

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

// FaultType represents the type of memory access that caused a page to be loaded.
type FaultType string

const (
	FaultTypeRead  FaultType = "read"
	FaultTypeWrite FaultType = "write"
	FaultTypeExec  FaultType = "exec"
	// FaultTypeEager marks pages mapped without a fault (exec argument page, eager sbrk).
	FaultTypeEager FaultType = "eager"
)

// PageEntry holds metadata about a page the process has touched.
type PageEntry struct {
	VA        uint64
	Seq       uint64
	FaultType FaultType
	Dirty     bool

	Swapped  bool
	SwapSlot uint
}

// PageIndex is an ordering and swap-location index over the pages of one
// address space. It never decides residency, the page table does.
type PageIndex struct {
	b  *bitset.BitSet
	mu sync.RWMutex

	entries map[uint64]PageEntry
	// nextSeq is the sequence number handed to the next committed page.
	nextSeq uint64
}

func NewPageIndex() *PageIndex {
	return &PageIndex{
		// The bitset resizes automatically based on the maximum set bit.
		b:       bitset.New(0),
		entries: make(map[uint64]PageEntry),
	}
}

func (x *PageIndex) Has(va uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.b.Test(uint(layout.PageIdx(va)))
}

// Commit records va as freshly resident and returns its sequence number.
// A page coming back from swap gets a new sequence number.
func (x *PageIndex) Commit(va uint64, faultType FaultType, dirty bool) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := layout.PageIdx(va)
	seq := x.nextSeq
	x.nextSeq++

	x.b.Set(uint(idx))
	x.entries[idx] = PageEntry{
		VA:        layout.PageAddr(idx),
		Seq:       seq,
		FaultType: faultType,
		Dirty:     dirty,
	}

	return seq
}

func (x *PageIndex) MarkDirty(va uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := layout.PageIdx(va)
	if e, ok := x.entries[idx]; ok {
		e.Dirty = true
		x.entries[idx] = e
	}
}

func (x *PageIndex) MarkSwapped(va uint64, slot uint) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := layout.PageIdx(va)
	e, ok := x.entries[idx]
	if !ok {
		e = PageEntry{VA: layout.PageAddr(idx)}
	}

	e.Swapped = true
	e.SwapSlot = slot

	x.b.Set(uint(idx))
	x.entries[idx] = e
}

// SwapSlot returns the slot holding va, if the page is swapped out.
func (x *PageIndex) SwapSlot(va uint64) (uint, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.entries[layout.PageIdx(va)]
	if !ok || !e.Swapped {
		return 0, false
	}

	return e.SwapSlot, true
}

func (x *PageIndex) Entry(va uint64) (PageEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.entries[layout.PageIdx(va)]

	return e, ok
}

func (x *PageIndex) Forget(va uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := layout.PageIdx(va)
	x.b.Clear(uint(idx))
	delete(x.entries, idx)
}

// Oldest returns the non-swapped page with the lowest sequence number among
// those accepted by keep.
func (x *PageIndex) Oldest(keep func(va uint64) bool) (PageEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var (
		best  PageEntry
		found bool
	)

	for idx, ok := x.b.NextSet(0); ok; idx, ok = x.b.NextSet(idx + 1) {
		e := x.entries[uint64(idx)]
		if e.Swapped || !keep(e.VA) {
			continue
		}

		if !found || e.Seq < best.Seq {
			best = e
			found = true
		}
	}

	return best, found
}

// Swapped returns the swapped-out entries in address order.
func (x *PageIndex) Swapped() []PageEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []PageEntry

	for idx, ok := x.b.NextSet(0); ok; idx, ok = x.b.NextSet(idx + 1) {
		if e := x.entries[uint64(idx)]; e.Swapped {
			out = append(out, e)
		}
	}

	return out
}

func (x *PageIndex) NextSeq() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.nextSeq
}

func (x *PageIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.b.ClearAll()
	x.entries = make(map[uint64]PageEntry)
	x.nextSeq = 0
}
