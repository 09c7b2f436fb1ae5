// Package addrspace holds the per-process address-space descriptor: the
// segments of the loaded image, the heap/stack boundary and size, the demand
// paging counters, the page table and the swap pool.
package addrspace

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
	"github.com/e2b-dev/infra/packages/pager/internal/trace"
)

// MaxSegments is the number of loadable segments an address space can hold.
const MaxSegments = 16

type Segment struct {
	VAStart    uint64
	VAEnd      uint64
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
	Flags      elf.ProgFlag
}

func (s Segment) Contains(va uint64) bool {
	return va >= s.VAStart && va < s.VAEnd
}

func (s Segment) Overlaps(o Segment) bool {
	return s.VAStart < o.VAEnd && o.VAStart < s.VAEnd
}

func (s Segment) Executable() bool {
	return s.Flags&elf.PF_X != 0
}

func (s Segment) Writable() bool {
	return s.Flags&elf.PF_W != 0
}

// Executable is the open image the text and data pages are read from.
type Executable interface {
	io.ReaderAt
	io.Closer
}

// ErrTooManySegments is returned when an image has more loadable segments than MaxSegments.
type ErrTooManySegments struct {
	Count int
}

func (e ErrTooManySegments) Error() string {
	return fmt.Sprintf("too many segments: %d > %d", e.Count, MaxSegments)
}

var ErrSizeOverflow = errors.New("address space size overflow")

type Options struct {
	SwapSlots   uint
	SwapContent swap.ContentMode
	Recorder    *trace.Recorder
}

type AddressSpace struct {
	PID int

	segments  []Segment
	heapStart uint64
	exe       Executable

	mu       sync.RWMutex
	size     uint64
	resident int

	pageTable *pagetable.PageTable
	pages     *PageIndex
	swap      *swap.Pool
}

// New creates an address space. segments are copied and never change afterwards.
func New(pid int, segments []Segment, heapStart uint64, exe Executable, opts Options) (*AddressSpace, error) {
	if len(segments) > MaxSegments {
		return nil, ErrTooManySegments{Count: len(segments)}
	}

	if !layout.IsAligned(heapStart) {
		return nil, fmt.Errorf("heap start 0x%x is not page aligned", heapStart)
	}

	segs := make([]Segment, len(segments), MaxSegments)
	copy(segs, segments)

	return &AddressSpace{
		PID:       pid,
		segments:  segs,
		heapStart: heapStart,
		size:      heapStart,
		exe:       exe,
		pageTable: pagetable.New(),
		pages:     NewPageIndex(),
		swap:      swap.NewPool(pid, opts.SwapSlots, opts.SwapContent, opts.Recorder),
	}, nil
}

// FindSegment returns the segment containing va.
func (as *AddressSpace) FindSegment(va uint64) (Segment, bool) {
	for _, s := range as.segments {
		if s.Contains(va) {
			return s, true
		}
	}

	return Segment{}, false
}

func (as *AddressSpace) Segments() []Segment {
	out := make([]Segment, len(as.segments))
	copy(out, as.segments)

	return out
}

func (as *AddressSpace) HeapStart() uint64 {
	return as.heapStart
}

func (as *AddressSpace) Executable() Executable {
	return as.exe
}

func (as *AddressSpace) PageTable() *pagetable.PageTable {
	return as.pageTable
}

func (as *AddressSpace) Pages() *PageIndex {
	return as.pages
}

func (as *AddressSpace) Swap() *swap.Pool {
	return as.swap
}

func (as *AddressSpace) Size() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.size
}

// Grow moves the size by delta and returns the old size. Pages are not touched.
func (as *AddressSpace) Grow(delta int64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	old := as.size

	var next uint64
	if delta >= 0 {
		next = old + uint64(delta)
		if next < old || next > layout.MaxVA {
			return old, ErrSizeOverflow
		}
	} else {
		shrink := uint64(-delta)
		if shrink > old-as.heapStart {
			return old, fmt.Errorf("shrink by %d below heap start 0x%x", shrink, as.heapStart)
		}
		next = old - shrink
	}

	as.size = next

	return old, nil
}

func (as *AddressSpace) Resident() int {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.resident
}

func (as *AddressSpace) Swapped() int {
	return as.swap.Swapped()
}

func (as *AddressSpace) NextSeq() uint64 {
	return as.pages.NextSeq()
}

// CommitResident accounts a newly mapped page and returns its sequence number.
func (as *AddressSpace) CommitResident(va uint64, faultType FaultType, dirty bool) uint64 {
	as.mu.Lock()
	as.resident++
	as.mu.Unlock()

	return as.pages.Commit(va, faultType, dirty)
}

// Evicted accounts a resident page that was written to slot and unmapped.
func (as *AddressSpace) Evicted(va uint64, slot uint) {
	as.mu.Lock()
	as.resident--
	as.mu.Unlock()

	as.pages.MarkSwapped(va, slot)
}

// Dropped accounts a page that left the address space entirely.
func (as *AddressSpace) Dropped(va uint64, wasResident bool) {
	if wasResident {
		as.mu.Lock()
		as.resident--
		as.mu.Unlock()
	}

	as.pages.Forget(va)
}

// Release unmaps va if resident, frees its frame and its swap slot.
func (as *AddressSpace) Release(ctx context.Context, mem *phys.Memory, va uint64) error {
	var errs []error

	if slot, ok := as.pages.SwapSlot(va); ok {
		as.swap.Discard(slot)
	}

	e, err := as.pageTable.Unmap(va)
	resident := err == nil
	if resident {
		if freeErr := mem.Free(ctx, e.Frame); freeErr != nil {
			errs = append(errs, freeErr)
		}
	}

	as.Dropped(va, resident)

	return errors.Join(errs...)
}

// Destroy releases every frame, swap slot and the executable. The address space
// must not be used afterwards.
func (as *AddressSpace) Destroy(ctx context.Context, mem *phys.Memory) error {
	var errs []error

	for _, va := range as.pageTable.Mapped() {
		e, err := as.pageTable.Unmap(va)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if err := mem.Free(ctx, e.Frame); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := as.swap.Cleanup(); err != nil {
		errs = append(errs, err)
	}

	as.pages.Reset()

	as.mu.Lock()
	as.resident = 0
	as.size = 0
	as.mu.Unlock()

	as.segments = nil

	if as.exe != nil {
		if err := as.exe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close executable: %w", err))
		}
		as.exe = nil
	}

	return errors.Join(errs...)
}
