// Package swap implements the per-process backing store for evicted pages.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/pager/internal/metrics"
	"github.com/e2b-dev/infra/packages/pager/internal/trace"
)

// MaxSlots is the number of swap slots every process gets.
const MaxSlots = 1024

// ErrSwapFull is returned when every slot of the pool is in use.
type ErrSwapFull struct{}

func (ErrSwapFull) Error() string {
	return "no free swap slots"
}

var ErrSlotNotInUse = errors.New("swap slot not in use")

// Pool is the slot bitmap and content store of one process.
// The store is created on the first write out.
type Pool struct {
	mu sync.Mutex

	pid      int
	capacity uint
	mode     ContentMode

	used    *bitset.BitSet
	store   Store
	// swapped is read without mu so counters never wait for slot I/O.
	swapped atomic.Int64

	recorder *trace.Recorder
}

func NewPool(pid int, capacity uint, mode ContentMode, recorder *trace.Recorder) *Pool {
	if capacity == 0 {
		capacity = MaxSlots
	}

	return &Pool{
		pid:      pid,
		capacity: capacity,
		mode:     mode,
		recorder: recorder,
	}
}

func (p *Pool) initLocked() error {
	if p.store != nil {
		return nil
	}

	store, err := NewStore(p.mode, p.capacity)
	if err != nil {
		return fmt.Errorf("failed to init swap store: %w", err)
	}

	p.store = store
	p.used = bitset.New(p.capacity)
	p.swapped.Store(0)

	return nil
}

// AllocateSlot marks the lowest free slot as used and returns it.
func (p *Pool) AllocateSlot() (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.initLocked(); err != nil {
		return 0, err
	}

	return p.allocateLocked()
}

func (p *Pool) allocateLocked() (uint, error) {
	slot, ok := p.used.NextClear(0)
	if !ok || slot >= p.capacity {
		return 0, ErrSwapFull{}
	}

	p.used.Set(slot)

	return slot, nil
}

// ReleaseSlot marks slot as free. Releasing a free slot is a no-op.
func (p *Pool) ReleaseSlot(slot uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used == nil || slot >= p.capacity {
		return
	}

	p.used.Clear(slot)
}

// Discard frees a slot whose page is no longer needed, such as a heap page
// dropped by a shrinking sbrk.
func (p *Pool) Discard(slot uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used == nil || slot >= p.capacity || !p.used.Test(slot) {
		return
	}

	p.used.Clear(slot)
	p.swapped.Add(-1)
}

// WriteOut stores the content of frame in a new slot and returns it.
func (p *Pool) WriteOut(ctx context.Context, va uint64, frame []byte) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.initLocked(); err != nil {
		return 0, err
	}

	slot, err := p.allocateLocked()
	if err != nil {
		p.recorder.Record(p.pid, trace.TagSwapFull)

		return 0, err
	}

	if err := p.store.WritePage(slot, frame); err != nil {
		p.used.Clear(slot)

		return 0, fmt.Errorf("failed to write slot %d: %w", slot, err)
	}

	p.swapped.Add(1)
	metrics.Add(ctx, metrics.SwapOutsMeterName)
	p.recorder.Record(p.pid, trace.TagSwapOut, trace.VA(va), trace.Int("slot", int64(slot)))

	return slot, nil
}

// ReadIn restores slot into frame and frees the slot.
func (p *Pool) ReadIn(ctx context.Context, va uint64, frame []byte, slot uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store == nil || slot >= p.capacity || !p.used.Test(slot) {
		return fmt.Errorf("read in of slot %d: %w", slot, ErrSlotNotInUse)
	}

	if err := p.store.ReadPage(slot, frame); err != nil {
		return fmt.Errorf("failed to read slot %d: %w", slot, err)
	}

	p.used.Clear(slot)
	p.swapped.Add(-1)
	metrics.Add(ctx, metrics.SwapInsMeterName)
	p.recorder.Record(p.pid, trace.TagSwapIn, trace.VA(va), trace.Int("slot", int64(slot)))

	return nil
}

// Cleanup releases every slot and the store. It returns how many slots were in use.
func (p *Pool) Cleanup() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.swapped.Store(0)

	if p.store == nil {
		return 0, nil
	}

	freed := int(p.used.Count())
	p.recorder.Record(p.pid, trace.TagSwapCleanup, trace.Int("freed_slots", int64(freed)))

	err := p.store.Close()
	p.store = nil
	p.used = nil

	return freed, err
}

// Swapped is the number of pages currently held in the pool.
func (p *Pool) Swapped() int {
	return int(p.swapped.Load())
}

func (p *Pool) InUse(slot uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.used != nil && slot < p.capacity && p.used.Test(slot)
}

func (p *Pool) Capacity() uint {
	return p.capacity
}
