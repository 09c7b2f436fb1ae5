// Package phys simulates the physical memory of the machine: a fixed number of
// page-sized frames carved out of one anonymous mapping, handed out by a
// single allocator shared by every process.
package phys

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/metrics"
)

// Frame is a physical page number.
type Frame = uint32

// ErrNoFreeFrames is returned when every frame is allocated.
// The caller has to evict something before retrying.
type ErrNoFreeFrames struct{}

func (ErrNoFreeFrames) Error() string {
	return "no free frames"
}

var ErrMemoryClosed = errors.New("physical memory already closed")

type Memory struct {
	mu sync.Mutex
	// We use the bitset to speedup the free frame lookup.
	used     *bitset.BitSet
	capacity uint
	inUse    uint

	mmap   mmap.MMap
	closed bool

	framesInUse metric.Int64UpDownCounter
}

func New(frames uint) (*Memory, error) {
	if frames == 0 {
		return nil, fmt.Errorf("physical memory needs at least one frame")
	}

	size := uint64(frames) * layout.PageSize
	if size > math.MaxInt {
		return nil, fmt.Errorf("size too big: %d > %d", size, math.MaxInt)
	}

	mm, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping physical memory: %w", err)
	}

	counter, err := metrics.GetUpDownCounter(metrics.FramesInUseMeterName)
	if err != nil {
		_ = mm.Unmap()

		return nil, fmt.Errorf("failed to get frames in use counter: %w", err)
	}

	return &Memory{
		used:        bitset.New(frames),
		capacity:    frames,
		mmap:        mm,
		framesInUse: counter,
	}, nil
}

// Alloc takes the lowest free frame. The content of the frame is undefined.
func (m *Memory) Alloc(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrMemoryClosed
	}

	idx, ok := m.used.NextClear(0)
	if !ok || idx >= m.capacity {
		return 0, ErrNoFreeFrames{}
	}

	m.used.Set(idx)
	m.inUse++
	m.framesInUse.Add(ctx, 1)

	return Frame(idx), nil
}

func (m *Memory) Free(ctx context.Context, f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryClosed
	}

	if uint(f) >= m.capacity {
		return fmt.Errorf("frame %d out of range (capacity %d)", f, m.capacity)
	}

	if !m.used.Test(uint(f)) {
		return fmt.Errorf("frame %d is not allocated", f)
	}

	m.used.Clear(uint(f))
	m.inUse--
	m.framesInUse.Add(ctx, -1)

	return nil
}

// Page returns the bytes backing f. The slice aliases physical memory.
func (m *Memory) Page(f Frame) []byte {
	off := uint64(f) * layout.PageSize

	return m.mmap[off : off+layout.PageSize : off+layout.PageSize]
}

func (m *Memory) Zero(f Frame) {
	clear(m.Page(f))
}

func (m *Memory) Capacity() uint {
	return m.capacity
}

func (m *Memory) InUse() uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inUse
}

func (m *Memory) Available() uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity - m.inUse
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	if err := m.mmap.Unmap(); err != nil {
		return fmt.Errorf("error unmapping physical memory: %w", err)
	}

	return nil
}
