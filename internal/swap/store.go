package swap

import (
	"fmt"
	"math"

	"github.com/edsrzf/mmap-go"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

type ContentMode string

const (
	// ContentPreserve keeps the evicted bytes so a swapped-in page is identical.
	ContentPreserve ContentMode = "preserve"
	// ContentDiscard drops evicted bytes; swapped-in pages come back zero-filled.
	ContentDiscard ContentMode = "discard"
)

// Store holds the content of swapped-out pages, one page per slot.
type Store interface {
	WritePage(slot uint, src []byte) error
	ReadPage(slot uint, dst []byte) error
	Close() error
}

func NewStore(mode ContentMode, capacity uint) (Store, error) {
	switch mode {
	case ContentDiscard:
		return discardStore{}, nil
	case ContentPreserve, "":
		return newMmapStore(capacity)
	default:
		return nil, fmt.Errorf("unknown swap content mode %q", mode)
	}
}

type discardStore struct{}

func (discardStore) WritePage(uint, []byte) error {
	return nil
}

func (discardStore) ReadPage(_ uint, dst []byte) error {
	clear(dst)

	return nil
}

func (discardStore) Close() error {
	return nil
}

// mmapStore keeps slot content in an anonymous mapping sized for the whole pool.
// Untouched slots never get backing pages from the host.
type mmapStore struct {
	mmap     mmap.MMap
	capacity uint
}

func newMmapStore(capacity uint) (*mmapStore, error) {
	size := uint64(capacity) * layout.PageSize
	if size == 0 || size > math.MaxInt {
		return nil, fmt.Errorf("invalid swap store size %d", size)
	}

	mm, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping swap store: %w", err)
	}

	return &mmapStore{
		mmap:     mm,
		capacity: capacity,
	}, nil
}

func (s *mmapStore) page(slot uint) ([]byte, error) {
	if slot >= s.capacity {
		return nil, fmt.Errorf("slot %d out of range (capacity %d)", slot, s.capacity)
	}

	off := uint64(slot) * layout.PageSize

	return s.mmap[off : off+layout.PageSize], nil
}

func (s *mmapStore) WritePage(slot uint, src []byte) error {
	p, err := s.page(slot)
	if err != nil {
		return err
	}

	copy(p, src)

	return nil
}

func (s *mmapStore) ReadPage(slot uint, dst []byte) error {
	p, err := s.page(slot)
	if err != nil {
		return err
	}

	copy(dst, p)

	return nil
}

func (s *mmapStore) Close() error {
	if err := s.mmap.Unmap(); err != nil {
		return fmt.Errorf("error unmapping swap store: %w", err)
	}

	return nil
}
