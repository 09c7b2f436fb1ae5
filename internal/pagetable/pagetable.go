// Package pagetable models the per-process hardware page table. Validity of an
// entry is the only notion of residency the rest of the pager relies on.
package pagetable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
)

type Perm uint8

const (
	PermV Perm = 1 << iota
	PermR
	PermW
	PermX
	PermU
)

func (p Perm) Has(o Perm) bool {
	return p&o == o
}

func (p Perm) String() string {
	b := []byte("-----")
	for i, c := range []struct {
		bit  Perm
		char byte
	}{{PermV, 'v'}, {PermR, 'r'}, {PermW, 'w'}, {PermX, 'x'}, {PermU, 'u'}} {
		if p&c.bit != 0 {
			b[i] = c.char
		}
	}

	return string(b)
}

type PTE struct {
	Perm  Perm
	Frame phys.Frame
}

func (e PTE) Valid() bool {
	return e.Perm&PermV != 0
}

var (
	ErrAlreadyMapped = errors.New("page already mapped")
	ErrNotMapped     = errors.New("page not mapped")
)

type ErrBadAddress struct {
	VA uint64
}

func (e ErrBadAddress) Error() string {
	return fmt.Sprintf("bad virtual address 0x%x", e.VA)
}

// PageTable maps page-aligned virtual addresses to frames.
type PageTable struct {
	mu      sync.RWMutex
	entries map[uint64]PTE
}

func New() *PageTable {
	return &PageTable{
		entries: make(map[uint64]PTE),
	}
}

func checkAddr(va uint64) error {
	if va >= layout.MaxVA || !layout.IsAligned(va) {
		return ErrBadAddress{VA: va}
	}

	return nil
}

// Walk returns the entry for the page containing va.
// The second return value is false when no valid entry exists.
func (pt *PageTable) Walk(va uint64) (PTE, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	e, ok := pt.entries[layout.PageRoundDown(va)]
	if !ok || !e.Valid() {
		return PTE{}, false
	}

	return e, true
}

// Map installs a valid entry. PermV is always added.
func (pt *PageTable) Map(va uint64, f phys.Frame, perm Perm) error {
	if err := checkAddr(va); err != nil {
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if e, ok := pt.entries[va]; ok && e.Valid() {
		return fmt.Errorf("remap of 0x%x: %w", va, ErrAlreadyMapped)
	}

	pt.entries[va] = PTE{Perm: perm | PermV, Frame: f}

	return nil
}

// Unmap removes the entry and returns it so the caller can release the frame.
func (pt *PageTable) Unmap(va uint64) (PTE, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	if !ok || !e.Valid() {
		return PTE{}, fmt.Errorf("unmap of 0x%x: %w", va, ErrNotMapped)
	}

	delete(pt.entries, va)

	return e, nil
}

// SetPerm ORs perm into a valid entry.
func (pt *PageTable) SetPerm(va uint64, perm Perm) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	if !ok || !e.Valid() {
		return fmt.Errorf("set perm on 0x%x: %w", va, ErrNotMapped)
	}

	e.Perm |= perm
	pt.entries[va] = e

	return nil
}

// Mapped returns every valid virtual address in ascending order.
func (pt *PageTable) Mapped() []uint64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	vas := make([]uint64, 0, len(pt.entries))
	for va, e := range pt.entries {
		if e.Valid() {
			vas = append(vas, va)
		}
	}

	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })

	return vas
}

func (pt *PageTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	return len(pt.entries)
}
