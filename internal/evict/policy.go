// Package evict picks the resident page that gives up its frame when physical
// memory is exhausted.
package evict

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
)

type Name string

const (
	NameFIFO    Name = "fifo"
	NameAddress Name = "address"
)

// View is the part of an address space a policy reads. It never mutates it.
type View interface {
	Size() uint64
	PageTable() *pagetable.PageTable
	Pages() *addrspace.PageIndex
}

var _ View = (*addrspace.AddressSpace)(nil)

type Victim struct {
	VA  uint64
	Seq uint64
}

type Policy interface {
	// SelectVictim returns the resident page to evict, or false when the
	// address space has no resident page.
	SelectVictim(v View) (Victim, bool)
	// Algo is the label used in VICTIM trace lines.
	Algo() string
}

func New(name Name) (Policy, error) {
	switch name {
	case NameFIFO, "":
		return FIFO{}, nil
	case NameAddress:
		return AddressOrder{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// FIFO evicts the resident page that was committed first.
type FIFO struct{}

func (FIFO) Algo() string {
	return "FIFO"
}

func (FIFO) SelectVictim(v View) (Victim, bool) {
	pt := v.PageTable()

	e, ok := v.Pages().Oldest(func(va uint64) bool {
		_, mapped := pt.Walk(va)

		return mapped
	})
	if !ok {
		return Victim{}, false
	}

	return Victim{VA: e.VA, Seq: e.Seq}, true
}

// AddressOrder walks [0, size) and evicts the mapped page with the lowest
// address, using VA / PageSize as its sequence number.
type AddressOrder struct{}

// Algo is FIFO as well: the address walk is what the reference pager calls
// its FIFO, and VICTIM lines stay comparable with its traces.
func (AddressOrder) Algo() string {
	return "FIFO"
}

func (AddressOrder) SelectVictim(v View) (Victim, bool) {
	size := v.Size()

	// Mapped is sorted, so the first page below size is the one a linear
	// walk of [0, size) would stop at.
	for _, va := range v.PageTable().Mapped() {
		if va >= size {
			break
		}

		return Victim{VA: va, Seq: layout.PageIdx(va)}, true
	}

	return Victim{}, false
}
