package kernel

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

type PageState string

const (
	PageUnmapped PageState = "unmapped"
	PageResident PageState = "resident"
	PageSwapped  PageState = "swapped"
)

type PageStat struct {
	VA    uint64    `json:"va"`
	State PageState `json:"state"`
	Dirty bool      `json:"dirty"`
	// Seq is -1 for pages that were never committed.
	Seq int64 `json:"seq"`
	// SwapSlot is -1 unless the page is swapped out.
	SwapSlot int `json:"swap_slot"`
}

type Snapshot struct {
	PID        int        `json:"pid"`
	Resident   int        `json:"resident"`
	Swapped    int        `json:"swapped"`
	NextSeq    uint64     `json:"next_seq"`
	TotalPages int        `json:"total_pages"`
	Pages      []PageStat `json:"pages"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("memstat: pid=%d resident=%d swapped=%d total=%d next_seq=%d",
		s.PID, s.Resident, s.Swapped, s.TotalPages, s.NextSeq)
}

// Stat reports the memory of pid without changing it. Residency comes from
// the page table, swap and ordering data from the page index.
//
// Stat does not take the process lock, so it never waits for a fault in
// flight. Every part it reads is locked on its own; a page that changes state
// during the walk shows either its old or its new state.
func (k *Kernel) Stat(pid int) (Snapshot, error) {
	p, err := k.Process(pid)
	if err != nil {
		return Snapshot{}, err
	}

	as := p.as
	limit := uint64(k.config.StatPageLimit) * layout.PageSize
	addrs := layout.PageAddrs(min(as.Size(), limit))

	snap := Snapshot{
		PID:        pid,
		Resident:   as.Resident(),
		Swapped:    as.Swapped(),
		NextSeq:    as.NextSeq(),
		TotalPages: len(addrs),
		Pages:      make([]PageStat, 0, len(addrs)),
	}

	pt := as.PageTable()
	pages := as.Pages()

	for _, va := range addrs {
		ps := PageStat{VA: va, State: PageUnmapped, Seq: -1, SwapSlot: -1}

		e, known := pages.Entry(va)
		if known {
			ps.Dirty = e.Dirty
		}

		if _, ok := pt.Walk(va); ok {
			ps.State = PageResident
			if known {
				ps.Seq = int64(e.Seq)
			}
		} else if known && e.Swapped {
			ps.State = PageSwapped
			ps.Seq = int64(e.Seq)
			ps.SwapSlot = int(e.SwapSlot)
		}

		snap.Pages = append(snap.Pages, ps)
	}

	return snap, nil
}
