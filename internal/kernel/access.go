package kernel

import (
	"context"
	"fmt"

	"github.com/e2b-dev/infra/packages/pager/internal/fault"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
)

// CopyOut writes data into the memory of pid at va, faulting in every page it
// touches as a write would.
func (k *Kernel) CopyOut(ctx context.Context, pid int, va uint64, data []byte) error {
	p, err := k.Process(pid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Killed() {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessKilled)
	}

	return k.copyOutLocked(ctx, p, va, data)
}

// CopyIn reads n bytes of the memory of pid at va, faulting in every page it
// touches as a read would.
func (k *Kernel) CopyIn(ctx context.Context, pid int, va uint64, n int) ([]byte, error) {
	p, err := k.Process(pid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Killed() {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessKilled)
	}

	return k.copyInLocked(ctx, p, va, n)
}

func (k *Kernel) copyOutLocked(ctx context.Context, p *Process, va uint64, data []byte) error {
	for len(data) > 0 {
		page := layout.PageRoundDown(va)
		off := va - page
		n := min(layout.PageSize-off, uint64(len(data)))

		frame, err := k.userPage(ctx, p, page, fault.AccessWrite)
		if err != nil {
			return err
		}

		copy(k.mem.Page(frame)[off:], data[:n])
		p.as.Pages().MarkDirty(page)

		data = data[n:]
		va += n
	}

	return nil
}

func (k *Kernel) copyInLocked(ctx context.Context, p *Process, va uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}

	out := make([]byte, 0, n)

	for len(out) < n {
		page := layout.PageRoundDown(va)
		off := va - page
		chunk := min(layout.PageSize-off, uint64(n-len(out)))

		frame, err := k.userPage(ctx, p, page, fault.AccessRead)
		if err != nil {
			return nil, err
		}

		out = append(out, k.mem.Page(frame)[off:off+chunk]...)
		va += chunk
	}

	return out, nil
}

// maxFaultsPerPage covers a missing read-only page that is written: the first
// fault maps it, the second upgrades it.
const maxFaultsPerPage = 2

// userPage returns the frame behind page, faulting until it is mapped with
// the permissions access needs.
func (k *Kernel) userPage(ctx context.Context, p *Process, page uint64, access fault.Access) (phys.Frame, error) {
	need := pagetable.PermR | pagetable.PermU
	if access == fault.AccessWrite {
		need |= pagetable.PermW
	}

	pt := p.as.PageTable()

	for range maxFaultsPerPage {
		if pte, ok := pt.Walk(page); ok && pte.Perm.Has(need) {
			return pte.Frame, nil
		}

		out, err := k.handleFaultLocked(ctx, p, page, access)
		if err != nil {
			return 0, err
		}

		if out.IsKilled() {
			return 0, fmt.Errorf("pid %d at 0x%x: %s: %w", p.PID, page, out.Reason, ErrProcessKilled)
		}
	}

	if pte, ok := pt.Walk(page); ok && pte.Perm.Has(need) {
		return pte.Frame, nil
	}

	return 0, fmt.Errorf("pid %d %s at 0x%x: %w", p.PID, access, page, ErrPermission)
}
