package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

type SbrkMode string

const (
	// SbrkLazy only moves the size; pages are faulted in on first touch.
	SbrkLazy SbrkMode = "lazy"
	// SbrkEager maps zero pages for the whole grown range immediately.
	SbrkEager SbrkMode = "eager"
)

// Sbrk moves the size of pid by delta and returns the old size. Shrinking
// releases every page above the new size, resident or swapped.
func (k *Kernel) Sbrk(ctx context.Context, pid int, delta int64, mode SbrkMode) (uint64, error) {
	p, err := k.Process(pid)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Killed() {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrProcessKilled)
	}

	as := p.as

	old, err := as.Grow(delta)
	if err != nil {
		return old, fmt.Errorf("sbrk %d on pid %d: %w", delta, pid, err)
	}

	switch {
	case delta < 0:
		return old, k.releaseAbove(ctx, as, as.Size())
	case delta > 0 && mode == SbrkEager:
		if err := k.growEager(ctx, as, old); err != nil {
			return old, fmt.Errorf("eager sbrk %d on pid %d: %w", delta, pid, err)
		}
	}

	return old, nil
}

// growEager maps every page in [old, size). On failure the size goes back to
// old and nothing stays mapped above it.
func (k *Kernel) growEager(ctx context.Context, as *addrspace.AddressSpace, old uint64) error {
	size := as.Size()

	for va := layout.PageRoundUp(old); va < size; va += layout.PageSize {
		if _, ok := as.PageTable().Walk(va); ok {
			continue
		}

		if err := k.mapEager(ctx, as, va); err != nil {
			rollbackErr := k.releaseAbove(ctx, as, old)
			if _, growErr := as.Grow(int64(old) - int64(size)); growErr != nil {
				rollbackErr = errors.Join(rollbackErr, growErr)
			}

			return errors.Join(err, rollbackErr)
		}
	}

	return nil
}

// releaseAbove drops every resident or swapped page that starts at or above size.
func (k *Kernel) releaseAbove(ctx context.Context, as *addrspace.AddressSpace, size uint64) error {
	from := layout.PageRoundUp(size)

	var errs []error

	for _, va := range as.PageTable().Mapped() {
		if va < from {
			continue
		}

		if err := as.Release(ctx, k.mem, va); err != nil {
			errs = append(errs, err)
		}
	}

	for _, e := range as.Pages().Swapped() {
		if e.VA < from {
			continue
		}

		if err := as.Release(ctx, k.mem, e.VA); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
