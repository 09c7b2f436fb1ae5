package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/loader"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
	"github.com/e2b-dev/infra/packages/pager/pkg/logger"
)

// MaxArgs is the most arguments exec copies onto the new stack.
const MaxArgs = 32

// stackAlign is the alignment of the stack pointer after every push.
const stackAlign = 16

var (
	ErrTooManyArgs   = fmt.Errorf("more than %d arguments", MaxArgs)
	ErrStackOverflow = errors.New("arguments do not fit on the stack")
)

// Exec loads image as a new process and copies argv to the top of its stack.
// Exec takes ownership of image. If anything fails nothing is installed and
// every frame taken so far is returned.
func (k *Kernel) Exec(ctx context.Context, image addrspace.Executable, argv []string) (*Process, error) {
	pid := int(k.nextPID.Add(1))

	ctx, span := tracer.Start(ctx, "exec", trace.WithAttributes(
		attribute.Int("proc.pid", pid),
		attribute.Int("argc", len(argv)),
	))
	defer span.End()

	as, err := loader.Load(ctx, pid, image, addrspace.Options{
		SwapSlots:   k.config.SwapSlots,
		SwapContent: k.config.SwapContent,
		Recorder:    k.recorder,
	})
	if err != nil {
		span.RecordError(err)

		if closeErr := image.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close image: %w", closeErr))
		}

		return nil, err
	}

	p := &Process{
		PID: pid,
		as:  as,
	}
	if len(argv) > 0 {
		p.Name = path.Base(argv[0])
	}

	if err := k.setupStack(ctx, p, argv); err != nil {
		span.RecordError(err)

		if destroyErr := as.Destroy(ctx, k.mem); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}

		return nil, fmt.Errorf("exec pid %d: %w", pid, err)
	}

	k.procs.Insert(pid, p)

	k.logger.Debug("exec",
		logger.WithPID(pid),
		zap.String("name", p.Name),
		zap.Int("argc", p.argc),
		logger.WithVirtAddr(as.HeapStart()),
	)

	return p, nil
}

// setupStack maps the argument page at the heap start, sizes the address space
// to cover the stack and pushes the argument strings and the argv array.
func (k *Kernel) setupStack(ctx context.Context, p *Process, argv []string) error {
	if len(argv) > MaxArgs {
		return ErrTooManyArgs
	}

	as := p.as
	heapStart := as.HeapStart()

	if _, err := as.Grow(layout.PageSize); err != nil {
		return err
	}

	if err := k.mapEager(ctx, as, heapStart); err != nil {
		return fmt.Errorf("failed to map argument page: %w", err)
	}

	if _, err := as.Grow(int64(loader.StackTop(heapStart) - as.Size())); err != nil {
		return err
	}

	sp := as.Size()
	stackBase := sp - layout.UserStackPages*layout.PageSize

	ustack := make([]uint64, 0, len(argv)+1)

	for _, arg := range argv {
		sp -= uint64(len(arg)) + 1
		sp -= sp % stackAlign
		if sp < stackBase {
			return ErrStackOverflow
		}

		if err := k.copyOutLocked(ctx, p, sp, append([]byte(arg), 0)); err != nil {
			return fmt.Errorf("failed to copy argument: %w", err)
		}

		ustack = append(ustack, sp)
	}
	ustack = append(ustack, 0)

	sp -= uint64(len(ustack)) * 8
	sp -= sp % stackAlign
	if sp < stackBase {
		return ErrStackOverflow
	}

	buf := make([]byte, 0, len(ustack)*8)
	for _, a := range ustack {
		buf = binary.LittleEndian.AppendUint64(buf, a)
	}

	if err := k.copyOutLocked(ctx, p, sp, buf); err != nil {
		return fmt.Errorf("failed to copy argv: %w", err)
	}

	p.argc = len(argv)
	p.stackPointer = sp

	return nil
}

// mapEager maps a zero page at va right away. It never evicts.
func (k *Kernel) mapEager(ctx context.Context, as *addrspace.AddressSpace, va uint64) error {
	frame, err := k.mem.Alloc(ctx)
	if err != nil {
		return err
	}

	k.mem.Zero(frame)

	if err := as.PageTable().Map(va, frame, pagetable.PermR|pagetable.PermW|pagetable.PermU); err != nil {
		if freeErr := k.mem.Free(ctx, frame); freeErr != nil {
			err = errors.Join(err, freeErr)
		}

		return err
	}

	as.CommitResident(va, addrspace.FaultTypeEager, false)

	return nil
}
