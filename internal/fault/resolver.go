package fault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/evict"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/metrics"
	"github.com/e2b-dev/infra/packages/pager/internal/pagetable"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
	"github.com/e2b-dev/infra/packages/pager/internal/trace"
	"github.com/e2b-dev/infra/packages/pager/pkg/logger"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/pager/internal/fault")

// Resolver handles page faults against the shared physical memory. It holds
// no per-process state; the caller serializes faults of one address space.
type Resolver struct {
	mem      *phys.Memory
	policy   evict.Policy
	recorder *trace.Recorder
	logger   *zap.Logger
}

func NewResolver(mem *phys.Memory, policy evict.Policy, recorder *trace.Recorder, l *zap.Logger) *Resolver {
	if l == nil {
		l = zap.NewNop()
	}

	return &Resolver{
		mem:      mem,
		policy:   policy,
		recorder: recorder,
		logger:   l,
	}
}

func (r *Resolver) Memory() *phys.Memory {
	return r.mem
}

// kill records the kill line and returns the outcome. Any frame taken during
// the fault must already be released.
func (r *Resolver) kill(ctx context.Context, pid int, reason KillReason, va uint64, fields ...trace.Field) Outcome {
	r.recorder.Record(pid, trace.TagKill, append([]trace.Field{trace.Word(string(reason)), trace.VA(va)}, fields...)...)
	metrics.Add(ctx, metrics.KillsMeterName, attribute.String("reason", string(reason)))

	span := oteltrace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("kill.reason", string(reason)))

	return Killed(reason)
}

func (r *Resolver) release(ctx context.Context, pid int, f phys.Frame) {
	if err := r.mem.Free(ctx, f); err != nil {
		r.logger.Error("failed to release frame on kill path", logger.WithPID(pid), logger.WithFrame(f), zap.Error(err))
	}
}

// Resolve handles a fault at va. The returned outcome either carries va
// unchanged as the resume address or the reason the process has to die.
func (r *Resolver) Resolve(ctx context.Context, as *addrspace.AddressSpace, va uint64, access Access) Outcome {
	ctx, span := tracer.Start(ctx, "resolve-fault", oteltrace.WithAttributes(
		attribute.Int("proc.pid", as.PID),
		attribute.Int64("fault.va", int64(va)),
		attribute.String("fault.access", string(access)),
	))
	defer span.End()

	pid := as.PID
	page := layout.PageRoundDown(va)

	cause := Classify(as, page)
	r.recorder.Record(pid, trace.TagPageFault, trace.VA(page), trace.Str("access", string(access)), trace.Str("cause", string(cause)))
	metrics.Add(ctx, metrics.PageFaultsMeterName, attribute.String("cause", string(cause)))
	span.SetAttributes(attribute.String("fault.cause", string(cause)))

	if cause == CauseInvalid {
		return r.kill(ctx, pid, KillInvalidAccess, page, trace.Str("access", string(access)))
	}

	pt := as.PageTable()

	if pte, ok := pt.Walk(page); ok {
		if access == AccessWrite && !pte.Perm.Has(pagetable.PermW) {
			if err := pt.SetPerm(page, pagetable.PermW); err != nil {
				return r.kill(ctx, pid, KillMappingFailed, page)
			}

			as.Pages().MarkDirty(page)
			r.recorder.Record(pid, trace.TagDirty, trace.VA(page))
		}

		return Resolved(va)
	}

	frame, outcome, ok := r.obtainFrame(ctx, as, page)
	if !ok {
		return outcome
	}

	perm, outcome, ok := r.fill(ctx, as, page, cause, frame)
	if !ok {
		r.release(ctx, pid, frame)

		return outcome
	}

	if err := pt.Map(page, frame, perm|pagetable.PermU|pagetable.PermV); err != nil {
		r.logger.Error("failed to map page", logger.WithPID(pid), logger.WithVirtAddr(page), zap.Error(err))
		r.release(ctx, pid, frame)

		return r.kill(ctx, pid, KillMappingFailed, page)
	}

	seq := as.CommitResident(page, access.faultType(), access == AccessWrite)
	r.recorder.Record(pid, trace.TagResident, trace.VA(page), trace.Int("seq", int64(seq)))

	return Resolved(va)
}

// obtainFrame allocates a free frame, or evicts a page of as and reuses its frame.
func (r *Resolver) obtainFrame(ctx context.Context, as *addrspace.AddressSpace, page uint64) (phys.Frame, Outcome, bool) {
	pid := as.PID

	frame, err := r.mem.Alloc(ctx)
	if err == nil {
		return frame, Outcome{}, true
	}

	if !errors.Is(err, phys.ErrNoFreeFrames{}) {
		r.logger.Error("failed to allocate frame", logger.WithPID(pid), logger.WithVirtAddr(page), zap.Error(err))

		return 0, r.kill(ctx, pid, KillAllocFailed, page), false
	}

	r.recorder.Record(pid, trace.TagMemFull)

	victim, ok := r.policy.SelectVictim(as)
	if !ok {
		return 0, r.kill(ctx, pid, KillNoVictim, page), false
	}

	pt := as.PageTable()

	pte, ok := pt.Walk(victim.VA)
	if !ok {
		return 0, r.kill(ctx, pid, KillInvalidVictim, victim.VA), false
	}

	r.recorder.Record(pid, trace.TagVictim, trace.VA(victim.VA), trace.Int("seq", int64(victim.Seq)), trace.Str("algo", r.policy.Algo()))

	state := "clean"
	if pte.Perm.Has(pagetable.PermW) {
		state = "dirty"
	}
	r.recorder.Record(pid, trace.TagEvict, trace.VA(victim.VA), trace.Str("state", state))

	slot, err := as.Swap().WriteOut(ctx, victim.VA, r.mem.Page(pte.Frame))
	if err != nil {
		r.logger.Warn("failed to swap out victim", logger.WithPID(pid), logger.WithVirtAddr(victim.VA), zap.Error(err))

		return 0, r.kill(ctx, pid, KillSwapOutFailed, victim.VA), false
	}

	if _, err := pt.Unmap(victim.VA); err != nil {
		// The victim content is already in the slot, give it back.
		as.Swap().Discard(slot)

		return 0, r.kill(ctx, pid, KillInvalidVictim, victim.VA), false
	}

	as.Evicted(victim.VA, slot)
	metrics.Add(ctx, metrics.EvictionsMeterName, attribute.String("algo", r.policy.Algo()))

	return pte.Frame, Outcome{}, true
}

// fill writes the initial content of page into frame and returns the
// permissions the page is mapped with.
func (r *Resolver) fill(ctx context.Context, as *addrspace.AddressSpace, page uint64, cause Cause, frame phys.Frame) (pagetable.Perm, Outcome, bool) {
	pid := as.PID
	dst := r.mem.Page(frame)

	var (
		perm pagetable.Perm
		seg  addrspace.Segment
	)

	if cause.SegmentBacked() {
		var ok bool

		seg, ok = as.FindSegment(page)
		if !ok || as.Executable() == nil {
			return 0, r.kill(ctx, pid, KillNoSegment, page, trace.Str("cause", string(cause))), false
		}

		perm = segmentPerm(seg)
	} else {
		perm = pagetable.PermR | pagetable.PermW
	}

	if slot, ok := as.Pages().SwapSlot(page); ok {
		if err := as.Swap().ReadIn(ctx, page, dst, slot); err != nil {
			r.logger.Error("failed to swap in page", logger.WithPID(pid), logger.WithVirtAddr(page), logger.WithSwapSlot(slot), zap.Error(err))

			return 0, r.kill(ctx, pid, KillSwapInFailed, page), false
		}

		return perm, Outcome{}, true
	}

	r.mem.Zero(frame)

	if cause.ZeroFill() {
		r.recorder.Record(pid, trace.TagAlloc, trace.VA(page))

		return perm, Outcome{}, true
	}

	if err := readSegmentPage(as.Executable(), seg, page, dst); err != nil {
		r.logger.Error("failed to load segment page", logger.WithPID(pid), logger.WithVirtAddr(page), zap.Error(err))

		return 0, r.kill(ctx, pid, KillLoadFailed, page, trace.Str("cause", string(cause))), false
	}

	r.recorder.Record(pid, trace.TagLoadExec, trace.VA(page))

	return perm, Outcome{}, true
}

func segmentPerm(s addrspace.Segment) pagetable.Perm {
	perm := pagetable.PermR
	if s.Writable() {
		perm |= pagetable.PermW
	}
	if s.Executable() {
		perm |= pagetable.PermX
	}

	return perm
}

// readSegmentPage copies the file-backed part of page into dst. Bytes past
// the segment's file size are left as they are.
func readSegmentPage(exe io.ReaderAt, s addrspace.Segment, page uint64, dst []byte) error {
	segOff := page - s.VAStart
	if segOff >= s.FileSize {
		return nil
	}

	n := min(s.FileSize-segOff, layout.PageSize)

	read, err := exe.ReadAt(dst[:n], int64(s.FileOffset+segOff))
	if uint64(read) == n {
		return nil
	}

	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	return fmt.Errorf("read 0x%x of 0x%x bytes at 0x%x: %w", read, n, s.FileOffset+segOff, err)
}
