// Package kernel ties the pager together: it owns physical memory and the
// process table, and is the entry point for exec, page faults, sbrk, user
// memory copies, memstat and exit.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/pager/internal/cfg"
	"github.com/e2b-dev/infra/packages/pager/internal/evict"
	"github.com/e2b-dev/infra/packages/pager/internal/fault"
	"github.com/e2b-dev/infra/packages/pager/internal/phys"
	"github.com/e2b-dev/infra/packages/pager/internal/trace"
	"github.com/e2b-dev/infra/packages/pager/pkg/logger"
	"github.com/e2b-dev/infra/packages/pager/pkg/smap"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/pager/internal/kernel")

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrProcessKilled   = errors.New("process killed")
	ErrPermission      = errors.New("permission denied")
)

type Kernel struct {
	config cfg.Config
	bootID uuid.UUID

	mem      *phys.Memory
	resolver *fault.Resolver
	procs    *smap.Map[*Process]
	nextPID  atomic.Int64

	recorder *trace.Recorder
	logger   *zap.Logger
}

// New boots a kernel with the physical memory described by config. A nil
// recorder is replaced by one that follows config.TraceEnabled.
func New(config cfg.Config, l *zap.Logger, recorder *trace.Recorder) (*Kernel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	policy, err := evict.New(config.EvictionPolicy)
	if err != nil {
		return nil, err
	}

	mem, err := phys.New(config.PhysicalFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to create physical memory: %w", err)
	}

	bootID := uuid.New()

	if l == nil {
		l = zap.NewNop()
	}
	l = l.With(logger.WithBootID(bootID))

	if recorder == nil {
		recorder = trace.NewRecorder(config.TraceEnabled, l)
	}

	k := &Kernel{
		config:   config,
		bootID:   bootID,
		mem:      mem,
		resolver: fault.NewResolver(mem, policy, recorder, l),
		procs:    smap.New[*Process](),
		recorder: recorder,
		logger:   l,
	}

	l.Info("kernel booted",
		zap.Uint("frames", mem.Capacity()),
		zap.String("eviction_policy", string(config.EvictionPolicy)),
		zap.String("swap_content", string(config.SwapContent)),
	)

	return k, nil
}

func (k *Kernel) BootID() uuid.UUID {
	return k.bootID
}

func (k *Kernel) Memory() *phys.Memory {
	return k.mem
}

func (k *Kernel) Recorder() *trace.Recorder {
	return k.recorder
}

func (k *Kernel) Config() cfg.Config {
	return k.config
}

// Process returns the live process with the given pid.
func (k *Kernel) Process(pid int) (*Process, error) {
	p, ok := k.procs.Get(pid)
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}

	return p, nil
}

// Processes returns the number of live processes.
func (k *Kernel) Processes() int {
	return k.procs.Count()
}

// HandleFault resolves a page fault of pid at va. A process killed by the
// fault is reported through the outcome, not through the error.
func (k *Kernel) HandleFault(ctx context.Context, pid int, va uint64, access fault.Access) (fault.Outcome, error) {
	p, err := k.Process(pid)
	if err != nil {
		return fault.Outcome{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return k.handleFaultLocked(ctx, p, va, access)
}

func (k *Kernel) handleFaultLocked(ctx context.Context, p *Process, va uint64, access fault.Access) (fault.Outcome, error) {
	if p.Killed() {
		return fault.Outcome{}, fmt.Errorf("pid %d: %w", p.PID, ErrProcessKilled)
	}

	out := k.resolver.Resolve(ctx, p.as, va, access)
	if out.IsKilled() {
		p.kill(out.Reason)

		k.logger.Warn("process killed by page fault",
			logger.WithPID(p.PID),
			logger.WithVirtAddr(va),
			zap.String("reason", string(out.Reason)),
		)
	}

	return out, nil
}

// Exit tears pid down and returns its frames and swap slots.
func (k *Kernel) Exit(ctx context.Context, pid int) error {
	p, ok := k.procs.Pop(pid)
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	resident, swapped := p.as.Resident(), p.as.Swapped()

	if err := p.as.Destroy(ctx, k.mem); err != nil {
		return fmt.Errorf("failed to destroy address space of pid %d: %w", pid, err)
	}

	k.logger.Debug("process exited",
		logger.WithPID(pid),
		zap.Int("resident", resident),
		zap.Int("swapped", swapped),
		zap.Bool("killed", p.Killed()),
		zap.Uint("frames_available", k.mem.Available()),
	)

	return nil
}

// Close exits every process and releases physical memory.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error

	for pid := range k.procs.Items() {
		if err := k.Exit(ctx, pid); err != nil && !errors.Is(err, ErrProcessNotFound) {
			errs = append(errs, err)
		}
	}

	if err := k.mem.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
