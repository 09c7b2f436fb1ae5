package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/fault"
)

type Process struct {
	PID  int
	Name string

	// mu serializes faults and every other mutation of the address space.
	// Stat reads without it.
	mu sync.Mutex
	as *addrspace.AddressSpace

	killed     atomic.Bool
	killReason atomic.Value

	argc         int
	stackPointer uint64
}

func (p *Process) kill(reason fault.KillReason) {
	p.killReason.Store(reason)
	p.killed.Store(true)
}

func (p *Process) Killed() bool {
	return p.killed.Load()
}

// KillReason is empty while the process is alive.
func (p *Process) KillReason() fault.KillReason {
	r, _ := p.killReason.Load().(fault.KillReason)

	return r
}

func (p *Process) AddressSpace() *addrspace.AddressSpace {
	return p.as
}

func (p *Process) Argc() int {
	return p.argc
}

// StackPointer is the address of the argv pointer array after exec.
func (p *Process) StackPointer() uint64 {
	return p.stackPointer
}
