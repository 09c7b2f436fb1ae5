package fault

import "fmt"

type KillReason string

const (
	KillInvalidAccess KillReason = "invalid-access"
	KillAllocFailed   KillReason = "alloc-failed"
	KillNoVictim      KillReason = "no-victim"
	KillInvalidVictim KillReason = "invalid-victim"
	KillSwapOutFailed KillReason = "swapout-failed"
	KillSwapInFailed  KillReason = "swapin-failed"
	KillNoSegment     KillReason = "no-segment"
	KillLoadFailed    KillReason = "load-failed"
	KillMappingFailed KillReason = "mapping-failed"
)

// Outcome is the result of a fault: either the process resumes at Addr, or it
// is killed for Reason.
type Outcome struct {
	Addr   uint64
	Reason KillReason
}

func Resolved(addr uint64) Outcome {
	return Outcome{Addr: addr}
}

func Killed(reason KillReason) Outcome {
	return Outcome{Reason: reason}
}

func (o Outcome) IsKilled() bool {
	return o.Reason != ""
}

func (o Outcome) String() string {
	if o.IsKilled() {
		return fmt.Sprintf("killed(%s)", o.Reason)
	}

	return fmt.Sprintf("resolved(0x%x)", o.Addr)
}
