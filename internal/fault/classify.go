// Package fault decides the cause of a page fault and resolves it by filling a
// frame from the executable image, from zeroes or from swap.
package fault

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
)

type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
	AccessExec  Access = "exec"
)

func ParseAccess(s string) (Access, error) {
	switch a := Access(s); a {
	case AccessRead, AccessWrite, AccessExec:
		return a, nil
	default:
		return "", fmt.Errorf("unknown access %q", s)
	}
}

func (a Access) faultType() addrspace.FaultType {
	switch a {
	case AccessWrite:
		return addrspace.FaultTypeWrite
	case AccessExec:
		return addrspace.FaultTypeExec
	default:
		return addrspace.FaultTypeRead
	}
}

type Cause string

const (
	CauseText    Cause = "text"
	CauseData    Cause = "data"
	CauseHeap    Cause = "heap"
	CauseStack   Cause = "stack"
	CauseInvalid Cause = "invalid"
)

// SegmentBacked reports whether pages of this cause are filled from the image.
func (c Cause) SegmentBacked() bool {
	return c == CauseText || c == CauseData
}

// ZeroFill reports whether pages of this cause start out as zeroes.
func (c Cause) ZeroFill() bool {
	return c == CauseHeap || c == CauseStack
}

const stackSpan = (layout.UserStackPages + 1) * layout.PageSize

// Classify returns the cause of a fault at va. It never changes as.
func Classify(as *addrspace.AddressSpace, va uint64) Cause {
	if va >= layout.MaxVA {
		return CauseInvalid
	}

	if s, ok := as.FindSegment(va); ok {
		if s.Executable() {
			return CauseText
		}

		return CauseData
	}

	size := as.Size()
	if va < as.HeapStart() || va >= size {
		return CauseInvalid
	}

	if size-va <= stackSpan {
		return CauseStack
	}

	return CauseHeap
}
