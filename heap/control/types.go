package control

import "fmt"

// Cause says why a cycle was requested or cancelled.
type Cause int32

const (
	CauseNone Cause = iota
	// CauseConcurrentGC is a heuristics trigger.
	CauseConcurrentGC
	CauseAllocationFailure
	CauseHumongousAllocationFailure
	// CauseAllocationFailureEvac is a collector copy that found no room.
	CauseAllocationFailureEvac
	// CauseExplicit is a caller request that blocks until a cycle completes.
	CauseExplicit
	// CauseExplicitFull is an explicit request for a full cycle.
	CauseExplicitFull
	// CauseBreakpoint starts a cycle without waiting for it.
	CauseBreakpoint
	CauseStopVM
)

var causeNames = [...]string{
	CauseNone:                       "none",
	CauseConcurrentGC:               "concurrent-gc",
	CauseAllocationFailure:          "allocation-failure",
	CauseHumongousAllocationFailure: "humongous-allocation-failure",
	CauseAllocationFailureEvac:      "allocation-failure-evac",
	CauseExplicit:                   "explicit",
	CauseExplicitFull:               "explicit-full",
	CauseBreakpoint:                 "breakpoint",
	CauseStopVM:                     "stop-vm",
}

func (c Cause) String() string {
	if c >= 0 && int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", int32(c))
}

// IsAllocationFailure reports whether c stems from a failed allocation.
func (c Cause) IsAllocationFailure() bool {
	switch c {
	case CauseAllocationFailure, CauseHumongousAllocationFailure, CauseAllocationFailureEvac:
		return true
	}
	return false
}

func (c Cause) runsFull() bool { return c == CauseExplicitFull }

// Mode is the kind of cycle.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeConcurrentNormal
	ModeDegenerate
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeConcurrentNormal:
		return "concurrent"
	case ModeDegenerate:
		return "degenerated"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// DegenPoint is the phase a degenerated cycle resumes from.
type DegenPoint uint8

const (
	DegenUnset DegenPoint = iota
	// DegenOutsideCycle means no concurrent cycle was interrupted.
	DegenOutsideCycle
	DegenRoots
	DegenMark
	DegenEvac
	DegenUpdateRefs
)

func (p DegenPoint) String() string {
	switch p {
	case DegenUnset:
		return "unset"
	case DegenOutsideCycle:
		return "outside-cycle"
	case DegenRoots:
		return "roots"
	case DegenMark:
		return "mark"
	case DegenEvac:
		return "evacuation"
	case DegenUpdateRefs:
		return "update-refs"
	default:
		return fmt.Sprintf("DegenPoint(%d)", uint8(p))
	}
}

// Request is what one loop iteration decided to do.
type Request struct {
	Cause               Cause
	Mode                Mode
	DegenPoint          DegenPoint
	GCRequested         bool
	AllocFailurePending bool
	CancelledCause      Cause
}

func (r Request) String() string {
	return fmt.Sprintf("%s(cause=%s, degen=%s, requested=%t, alloc-failure=%t)",
		r.Mode, r.Cause, r.DegenPoint, r.GCRequested, r.AllocFailurePending)
}
