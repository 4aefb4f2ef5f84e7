// Scope marks the region during which a span's context is the ambient one.
package obs

import "sync/atomic"

// ScopeState tracks the lifecycle of a Scope.
type ScopeState int32

const (
	ScopeUnset ScopeState = iota
	ScopeEntered
	ScopeExited
)

func (s ScopeState) String() string {
	switch s {
	case ScopeEntered:
		return "entered"
	case ScopeExited:
		return "exited"
	default:
		return "unset"
	}
}

// Scope is returned by Propagator.CreateScope. Close exits it exactly once and
// withdraws its context from the bound cell.
type Scope struct {
	state atomic.Int32
	cell  *Cell
	frame *cellFrame
}

func newScope(cell *Cell, frame *cellFrame) *Scope {
	s := &Scope{cell: cell, frame: frame}
	s.state.Store(int32(ScopeEntered))
	return s
}

// State reports the current lifecycle state. A nil scope is unset.
func (s *Scope) State() ScopeState {
	if s == nil {
		return ScopeUnset
	}
	return ScopeState(s.state.Load())
}

// Close exits the scope. Subsequent calls do nothing.
func (s *Scope) Close() {
	if s == nil || !s.state.CompareAndSwap(int32(ScopeEntered), int32(ScopeExited)) {
		return
	}
	if s.cell != nil {
		s.cell.pop(s.frame)
	}
}
