package compose

import (
	"context"
	"sync/atomic"

	"github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

// ScopeState is a scope's position in the scheduling state machine.
type ScopeState int32

const (
	// ScopeClean means the scope's output reflects its inputs.
	ScopeClean ScopeState = iota
	// ScopeInvalid means a dependency changed since the last execution.
	ScopeInvalid
	// ScopeComposing means the scope is executing or suspended mid-execution.
	ScopeComposing
	// ScopeFailed means the last execution errored; the scope will not
	// re-execute until a dependency changes again or Retry is called.
	ScopeFailed
)

func (s ScopeState) String() string {
	switch s {
	case ScopeClean:
		return "clean"
	case ScopeInvalid:
		return "invalid"
	case ScopeComposing:
		return "composing"
	case ScopeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// scope is one schedulable unit of recomputation. The arena owns it;
// everything else refers to it by ScopeID.
type scope struct {
	id     ScopeID
	parent ScopeID
	depth  int
	unit   Unit

	st atomic.Int32

	// children in declaration order; reconciled positionally each pass.
	children []ScopeID

	// reads is the committed read set backing this scope's edges in
	// the invalidation graph. Replaced wholesale after each completed
	// execution.
	reads map[uint64]state.AnyCell

	// Transient execution state. A scope executes on at most one
	// goroutine at a time, so these need no locking.
	pendingReads map[uint64]state.AnyCell
	selfInv      bool
	childCursor  int

	// task is non-nil while the scope is suspended mid-execution.
	task Task

	// cancel aborts an in-flight or suspended execution; set lazily
	// before the first execution.
	cancel  context.CancelFunc
	taskCtx context.Context

	failure *errors.ScopeError
}

func (s *scope) state() ScopeState {
	return ScopeState(s.st.Load())
}

func (s *scope) setState(next ScopeState) {
	s.st.Store(int32(next))
}

// casState transitions only from an expected state, returning whether
// it happened.
func (s *scope) casState(from, to ScopeState) bool {
	return s.st.CompareAndSwap(int32(from), int32(to))
}
