package compose

import (
	"github.com/go-loom/loom/pkg/errors"
)

// Decision tells the composer what to do after a scope failure.
type Decision int

const (
	// Suppress means the boundary took responsibility; the scope stays
	// Failed, siblings continue, nothing further is reported.
	Suppress Decision = iota
	// Rethrow forwards the error to the runtime's error handler after
	// the boundary has seen it.
	Rethrow
	// FailTree marks the whole composition failed; subsequent frames
	// return the failure and no further scopes execute.
	FailTree
)

// Boundary receives scope failures for one composition tree and
// decides their fate. One scope's failure never aborts the drain
// pass: siblings keep composing regardless of the decision.
type Boundary interface {
	OnScopeError(id ScopeID, err *errors.ScopeError) Decision
}

// BoundaryFunc adapts a function to the Boundary interface.
type BoundaryFunc func(id ScopeID, err *errors.ScopeError) Decision

func (f BoundaryFunc) OnScopeError(id ScopeID, err *errors.ScopeError) Decision {
	return f(id, err)
}

// defaultBoundary reports to the runtime handler and keeps going.
type defaultBoundary struct {
	rt *Runtime
}

func (b defaultBoundary) OnScopeError(id ScopeID, err *errors.ScopeError) Decision {
	b.rt.reportScopeError(err)
	return Suppress
}
