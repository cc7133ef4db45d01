package compose

import (
	"context"

	"go.uber.org/zap"

	"github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

// Unit is a caller-supplied piece of recomposable work. Execute reads
// cells through the Ctx, optionally declares child scopes, and
// produces whatever output the caller's domain needs. It takes no
// input beyond captured state: the runtime decides when to re-execute
// it based purely on what it read last time.
type Unit interface {
	Execute(ctx *Ctx) error
}

// UnitFunc adapts a plain function to the Unit interface.
type UnitFunc func(ctx *Ctx) error

func (f UnitFunc) Execute(ctx *Ctx) error { return f(ctx) }

// Ctx is the execution context handed to a unit. It is only valid for
// the duration of the execution it was created for.
type Ctx struct {
	c     *Composer
	s     *scope
	ec    *execContext
	goctx context.Context
	done  bool
}

// Scope returns the executing scope's id.
func (ctx *Ctx) Scope() ScopeID { return ctx.s.id }

// Snapshot returns the snapshot this execution reads and writes
// through. Reads are tracked into the scope's dependency set.
func (ctx *Ctx) Snapshot() *state.Snapshot { return ctx.ec.snap }

// Context returns a context cancelled when the scope or its composer
// is disposed. Suspended tasks should watch it.
func (ctx *Ctx) Context() context.Context { return ctx.goctx }

// Log returns the runtime logger annotated with the scope id.
func (ctx *Ctx) Log() *zap.Logger {
	return ctx.c.rt.log.With(zap.Stringer("scope", ctx.s.id))
}

// Child declares a nested scope holding the given unit. Children are
// reconciled positionally: the Nth Child call of each execution maps
// to the Nth child scope, updating its unit in place; children not
// re-declared by the end of the execution are disposed. A newly
// declared child executes immediately, inside the current pass.
//
// Child panics with *errors.IllegalStateError when called outside the
// scope's own execution: structural mutation of a composition from
// another goroutine (or from a stale Ctx) is disallowed.
func (ctx *Ctx) Child(u Unit) ScopeID {
	if ctx.done || ctx.ec.current != ctx.s {
		panic(&errors.IllegalStateError{
			Op:     "compose.Ctx.Child",
			Reason: "child scopes can only be declared during the parent's own execution",
		})
	}
	s := ctx.s

	if s.childCursor < len(s.children) {
		id := s.children[s.childCursor]
		if child := ctx.c.arena.get(id); child != nil {
			child.unit = u
			s.childCursor++
			return id
		}
	}

	child := ctx.c.allocScope(s.id, s.depth+1, u)
	if s.childCursor < len(s.children) {
		s.children[s.childCursor] = child.id
	} else {
		s.children = append(s.children, child.id)
	}
	s.childCursor++

	ctx.c.executeScope(child, ctx.ec)
	return child.id
}

// Read returns the cell's value visible to this execution and records
// the dependency.
func Read[T any](ctx *Ctx, cell *state.Cell[T]) T {
	return cell.Get(ctx.ec.snap)
}

// Write records a pending write in the execution's snapshot. The
// write becomes visible when the pass's snapshot applies; writing a
// cell this scope has read re-invalidates the scope.
func Write[T any](ctx *Ctx, cell *state.Cell[T], value T) error {
	return cell.Set(ctx.ec.snap, value)
}
