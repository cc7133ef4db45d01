// Package errors provides structured error handling for the Loom runtime.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNonConverging is reported when a recomposition keeps
// self-invalidating past the composer's pass limit.
var ErrNonConverging = errors.New("recomposition did not converge")

// ConflictError reports that a snapshot apply detected a concurrent
// incompatible write. The caller must retry with a fresh snapshot or
// install a merge policy on the contested cell.
type ConflictError struct {
	// Op is the operation that failed (e.g., "state.Snapshot.Apply").
	Op string
	// Cell names the contested cell.
	Cell string
	// SnapshotID is the id of the snapshot whose apply failed.
	SnapshotID uint64
	// BaseSeq is the commit sequence the snapshot was opened against.
	BaseSeq uint64
	// CommittedSeq is the commit sequence of the conflicting write.
	CommittedSeq uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflicting write to %s (snapshot %d based on seq %d, cell committed at seq %d)",
		e.Op, e.Cell, e.SnapshotID, e.BaseSeq, e.CommittedSeq)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IllegalStateError reports a use of the snapshot API that is invalid
// in the handle's current state: a write on a read-only snapshot, a
// read or write after dispose, or structural mutation of a composition
// while one of its scopes is under observation.
type IllegalStateError struct {
	// Op is the operation that failed (e.g., "state.Cell.Set").
	Op string
	// Reason describes the violated constraint.
	Reason string
	// SnapshotID is the offending snapshot's id, if applicable.
	SnapshotID uint64
}

func (e *IllegalStateError) Error() string {
	if e.SnapshotID != 0 {
		return fmt.Sprintf("%s: %s (snapshot %d)", e.Op, e.Reason, e.SnapshotID)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// IsIllegalState reports whether err is or wraps an IllegalStateError.
func IsIllegalState(err error) bool {
	var ie *IllegalStateError
	return errors.As(err, &ie)
}

// ScopeError reports that a scope's work unit failed during
// (re)composition. It identifies the failing scope and wraps either a
// returned error or a recovered panic value.
type ScopeError struct {
	// Scope identifies the failing scope (arena index and generation).
	Scope string
	// Unit is the type name of the failing work unit.
	Unit string
	// Recovered is the panic value (nil for regular errors).
	Recovered any
	// Err is the underlying error (nil for panics).
	Err error
	// StackTrace contains the call stack at the time of the failure.
	StackTrace string
	// Timestamp is when the failure occurred.
	Timestamp time.Time
}

func (e *ScopeError) Error() string {
	if e.Recovered != nil {
		return fmt.Sprintf("panic in scope %s (%s): %v", e.Scope, e.Unit, e.Recovered)
	}
	if e.Err != nil {
		return fmt.Sprintf("error in scope %s (%s): %v", e.Scope, e.Unit, e.Err)
	}
	return fmt.Sprintf("unknown failure in scope %s (%s)", e.Scope, e.Unit)
}

func (e *ScopeError) Unwrap() error {
	return e.Err
}

// Handler receives errors reported by the Loom runtime.
type Handler interface {
	// HandleConflict is called when a snapshot apply fails with a conflict.
	HandleConflict(err *ConflictError)
	// HandleIllegalState is called when a snapshot operation is misused.
	HandleIllegalState(err *IllegalStateError)
	// HandleScopeError is called when a scope's work unit fails.
	HandleScopeError(err *ScopeError)
}
