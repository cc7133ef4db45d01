package state

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-loom/loom/pkg/errors"
)

// Snapshot is an isolated view over the store's cells. Reads resolve
// against the commit sequence captured when the snapshot was opened,
// plus any pending writes in the snapshot's own lineage. A mutable
// snapshot buffers writes until Apply or Dispose.
//
// A snapshot's read/write methods must not race with Dispose on the
// same handle; everything else is safe for concurrent use.
type Snapshot struct {
	st      *Store
	id      uint64
	base    uint64
	parent  *Snapshot
	mutable bool
	global  bool

	disposed atomic.Bool
	applied  atomic.Bool

	mu       sync.Mutex
	pending  map[uint64]pendingWrite // keyed by cell id
	readObs  []func(AnyCell)
	writeObs []func(AnyCell)
}

type pendingWrite struct {
	cell  AnyCell
	value any
}

// SnapshotOption configures a snapshot at open time.
type SnapshotOption func(*Snapshot)

// WithReadObserver attaches an observer invoked for every cell read
// through this snapshot or any snapshot nested under it.
func WithReadObserver(fn func(AnyCell)) SnapshotOption {
	return func(s *Snapshot) { s.readObs = append(s.readObs, fn) }
}

// WithWriteObserver attaches an observer invoked for every pending
// write recorded in this snapshot or any snapshot nested under it.
func WithWriteObserver(fn func(AnyCell)) SnapshotOption {
	return func(s *Snapshot) { s.writeObs = append(s.writeObs, fn) }
}

// ID returns the snapshot's monotonically increasing identity.
func (s *Snapshot) ID() uint64 { return s.id }

// ReadOnly reports whether writes through this snapshot are rejected.
func (s *Snapshot) ReadOnly() bool { return !s.mutable }

// BaseSeq returns the commit sequence this snapshot reads against.
func (s *Snapshot) BaseSeq() uint64 { return s.baseSeq() }

func (s *Snapshot) baseSeq() uint64 {
	if s.global {
		return s.st.currentSeq()
	}
	return s.base
}

// checkUsable panics with *errors.IllegalStateError if the snapshot
// can no longer serve reads.
func (s *Snapshot) checkUsable(op string) {
	if s.disposed.Load() {
		panic(&errors.IllegalStateError{Op: op, Reason: "snapshot has been disposed", SnapshotID: s.id})
	}
}

// Nested opens a read-only child snapshot. It shares this snapshot's
// base sequence and sees its pending writes. Panics with
// *errors.IllegalStateError if this snapshot is disposed.
func (s *Snapshot) Nested(opts ...SnapshotOption) *Snapshot {
	s.checkUsable("state.Snapshot.Nested")
	return s.st.open(s, false, opts...)
}

// NestedMutable opens a mutable child snapshot. Its writes stay
// private until Apply merges them into this snapshot's overlay.
// Panics with *errors.IllegalStateError if this snapshot is disposed.
func (s *Snapshot) NestedMutable(opts ...SnapshotOption) *Snapshot {
	s.checkUsable("state.Snapshot.NestedMutable")
	return s.st.open(s, true, opts...)
}

// PushObserver attaches read/write observers for the duration of a
// block and returns the function that detaches them. Either observer
// may be nil.
func (s *Snapshot) PushObserver(read, write func(AnyCell)) func() {
	s.mu.Lock()
	ri, wi := -1, -1
	if read != nil {
		ri = len(s.readObs)
		s.readObs = append(s.readObs, read)
	}
	if write != nil {
		wi = len(s.writeObs)
		s.writeObs = append(s.writeObs, write)
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if ri >= 0 && ri < len(s.readObs) {
			s.readObs[ri] = nil
		}
		if wi >= 0 && wi < len(s.writeObs) {
			s.writeObs[wi] = nil
		}
		s.mu.Unlock()
	}
}

func (s *Snapshot) notifyRead(cell AnyCell) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		obs := slices.Clone(cur.readObs)
		cur.mu.Unlock()
		for _, fn := range obs {
			if fn != nil {
				fn(cell)
			}
		}
	}
}

func (s *Snapshot) notifyWrite(cell AnyCell) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		obs := slices.Clone(cur.writeObs)
		cur.mu.Unlock()
		for _, fn := range obs {
			if fn != nil {
				fn(cell)
			}
		}
	}
}

func (s *Snapshot) pendingValue(cellID uint64) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.pending[cellID]
	if !ok {
		return nil, false
	}
	return w.value, true
}

func (s *Snapshot) setPending(cell AnyCell, value any) error {
	if !s.mutable || s.global {
		return &errors.IllegalStateError{
			Op: "state.Cell.Set", Reason: "snapshot is read-only", SnapshotID: s.id,
		}
	}
	if s.disposed.Load() {
		return &errors.IllegalStateError{
			Op: "state.Cell.Set", Reason: "snapshot has been disposed", SnapshotID: s.id,
		}
	}
	if s.applied.Load() {
		return &errors.IllegalStateError{
			Op: "state.Cell.Set", Reason: "snapshot has already been applied", SnapshotID: s.id,
		}
	}

	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[uint64]pendingWrite)
	}
	s.pending[cell.ID()] = pendingWrite{cell: cell, value: value}
	s.mu.Unlock()

	s.notifyWrite(cell)
	return nil
}

// Modified returns the cells this snapshot has written, in unspecified
// order.
func (s *Snapshot) Modified() []AnyCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells := make([]AnyCell, 0, len(s.pending))
	for _, w := range s.pending {
		cells = append(cells, w.cell)
	}
	return cells
}

// Apply publishes this snapshot's pending writes.
//
// For a top-level mutable snapshot the writes become globally visible
// in one atomic step: a reader either sees all of them or none. If
// another snapshot committed to one of the written cells after this
// snapshot was opened, the cell's merge policy is consulted; cells
// without a policy (or whose policy declines) fail the whole apply
// with *errors.ConflictError and nothing is published.
//
// For a nested mutable snapshot, Apply folds the pending writes into
// the parent's overlay; conflicts are only checked when the top-level
// ancestor applies.
func (s *Snapshot) Apply() error {
	const op = "state.Snapshot.Apply"
	if !s.mutable || s.global {
		return &errors.IllegalStateError{Op: op, Reason: "snapshot is read-only", SnapshotID: s.id}
	}
	if s.disposed.Load() {
		return &errors.IllegalStateError{Op: op, Reason: "snapshot has been disposed", SnapshotID: s.id}
	}
	if !s.applied.CompareAndSwap(false, true) {
		return &errors.IllegalStateError{Op: op, Reason: "snapshot has already been applied", SnapshotID: s.id}
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.parent != nil {
		return s.applyNested(pending)
	}

	err := s.st.applyTopLevel(s, pending)
	if err != nil {
		// Leave the snapshot unapplied so the caller can dispose it.
		s.applied.Store(false)
		s.mu.Lock()
		s.pending = pending
		s.mu.Unlock()
	}
	return err
}

func (s *Snapshot) applyNested(pending map[uint64]pendingWrite) error {
	p := s.parent
	if p.disposed.Load() || p.applied.Load() {
		return &errors.IllegalStateError{
			Op: "state.Snapshot.Apply", Reason: "parent snapshot no longer accepts writes", SnapshotID: s.id,
		}
	}
	p.mu.Lock()
	if p.pending == nil && len(pending) > 0 {
		p.pending = make(map[uint64]pendingWrite, len(pending))
	}
	for id, w := range pending {
		p.pending[id] = w
	}
	p.mu.Unlock()

	s.st.forget(s)
	return nil
}

// Dispose releases the snapshot. Pending writes of an unapplied
// mutable snapshot are discarded. Dispose is idempotent.
func (s *Snapshot) Dispose() {
	if s.global {
		return
	}
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.pending = nil
	s.readObs = nil
	s.writeObs = nil
	s.mu.Unlock()
	s.st.forget(s)
}
