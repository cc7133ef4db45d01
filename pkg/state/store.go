package state

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-loom/loom/pkg/errors"
)

// ApplyListener receives the cells committed by one snapshot apply.
// Listeners are invoked in commit-sequence order: the listener for
// sequence N+1 never starts before every listener for N has returned.
type ApplyListener func(seq uint64, cells []AnyCell)

// Store owns a set of cells and issues snapshots over them. All
// commit state is per-store, so independent stores are fully isolated
// from each other.
type Store struct {
	mu         sync.Mutex
	nextSnapID uint64
	live       map[uint64]*Snapshot

	nextCellID atomic.Uint64
	commitSeq  atomic.Uint64

	global *Snapshot

	listenerMu   sync.RWMutex
	listeners    map[int]ApplyListener
	nextListener int

	deliverMu    sync.Mutex
	deliverCond  *sync.Cond
	deliveredSeq uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	st := &Store{
		live:      make(map[uint64]*Snapshot),
		listeners: make(map[int]ApplyListener),
	}
	st.deliverCond = sync.NewCond(&st.deliverMu)
	st.global = &Snapshot{st: st, global: true}
	return st
}

// Global returns the store's always-open read-only view. Reads through
// it resolve against the latest committed sequence; it cannot be
// written to, applied, or disposed.
func (st *Store) Global() *Snapshot { return st.global }

// Snapshot opens a top-level read-only snapshot pinned to the current
// commit sequence.
func (st *Store) Snapshot(opts ...SnapshotOption) *Snapshot {
	return st.open(nil, false, opts...)
}

// MutableSnapshot opens a top-level mutable snapshot. It must be
// applied or disposed.
func (st *Store) MutableSnapshot(opts ...SnapshotOption) *Snapshot {
	return st.open(nil, true, opts...)
}

// OnApply registers a listener for committed write sets and returns
// its unregister function.
func (st *Store) OnApply(fn ApplyListener) func() {
	st.listenerMu.Lock()
	id := st.nextListener
	st.nextListener++
	st.listeners[id] = fn
	st.listenerMu.Unlock()

	return func() {
		st.listenerMu.Lock()
		delete(st.listeners, id)
		st.listenerMu.Unlock()
	}
}

// CommitSeq returns the latest committed sequence number.
func (st *Store) CommitSeq() uint64 { return st.currentSeq() }

// LiveSnapshots returns the number of open snapshots.
func (st *Store) LiveSnapshots() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.live)
}

func (st *Store) currentSeq() uint64 { return st.commitSeq.Load() }

func (st *Store) nextCell() uint64 { return st.nextCellID.Add(1) }

func (st *Store) open(parent *Snapshot, mutable bool, opts ...SnapshotOption) *Snapshot {
	var base uint64
	if parent != nil {
		base = parent.baseSeq()
	} else {
		base = st.currentSeq()
	}
	if parent == st.global {
		parent = nil
	}

	st.mu.Lock()
	st.nextSnapID++
	snap := &Snapshot{
		st:      st,
		id:      st.nextSnapID,
		base:    base,
		parent:  parent,
		mutable: mutable,
	}
	st.live[snap.id] = snap
	st.mu.Unlock()

	for _, opt := range opts {
		opt(snap)
	}
	return snap
}

// forget drops a snapshot from the live set, unpinning its base
// sequence for record reclamation.
func (st *Store) forget(s *Snapshot) {
	st.mu.Lock()
	delete(st.live, s.id)
	st.mu.Unlock()
}

// minBaseLocked returns the oldest base sequence any live snapshot is
// still reading against. Callers hold st.mu.
func (st *Store) minBaseLocked() uint64 {
	min := st.currentSeq()
	for _, s := range st.live {
		if s.base < min {
			min = s.base
		}
	}
	return min
}

// applyTopLevel commits a top-level mutable snapshot's writes.
// Conflict detection, sequence assignment, and record publication
// happen in one critical section; listener delivery happens outside it
// but strictly in commit order.
func (st *Store) applyTopLevel(s *Snapshot, pending map[uint64]pendingWrite) error {
	st.mu.Lock()

	for id, w := range pending {
		newest := w.cell.newestSeq()
		if newest <= s.base {
			continue
		}
		previous := w.cell.committedAt(s.base)
		theirs := w.cell.committedAt(newest)
		merged, ok := w.cell.tryMerge(previous, w.value, theirs)
		if !ok {
			st.mu.Unlock()
			return &errors.ConflictError{
				Op:           "state.Snapshot.Apply",
				Cell:         w.cell.Name(),
				SnapshotID:   s.id,
				BaseSeq:      s.base,
				CommittedSeq: newest,
			}
		}
		pending[id] = pendingWrite{cell: w.cell, value: merged}
	}

	delete(st.live, s.id)

	if len(pending) == 0 {
		st.mu.Unlock()
		return nil
	}

	seq := st.commitSeq.Add(1)
	minBase := st.minBaseLocked()

	cells := make([]AnyCell, 0, len(pending))
	for _, w := range pending {
		w.cell.commit(seq, w.value, minBase)
		cells = append(cells, w.cell)
	}
	st.mu.Unlock()

	sort.Slice(cells, func(i, j int) bool { return cells[i].ID() < cells[j].ID() })
	st.deliver(seq, cells)
	return nil
}

// deliver runs apply listeners for one committed sequence, gating on
// the previous sequence having been fully delivered first.
func (st *Store) deliver(seq uint64, cells []AnyCell) {
	st.deliverMu.Lock()
	for st.deliveredSeq != seq-1 {
		st.deliverCond.Wait()
	}
	st.deliverMu.Unlock()

	st.listenerMu.RLock()
	fns := make([]ApplyListener, 0, len(st.listeners))
	for _, fn := range st.listeners {
		fns = append(fns, fn)
	}
	st.listenerMu.RUnlock()

	// A panicking listener must not wedge the delivery gate for every
	// later sequence.
	for _, fn := range fns {
		func() {
			defer errors.Recover("state.ApplyListener")
			fn(seq, cells)
		}()
	}

	st.deliverMu.Lock()
	st.deliveredSeq = seq
	st.deliverCond.Broadcast()
	st.deliverMu.Unlock()
}
