package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-loom/loom/pkg/errors"
)

// MergePolicy resolves a write-write conflict on a cell at apply time.
// previous is the value the failing snapshot was opened against, ours
// is its pending write, theirs is the value committed concurrently.
// Returning false rejects the merge and the apply fails with a
// conflict error.
type MergePolicy[T any] func(previous, ours, theirs T) (T, bool)

// MergeOurs resolves every conflict in favor of the applying snapshot.
func MergeOurs[T any]() MergePolicy[T] {
	return func(previous, ours, theirs T) (T, bool) { return ours, true }
}

// MergeTheirs resolves every conflict in favor of the already
// committed value.
func MergeTheirs[T any]() MergePolicy[T] {
	return func(previous, ours, theirs T) (T, bool) { return theirs, true }
}

// AnyCell is the untyped view of a cell used by snapshot internals,
// apply listeners, and the invalidation graph.
type AnyCell interface {
	// ID returns the cell's store-unique identity.
	ID() uint64
	// Name returns the debug name, or "cell-<id>" if none was set.
	Name() string

	newestSeq() uint64
	committedAt(seq uint64) any
	commit(seq uint64, value any, minBase uint64)
	tryMerge(previous, ours, theirs any) (any, bool)
}

// record is one committed version of a cell's value.
type record[T any] struct {
	seq   uint64
	value T
}

// Cell is a single mutable value with a versioned history. Reads and
// writes go through a Snapshot; the zero snapshot view is
// [Store.Global]. Cells are safe for concurrent use.
type Cell[T any] struct {
	st    *Store
	id    uint64
	name  string
	merge MergePolicy[T]

	mu      sync.Mutex
	records []record[T] // ascending seq; records[0] holds the initial value
}

// CellOption configures a cell at creation.
type CellOption[T any] func(*Cell[T])

// WithName sets a debug name used in conflict errors, logs and traces.
func WithName[T any](name string) CellOption[T] {
	return func(c *Cell[T]) { c.name = name }
}

// WithMerge installs a merge policy consulted when an apply detects a
// concurrent write to this cell.
func WithMerge[T any](m MergePolicy[T]) CellOption[T] {
	return func(c *Cell[T]) { c.merge = m }
}

// NewCell registers a new cell with the store. The initial value is
// visible to every snapshot, including ones opened before the call.
func NewCell[T any](st *Store, initial T, opts ...CellOption[T]) *Cell[T] {
	c := &Cell[T]{
		st:      st,
		id:      st.nextCell(),
		records: []record[T]{{seq: 0, value: initial}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the cell's store-unique identity.
func (c *Cell[T]) ID() uint64 { return c.id }

// Name returns the debug name, or "cell-<id>" if none was set.
func (c *Cell[T]) Name() string {
	if c.name != "" {
		return c.name
	}
	return fmt.Sprintf("cell-%d", c.id)
}

// Get returns the value visible to the snapshot: the most recent write
// in the snapshot's own lineage, else the newest record committed at
// or before the snapshot's base sequence. Read observers attached to
// the snapshot (and its parents) are notified.
//
// Get panics with *errors.IllegalStateError if the snapshot has been
// disposed.
func (c *Cell[T]) Get(snap *Snapshot) T {
	if snap == nil {
		snap = c.st.Global()
	}
	snap.checkUsable("state.Cell.Get")
	snap.notifyRead(c)

	for s := snap; s != nil; s = s.parent {
		if v, ok := s.pendingValue(c.id); ok {
			return v.(T)
		}
	}
	return c.valueAt(snap.baseSeq())
}

// Set records a pending write in the snapshot's private overlay. It
// returns *errors.IllegalStateError if the snapshot is read-only,
// already applied, or disposed. The write is invisible to every other
// snapshot until Apply.
func (c *Cell[T]) Set(snap *Snapshot, value T) error {
	if snap == nil {
		return &errors.IllegalStateError{Op: "state.Cell.Set", Reason: "write requires a mutable snapshot"}
	}
	return snap.setPending(c, value)
}

// valueAt returns the newest committed value at or before seq.
func (c *Cell[T]) valueAt(seq uint64) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].seq > seq })
	// records[0] has seq 0, so i >= 1 always.
	return c.records[i-1].value
}

func (c *Cell[T]) newestSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[len(c.records)-1].seq
}

func (c *Cell[T]) committedAt(seq uint64) any {
	return c.valueAt(seq)
}

// commit appends a committed record and reclaims records no live
// snapshot can still see. Called with the store's apply lock held, so
// sequence numbers arrive in ascending order.
func (c *Cell[T]) commit(seq uint64, value any, minBase uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record[T]{seq: seq, value: value.(T)})

	// Keep the newest record at or below minBase; everything older is
	// invisible to every live snapshot.
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].seq > minBase })
	if i > 1 {
		c.records = append(c.records[:0:0], c.records[i-1:]...)
	}
}

func (c *Cell[T]) tryMerge(previous, ours, theirs any) (any, bool) {
	if c.merge == nil {
		return nil, false
	}
	merged, ok := c.merge(previous.(T), ours.(T), theirs.(T))
	if !ok {
		return nil, false
	}
	return merged, true
}
