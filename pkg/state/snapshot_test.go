package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	loomerrors "github.com/go-loom/loom/pkg/errors"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0, WithName[int]("count"))

	snap := st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, 42))
	require.NoError(t, snap.Apply())

	fresh := st.Snapshot()
	defer fresh.Dispose()
	require.Equal(t, 42, cell.Get(fresh))
	require.Equal(t, 42, cell.Get(st.Global()))
}

func TestSnapshot_Isolation_PinnedBase(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, "old")

	before := st.Snapshot()
	defer before.Dispose()

	snap := st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, "new"))
	require.NoError(t, snap.Apply())

	// A snapshot opened before the commit keeps seeing the old value;
	// the global view moves forward.
	require.Equal(t, "old", cell.Get(before))
	require.Equal(t, "new", cell.Get(st.Global()))
}

func TestSnapshot_PendingWritesInvisibleToOthers(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 1)

	snap := st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, 2))

	other := st.Snapshot()
	defer other.Dispose()
	require.Equal(t, 1, cell.Get(other))
	require.Equal(t, 1, cell.Get(st.Global()))

	// The writer sees its own overlay.
	require.Equal(t, 2, cell.Get(snap))
	snap.Dispose()

	// Disposed without apply: the write is gone.
	require.Equal(t, 1, cell.Get(st.Global()))
}

func TestSnapshot_AtomicVisibility(t *testing.T) {
	st := NewStore()
	a := NewCell(st, 0)
	b := NewCell(st, 0)

	snap := st.MutableSnapshot()
	require.NoError(t, a.Set(snap, 1))
	require.NoError(t, b.Set(snap, 1))
	require.NoError(t, snap.Apply())

	// Both writes landed under one commit sequence: a reader either
	// has both or neither.
	after := st.Snapshot()
	defer after.Dispose()
	require.Equal(t, 1, a.Get(after))
	require.Equal(t, 1, b.Get(after))
}

func TestSnapshot_Conflict_SecondApplyFails(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0, WithName[int]("contested"))

	a := st.MutableSnapshot()
	b := st.MutableSnapshot()
	require.NoError(t, cell.Set(a, 1))
	require.NoError(t, cell.Set(b, 2))

	require.NoError(t, a.Apply())

	err := b.Apply()
	require.Error(t, err)
	var conflict *loomerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "contested", conflict.Cell)
	b.Dispose()

	require.Equal(t, 1, cell.Get(st.Global()))
}

func TestSnapshot_Conflict_MergePolicyResolves(t *testing.T) {
	st := NewStore()
	// Counter-style merge: both increments survive.
	cell := NewCell(st, 0, WithMerge(func(previous, ours, theirs int) (int, bool) {
		return theirs + (ours - previous), true
	}))

	a := st.MutableSnapshot()
	b := st.MutableSnapshot()
	require.NoError(t, cell.Set(a, cell.Get(a)+1))
	require.NoError(t, cell.Set(b, cell.Get(b)+1))

	require.NoError(t, a.Apply())
	require.NoError(t, b.Apply())
	require.Equal(t, 2, cell.Get(st.Global()))
}

func TestSnapshot_WriteToReadOnlyFails(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	snap := st.Snapshot()
	defer snap.Dispose()
	err := cell.Set(snap, 1)
	require.True(t, loomerrors.IsIllegalState(err))

	err = cell.Set(st.Global(), 1)
	require.True(t, loomerrors.IsIllegalState(err))
}

func TestSnapshot_UseAfterDispose(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	snap := st.MutableSnapshot()
	snap.Dispose()

	err := cell.Set(snap, 1)
	require.True(t, loomerrors.IsIllegalState(err))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*loomerrors.IllegalStateError)
		require.True(t, ok)
	}()
	cell.Get(snap)
}

func TestSnapshot_DoubleApplyFails(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	snap := st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, 1))
	require.NoError(t, snap.Apply())

	err := snap.Apply()
	require.True(t, loomerrors.IsIllegalState(err))
}

func TestSnapshot_NestedMutable_FoldsIntoParent(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	parent := st.MutableSnapshot()
	child := parent.NestedMutable()
	require.NoError(t, cell.Set(child, 7))

	// Visible through the child's lineage, not globally.
	require.Equal(t, 7, cell.Get(child))
	require.Equal(t, 0, cell.Get(st.Global()))

	require.NoError(t, child.Apply())
	require.Equal(t, 7, cell.Get(parent))
	require.Equal(t, 0, cell.Get(st.Global()))

	require.NoError(t, parent.Apply())
	require.Equal(t, 7, cell.Get(st.Global()))
}

func TestSnapshot_NestedReadOnly_SeesParentOverlay(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	parent := st.MutableSnapshot()
	require.NoError(t, cell.Set(parent, 3))

	child := parent.Nested()
	defer child.Dispose()
	require.Equal(t, 3, cell.Get(child))
	parent.Dispose()
}

func TestSnapshot_ReadObserver(t *testing.T) {
	st := NewStore()
	a := NewCell(st, 0)
	b := NewCell(st, 0)

	var seen []uint64
	snap := st.Snapshot(WithReadObserver(func(c AnyCell) {
		seen = append(seen, c.ID())
	}))
	defer snap.Dispose()

	a.Get(snap)
	b.Get(snap)
	require.Equal(t, []uint64{a.ID(), b.ID()}, seen)
}

func TestSnapshot_PushObserver_PopStopsRecording(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	snap := st.MutableSnapshot()
	defer snap.Dispose()

	var reads, writes int
	pop := snap.PushObserver(
		func(AnyCell) { reads++ },
		func(AnyCell) { writes++ },
	)

	cell.Get(snap)
	require.NoError(t, cell.Set(snap, 1))
	pop()
	cell.Get(snap)
	require.NoError(t, cell.Set(snap, 2))

	require.Equal(t, 1, reads)
	require.Equal(t, 1, writes)
}

func TestSnapshot_ObserverMayPushObserverReentrantly(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	snap := st.MutableSnapshot()
	defer snap.Dispose()

	// Notification iterates a copy of the observer list, so an
	// observer attaching another one mid-read neither deadlocks nor
	// retroactively sees the triggering read.
	var outer, inner int
	snap.PushObserver(func(AnyCell) {
		outer++
		if outer == 1 {
			snap.PushObserver(func(AnyCell) { inner++ }, nil)
		}
	}, nil)

	cell.Get(snap)
	require.Equal(t, 1, outer)
	require.Equal(t, 0, inner)

	cell.Get(snap)
	require.Equal(t, 2, outer)
	require.Equal(t, 1, inner)
}

func TestSnapshot_NestedObserver_NotifiesParentChain(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	var parentReads int
	parent := st.MutableSnapshot(WithReadObserver(func(AnyCell) { parentReads++ }))
	defer parent.Dispose()

	child := parent.Nested()
	defer child.Dispose()
	cell.Get(child)
	require.Equal(t, 1, parentReads)
}

func TestStore_OnApply_DeliversCommittedCellsInOrder(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0, WithMerge(MergeOurs[int]()))

	var mu sync.Mutex
	var seqs []uint64
	unsub := st.OnApply(func(seq uint64, cells []AnyCell) {
		mu.Lock()
		seqs = append(seqs, seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := st.MutableSnapshot()
			if err := cell.Set(snap, i); err != nil {
				t.Error(err)
				return
			}
			// Concurrent applies race on the same cell; with the
			// always-accept merge they all commit.
			_ = snap.Apply()
		}(i)
	}
	wg.Wait()
	unsub()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "apply listeners must run in commit order")
	}
}

func TestStore_OnApply_UnsubscribeStopsDelivery(t *testing.T) {
	st := NewStore()
	cell := NewCell(st, 0)

	calls := 0
	unsub := st.OnApply(func(uint64, []AnyCell) { calls++ })

	snap := st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, 1))
	require.NoError(t, snap.Apply())
	unsub()

	snap = st.MutableSnapshot()
	require.NoError(t, cell.Set(snap, 2))
	require.NoError(t, snap.Apply())

	require.Equal(t, 1, calls)
}

func TestStore_EmptyApplyCommitsNothing(t *testing.T) {
	st := NewStore()
	calls := 0
	unsub := st.OnApply(func(uint64, []AnyCell) { calls++ })
	defer unsub()

	snap := st.MutableSnapshot()
	require.NoError(t, snap.Apply())
	require.Equal(t, 0, calls)
	require.Equal(t, uint64(0), st.CommitSeq())
}

func TestStore_LiveSnapshots(t *testing.T) {
	st := NewStore()
	require.Equal(t, 0, st.LiveSnapshots())

	a := st.Snapshot()
	b := st.MutableSnapshot()
	require.Equal(t, 2, st.LiveSnapshots())

	a.Dispose()
	require.NoError(t, b.Apply())
	require.Equal(t, 0, st.LiveSnapshots())
}
