// Package state implements Loom's snapshot state container: mutable
// cells with versioned histories, read through isolated snapshots.
//
// # Model
//
// A [Store] owns a set of [Cell] values and issues [Snapshot] handles.
// Every committed write is a record tagged with a commit sequence
// number; a snapshot captures the sequence current at open time and
// resolves every read against it, so a snapshot never observes writes
// committed after it was opened, and never observes a partial subset
// of another snapshot's writes.
//
// Mutable snapshots buffer writes privately until [Snapshot.Apply]
// publishes them in one atomic step. If another snapshot committed to
// one of the written cells in the meantime, Apply consults the cell's
// [MergePolicy]; without one it fails with *errors.ConflictError and
// publishes nothing. Last-write-wins is deliberately not the default.
//
// # Observation
//
// Snapshots carry optional read and write observers (see
// [WithReadObserver] and [Snapshot.PushObserver]); the composer uses
// these to record which cells a scope read during execution. Apply
// listeners registered with [Store.OnApply] receive each committed
// write set in commit-sequence order.
//
// # Basic usage
//
//	st := state.NewStore()
//	count := state.NewCell(st, 0, state.WithName[int]("count"))
//
//	snap := st.MutableSnapshot()
//	count.Set(snap, 1)
//	if err := snap.Apply(); err != nil {
//	    // conflict: retry with a fresh snapshot
//	}
//
//	fmt.Println(count.Get(st.Global())) // 1
package state
