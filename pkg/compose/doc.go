// Package compose implements Loom's recomposition runtime: scopes,
// read observation, the cell→scope invalidation graph, and the
// frame-coalesced scheduler that re-executes invalidated scopes.
//
// # Model
//
// A [Runtime] owns a state store and one or more [Composer] trees. A
// composer hosts a tree of scopes, each wrapping a caller-supplied
// [Unit]. While a unit executes, every cell read through its [Ctx] is
// recorded; when a later snapshot apply commits a write to one of
// those cells, the scope is marked invalid and the next frame
// re-executes it.
//
// Scopes move through a small state machine:
//
//	Clean -> Invalid -> Composing -> Clean
//	                              -> Invalid  (wrote one of its own reads)
//	                              -> Failed   (unit returned an error or panicked)
//
// A drain pass processes invalid scopes parents-first, so a parent
// that discards a child during reconciliation prevents the stale
// child from running. Failures are isolated per scope: the error is
// routed to the composer's [Boundary] and siblings keep composing.
//
// # Frames
//
// Writes are coalesced at frame boundaries. [Composer.Frame] batches
// all writes made in the callback into one snapshot, applies it once,
// and runs exactly one scheduler pass for the resulting dirty set.
// However many cells changed, each dependent scope executes once.
//
//	rt := compose.NewRuntime()
//	count := state.NewCell(rt.Store(), 0)
//
//	comp := rt.NewComposer(compose.UnitFunc(func(ctx *compose.Ctx) error {
//	    fmt.Println("count is", compose.Read(ctx, count))
//	    return nil
//	}))
//	comp.Compose()
//
//	comp.Frame(func(snap *state.Snapshot) {
//	    count.Set(snap, 1)
//	}) // prints "count is 1"
//
// # Suspension
//
// A unit that must wait for asynchronous input returns
// [Suspend] with a [Task]. The scope stays Composing, is never
// executed twice concurrently, and the scheduler resumes the task
// when its Ready channel signals.
package compose
