package compose

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	loomerrors "github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

func TestFrame_ConflictSurfacesToCaller(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	cell := state.NewCell(rt.Store(), 0, state.WithName[int]("contested"))

	root := UnitFunc(func(ctx *Ctx) error {
		Read(ctx, cell)
		return nil
	})
	comp := rt.NewComposer(root)
	require.NoError(t, comp.Compose())

	// An external writer commits between the frame snapshot opening and
	// its apply.
	err := comp.Frame(func(snap *state.Snapshot) {
		require.NoError(t, cell.Set(snap, 1))

		other := rt.Store().MutableSnapshot()
		require.NoError(t, cell.Set(other, 2))
		require.NoError(t, other.Apply())
	})
	var conflict *loomerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "contested", conflict.Cell)

	// The losing frame left no partial state behind.
	require.Equal(t, 2, cell.Get(rt.Store().Global()))
}

func TestFrame_AfterCloseFails(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	comp := rt.NewComposer(UnitFunc(func(*Ctx) error { return nil }))
	require.NoError(t, comp.Compose())
	comp.Close()

	err := comp.Frame(func(*state.Snapshot) {})
	require.ErrorIs(t, err, ErrComposerClosed)
}

func TestFrameClock_TickSkipsWhenIdle(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	cell := state.NewCell(rt.Store(), 0)

	execs := 0
	root := UnitFunc(func(ctx *Ctx) error {
		Read(ctx, cell)
		execs++
		return nil
	})
	comp := rt.NewComposer(root)
	fc := comp.NewFrameClock(0)
	require.NoError(t, comp.Compose())
	require.Equal(t, 1, execs)

	// Nothing dirty: the tick is a no-op.
	require.False(t, fc.NeedsFrame())
	ran, err := fc.Tick()
	require.NoError(t, err)
	require.False(t, ran)

	// An external commit dirties the tree; the clock notices without
	// being told.
	snap := rt.Store().MutableSnapshot()
	require.NoError(t, cell.Set(snap, 1))
	require.NoError(t, snap.Apply())

	require.True(t, fc.NeedsFrame())
	ran, err = fc.Tick()
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 2, execs)

	ran, err = fc.Tick()
	require.NoError(t, err)
	require.False(t, ran)
}

func TestFrameClock_RequestFrameMarksPending(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	comp := rt.NewComposer(UnitFunc(func(*Ctx) error { return nil }))
	fc := comp.NewFrameClock(0)
	require.NoError(t, comp.Compose())

	fc.RequestFrame()
	require.True(t, fc.NeedsFrame())
	ran, err := fc.Tick()
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, fc.NeedsFrame())
}

func TestFrameClock_ThrottleDropsBackToBackTicks(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	cell := state.NewCell(rt.Store(), 0)

	execs := 0
	root := UnitFunc(func(ctx *Ctx) error {
		Read(ctx, cell)
		execs++
		return nil
	})
	comp := rt.NewComposer(root)
	fc := comp.NewFrameClock(1) // one frame per second
	require.NoError(t, comp.Compose())

	write := func(v int) {
		snap := rt.Store().MutableSnapshot()
		require.NoError(t, cell.Set(snap, v))
		require.NoError(t, snap.Apply())
	}

	// First tick consumes the limiter's burst.
	write(1)
	ran, err := fc.Tick()
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 2, execs)

	// Immediate follow-up is throttled; the dirty work stays queued.
	write(2)
	ran, err = fc.Tick()
	require.NoError(t, err)
	require.False(t, ran)
	require.True(t, fc.NeedsFrame())
	require.Equal(t, 2, execs)
}

func TestFrame_WritesCoalesceAcrossCallers(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	items := make([]*state.Cell[int], 8)
	for i := range items {
		items[i] = state.NewCell(rt.Store(), 0, state.WithName[int](fmt.Sprintf("item-%d", i)))
	}

	execs := 0
	root := UnitFunc(func(ctx *Ctx) error {
		for _, c := range items {
			Read(ctx, c)
		}
		execs++
		return nil
	})
	comp := rt.NewComposer(root)
	require.NoError(t, comp.Compose())

	require.NoError(t, comp.Frame(func(snap *state.Snapshot) {
		for i, c := range items {
			require.NoError(t, c.Set(snap, i+1))
		}
	}))
	require.Equal(t, 2, execs)
}
