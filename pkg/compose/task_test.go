package compose

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-loom/loom/pkg/state"
)

// stepTask suspends until its ready channel closes, then finishes.
type stepTask struct {
	ready   chan struct{}
	resumes atomic.Int64
	result  func(ctx *Ctx) (Status, error)
}

func newStepTask() *stepTask {
	return &stepTask{
		ready: make(chan struct{}),
		result: func(*Ctx) (Status, error) {
			return Done, nil
		},
	}
}

func (t *stepTask) Resume(ctx *Ctx) (Status, error) {
	t.resumes.Add(1)
	return t.result(ctx)
}

func (t *stepTask) Ready() <-chan struct{} { return t.ready }

func TestTask_SuspendedScopeStaysComposing(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	cell := state.NewCell(rt.Store(), 0)

	task := newStepTask()
	var execs atomic.Int64
	suspendOnce := atomic.Bool{}
	root := UnitFunc(func(ctx *Ctx) error {
		Read(ctx, cell)
		execs.Add(1)
		if suspendOnce.CompareAndSwap(false, true) {
			return Suspend(task)
		}
		return nil
	})

	comp := rt.NewComposer(root)
	require.NoError(t, comp.Compose())

	st, _ := comp.ScopeState(comp.Root())
	require.Equal(t, ScopeComposing, st)
	require.EqualValues(t, 1, execs.Load())

	// Invalidations while suspended must not start a second concurrent
	// execution of the scope.
	require.NoError(t, comp.Frame(func(snap *state.Snapshot) {
		require.NoError(t, cell.Set(snap, 1))
	}))
	require.EqualValues(t, 1, execs.Load())
	st, _ = comp.ScopeState(comp.Root())
	require.Equal(t, ScopeComposing, st)
	require.EqualValues(t, 0, task.resumes.Load())

	// Readiness schedules the resume; the task completes and the
	// pending invalidation finally re-runs the unit.
	close(task.ready)
	require.Eventually(t, func() bool {
		require.NoError(t, comp.Pulse())
		st, _ := comp.ScopeState(comp.Root())
		return st == ScopeClean
	}, 2*time.Second, 5*time.Millisecond)

	require.EqualValues(t, 1, task.resumes.Load())
	require.EqualValues(t, 2, execs.Load())
}

func TestTask_ResumeCanSuspendAgain(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	task := newStepTask()
	rounds := atomic.Int64{}
	task.result = func(*Ctx) (Status, error) {
		if rounds.Add(1) < 2 {
			// Re-arm: the scheduler consults Ready once per suspension.
			task.ready = make(chan struct{})
			close(task.ready)
			return Suspended, nil
		}
		return Done, nil
	}

	root := UnitFunc(func(ctx *Ctx) error {
		return Suspend(task)
	})
	comp := rt.NewComposer(root)
	close(task.ready)
	require.NoError(t, comp.Compose())

	require.Eventually(t, func() bool {
		require.NoError(t, comp.Pulse())
		st, _ := comp.ScopeState(comp.Root())
		return st == ScopeClean
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, rounds.Load())
}

func TestTask_ReadsDuringResumeAreTracked(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	cell := state.NewCell(rt.Store(), 0)

	task := newStepTask()
	var seen atomic.Int64
	task.result = func(ctx *Ctx) (Status, error) {
		seen.Store(int64(Read(ctx, cell)))
		return Done, nil
	}
	var execs atomic.Int64
	suspended := atomic.Bool{}
	root := UnitFunc(func(ctx *Ctx) error {
		execs.Add(1)
		if suspended.CompareAndSwap(false, true) {
			return Suspend(task)
		}
		Read(ctx, cell)
		return nil
	})

	comp := rt.NewComposer(root)
	require.NoError(t, comp.Compose())
	close(task.ready)
	require.Eventually(t, func() bool {
		require.NoError(t, comp.Pulse())
		st, _ := comp.ScopeState(comp.Root())
		return st == ScopeClean
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 0, seen.Load())

	// The resume read cell, so the dependency edge exists and a later
	// write re-executes the unit.
	require.NoError(t, comp.Frame(func(snap *state.Snapshot) {
		require.NoError(t, cell.Set(snap, 9))
	}))
	require.EqualValues(t, 2, execs.Load())
}

func TestTask_CloseCancelsWatcher(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	task := newStepTask()
	root := UnitFunc(func(ctx *Ctx) error {
		return Suspend(task)
	})
	comp := rt.NewComposer(root)
	require.NoError(t, comp.Compose())

	comp.Close()
	// Readiness after close must not resume anything.
	close(task.ready)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, task.resumes.Load())
}
