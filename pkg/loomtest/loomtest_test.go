package loomtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-loom/loom/pkg/compose"
	loomerrors "github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	clock := NewFakeClock()
	start := clock.Now()
	assert.Zero(t, clock.Elapsed())

	clock.Advance(90 * time.Second)
	assert.True(t, clock.Now().Equal(start.Add(90*time.Second)))
	assert.Equal(t, 90*time.Second, clock.Elapsed())

	exact := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(exact)
	assert.True(t, clock.Now().Equal(exact))

	before := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	clock.Set(before)
	assert.True(t, clock.Now().Equal(before))
	assert.Negative(t, clock.Elapsed())
}

func TestRecordingUnit_TracksExecutions(t *testing.T) {
	u := &RecordingUnit{}
	assert.Equal(t, 0, u.Executions())
	assert.Equal(t, "", u.Last())

	require.NoError(t, u.Execute(nil))
	assert.Equal(t, 1, u.Executions())
	assert.Equal(t, []string{""}, u.Records())
}

func TestHarness_DrivesFrames(t *testing.T) {
	var cell *state.Cell[int]
	unit := &RecordingUnit{Body: func(ctx *compose.Ctx) (string, error) {
		if cell == nil {
			return "unwired", nil
		}
		return fmt.Sprintf("count=%d", compose.Read(ctx, cell)), nil
	}}

	h, err := NewHarness(unit)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, 1, unit.Executions())
	assert.Equal(t, "unwired", unit.Last())

	// Wire the dependency and recompose from the root; the read now
	// forms the invalidation edge.
	cell = state.NewCell(h.Runtime.Store(), 0, state.WithName[int]("count"))
	require.NoError(t, h.Composer.Compose())
	assert.Equal(t, "count=0", unit.Last())

	require.NoError(t, h.Frame(func(snap *state.Snapshot) {
		require.NoError(t, cell.Set(snap, 41))
	}))
	assert.Equal(t, 3, unit.Executions())
	assert.Equal(t, "count=41", unit.Last())
	assert.Equal(t, 16*time.Millisecond, h.Clock.Elapsed())

	// An empty frame still advances time but recomposes nothing.
	require.NoError(t, h.Frame(nil))
	assert.Equal(t, 3, unit.Executions())
	assert.Equal(t, 32*time.Millisecond, h.Clock.Elapsed())
}

func TestHarness_FailingRootSurfacesError(t *testing.T) {
	unit := compose.UnitFunc(func(*compose.Ctx) error {
		return fmt.Errorf("broken root")
	})
	h, err := NewHarness(unit, compose.WithBoundary(
		compose.BoundaryFunc(func(compose.ScopeID, *loomerrors.ScopeError) compose.Decision {
			return compose.FailTree
		}),
	))
	require.Error(t, err)
	require.Nil(t, h)
}
