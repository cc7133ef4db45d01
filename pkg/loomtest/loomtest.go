// Package loomtest provides helpers for deterministic tests of Loom
// compositions: a controllable clock, a work unit that records its
// executions, and a harness wiring a runtime with manual frames.
package loomtest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-loom/loom/pkg/compose"
	"github.com/go-loom/loom/pkg/state"
)

// fakeEpoch is where every FakeClock starts; an absolute date keeps
// timestamps in failure output recognizable as fake.
var fakeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock provides controllable time for deterministic tests,
// tracked as an offset from a fixed epoch. The zero value is ready to
// use, and all methods are safe for concurrent use.
type FakeClock struct {
	offset atomic.Int64 // nanoseconds past fakeEpoch
}

// NewFakeClock returns a FakeClock positioned at the epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	return fakeEpoch.Add(time.Duration(c.offset.Load()))
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.offset.Add(int64(d))
}

// Set positions the clock at an exact time. Times before the epoch
// are valid.
func (c *FakeClock) Set(t time.Time) {
	c.offset.Store(int64(t.Sub(fakeEpoch)))
}

// Elapsed returns how far the clock has moved past the epoch.
func (c *FakeClock) Elapsed() time.Duration {
	return time.Duration(c.offset.Load())
}

// RecordingUnit is a work unit that runs a body function and records
// one entry per execution. Safe for concurrent use so parallel drains
// can share it.
type RecordingUnit struct {
	// Body produces the value recorded for one execution. Optional.
	Body func(ctx *compose.Ctx) (string, error)

	mu      sync.Mutex
	records []string
}

// Execute runs the body and appends its output to the record.
func (u *RecordingUnit) Execute(ctx *compose.Ctx) error {
	var out string
	var err error
	if u.Body != nil {
		out, err = u.Body(ctx)
		if err != nil {
			return err
		}
	}
	u.mu.Lock()
	u.records = append(u.records, out)
	u.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far.
func (u *RecordingUnit) Records() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.records...)
}

// Executions returns how many times the unit has run.
func (u *RecordingUnit) Executions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.records)
}

// Last returns the most recent record, or "" if none.
func (u *RecordingUnit) Last() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.records) == 0 {
		return ""
	}
	return u.records[len(u.records)-1]
}

// Harness bundles a runtime, a composer over the given root unit, and
// a fake clock, with frames driven manually by the test.
type Harness struct {
	Clock    *FakeClock
	Runtime  *compose.Runtime
	Composer *compose.Composer
}

// NewHarness creates a harness and runs the initial composition.
// Extra composer options are applied before composing.
func NewHarness(root compose.Unit, opts ...compose.ComposerOption) (*Harness, error) {
	clock := NewFakeClock()
	rt := compose.NewRuntime(compose.WithClock(clock))
	comp := rt.NewComposer(root, opts...)
	if err := comp.Compose(); err != nil {
		comp.Close()
		rt.Close()
		return nil, err
	}
	return &Harness{Clock: clock, Runtime: rt, Composer: comp}, nil
}

// Frame advances the clock by a nominal frame interval and runs one
// frame boundary: writes made in fn are applied atomically and the
// dirty set drained once. fn may be nil for an empty frame.
func (h *Harness) Frame(fn func(snap *state.Snapshot)) error {
	h.Clock.Advance(16 * time.Millisecond)
	return h.Composer.Frame(fn)
}

// Close tears down the composer and runtime.
func (h *Harness) Close() {
	h.Composer.Close()
	h.Runtime.Close()
}
