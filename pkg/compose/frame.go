package compose

import (
	stderrors "errors"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

// Frame runs one frame: every write made through the callback's
// snapshot is batched, applied in a single atomic commit, and followed
// by exactly one scheduler pass over the resulting dirty set. Many
// discrete writes therefore coalesce into one recomposition of each
// dependent scope.
//
// A nil callback makes an empty frame boundary, draining whatever was
// dirtied between frames. The returned error is an apply conflict, a
// tree failure, or nil.
func (c *Composer) Frame(fn func(snap *state.Snapshot)) error {
	if c.closed.Load() {
		return ErrComposerClosed
	}
	if err := c.Err(); err != nil {
		return err
	}
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	start := c.rt.clock.Now()
	snap := c.rt.store.MutableSnapshot()
	if fn != nil {
		fn(snap)
	}
	if err := snap.Apply(); err != nil {
		snap.Dispose()
		var conflict *errors.ConflictError
		if stderrors.As(err, &conflict) {
			c.rt.metrics.IncConflict()
			c.rt.reportConflict(conflict)
		}
		return err
	}

	c.drain()
	c.rt.metrics.ObserveFrame(c.rt.clock.Now().Sub(start))
	return c.Err()
}

// Pulse signals a frame boundary with no writes of its own.
func (c *Composer) Pulse() error {
	return c.Frame(nil)
}

// FrameClock turns an external tick source (display link, timer) into
// frame boundaries, skipping ticks when nothing is dirty and
// optionally throttling to a maximum rate.
type FrameClock struct {
	c       *Composer
	limiter *rate.Limiter
	pending atomic.Bool
}

// NewFrameClock creates a clock for the composer. maxFPS <= 0 means
// unthrottled. If the composer has no frame-request callback yet, the
// clock installs its own, so writes between ticks mark a frame
// pending.
func (c *Composer) NewFrameClock(maxFPS float64) *FrameClock {
	fc := &FrameClock{c: c}
	if maxFPS > 0 {
		fc.limiter = rate.NewLimiter(rate.Limit(maxFPS), 1)
	}
	if c.onFrameRequest.Load() == nil {
		fn := fc.RequestFrame
		c.onFrameRequest.Store(&fn)
	}
	return fc
}

// RequestFrame marks a frame as needed; the next Tick will run it.
func (fc *FrameClock) RequestFrame() {
	fc.pending.Store(true)
}

// NeedsFrame reports whether a tick would do work.
func (fc *FrameClock) NeedsFrame() bool {
	return fc.pending.Load() || fc.c.g.hasDirty() || fc.c.hasResumes()
}

// Tick runs a frame if one is needed and the rate limit allows it.
// It reports whether a frame ran.
func (fc *FrameClock) Tick() (bool, error) {
	if !fc.NeedsFrame() {
		return false, nil
	}
	if fc.limiter != nil && !fc.limiter.Allow() {
		return false, nil
	}
	fc.pending.Store(false)
	return true, fc.c.Pulse()
}
