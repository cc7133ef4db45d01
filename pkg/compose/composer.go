package compose

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/state"
)

// ErrComposerClosed is returned by operations on a closed composer.
var ErrComposerClosed = stderrors.New("compose: composer is closed")

// ErrTreeFailed is returned once a boundary decided FailTree; the
// underlying scope error is attached.
var ErrTreeFailed = stderrors.New("compose: composition tree failed")

const defaultMaxPasses = 64

// Composer hosts one composition tree: a root unit, the scopes it
// declares, their invalidation graph, and the scheduler that walks
// dirty scopes. Exactly one drain pass runs per composer at a time;
// independent composers drain independently.
type Composer struct {
	rt       *Runtime
	arena    *arena
	g        *graph
	rootID   ScopeID
	boundary Boundary

	parallelism int
	maxPasses   int

	onFrameRequest atomic.Pointer[func()]
	unsubApply     func()

	// drainMu makes the drain consumer mutually exclusive with itself
	// and with structural disposal.
	drainMu  sync.Mutex
	frameMu  sync.Mutex
	draining atomic.Bool
	closed   atomic.Bool

	resumeMu sync.Mutex
	resumes  map[ScopeID]struct{}

	treeFailed atomic.Pointer[errors.ScopeError]

	ctx    context.Context
	cancel context.CancelFunc
}

// ComposerOption configures a composer at creation.
type ComposerOption func(*Composer)

// WithBoundary installs the error boundary receiving scope failures.
func WithBoundary(b Boundary) ComposerOption {
	return func(c *Composer) { c.boundary = b }
}

// WithParallelism distributes scope re-execution within a drain
// generation across up to n goroutines. Scopes of different depths
// never run concurrently, and a given scope never executes twice at
// once. n <= 1 keeps the default single-threaded drain.
func WithParallelism(n int) ComposerOption {
	return func(c *Composer) { c.parallelism = n }
}

// WithMaxPasses caps the self-invalidation passes per drain. Hitting
// the cap reports ErrNonConverging through the boundary.
func WithMaxPasses(n int) ComposerOption {
	return func(c *Composer) {
		if n > 0 {
			c.maxPasses = n
		}
	}
}

// WithFrameRequest registers a callback invoked when new invalid
// scopes appear outside a drain, signalling the platform that a frame
// is needed.
func WithFrameRequest(fn func()) ComposerOption {
	return func(c *Composer) { c.onFrameRequest.Store(&fn) }
}

// NewComposer creates a composition tree rooted at the given unit.
// Call Compose to run the initial composition.
func (rt *Runtime) NewComposer(root Unit, opts ...ComposerOption) *Composer {
	c := &Composer{
		rt:        rt,
		arena:     newArena(),
		g:         newGraph(),
		maxPasses: defaultMaxPasses,
		resumes:   make(map[ScopeID]struct{}),
	}
	c.boundary = defaultBoundary{rt: rt}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	rootScope := c.allocScope(NilScope, 0, root)
	c.rootID = rootScope.id
	rootScope.setState(ScopeInvalid)

	c.unsubApply = rt.store.OnApply(func(seq uint64, cells []state.AnyCell) {
		dirtied := 0
		for _, cell := range cells {
			dirtied += c.g.recordWrite(cell.ID())
		}
		if dirtied > 0 {
			c.requestFrame()
		}
	})

	rt.track(c)
	return c
}

// Root returns the root scope's id.
func (c *Composer) Root() ScopeID { return c.rootID }

// ScopeState reports a scope's current scheduling state.
func (c *Composer) ScopeState(id ScopeID) (ScopeState, bool) {
	s := c.arena.get(id)
	if s == nil {
		return 0, false
	}
	return s.state(), true
}

// ScopeCount returns the number of live scopes in this tree.
func (c *Composer) ScopeCount() int { return c.arena.size() }

// Err returns the tree failure, if a boundary decided FailTree.
func (c *Composer) Err() error {
	if f := c.treeFailed.Load(); f != nil {
		return fmt.Errorf("%w: %w", ErrTreeFailed, f)
	}
	return nil
}

// Compose runs the initial composition pass. Calling it again
// re-invalidates the root and drains, recomposing the tree from the
// top.
func (c *Composer) Compose() error {
	if c.closed.Load() {
		return ErrComposerClosed
	}
	c.g.markDirty(c.rootID)
	c.drain()
	return c.Err()
}

// Retry clears a failed scope and schedules its re-execution.
func (c *Composer) Retry(id ScopeID) {
	s := c.arena.get(id)
	if s == nil {
		return
	}
	if s.casState(ScopeFailed, ScopeInvalid) {
		s.failure = nil
		c.g.markDirty(id)
		c.requestFrame()
	}
}

// DisposeScope cancels any in-flight execution of the scope, removes
// its subtree, and clears its invalidation-graph entries so deleted
// work cannot leak dirty references. It must not be called from
// inside a unit's execution; structure changes there via Child
// reconciliation.
func (c *Composer) DisposeScope(id ScopeID) {
	if s := c.arena.get(id); s != nil && s.cancel != nil {
		s.cancel()
	}
	c.drainMu.Lock()
	c.freeScopeTree(id, true)
	c.drainMu.Unlock()
}

// Close cancels all in-flight work and releases every scope.
func (c *Composer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.unsubApply()
	c.drainMu.Lock()
	c.freeScopeTree(c.rootID, false)
	c.drainMu.Unlock()
	c.rt.untrack(c)
}

func (c *Composer) allocScope(parent ScopeID, depth int, unit Unit) *scope {
	s := c.arena.alloc(parent, depth, unit)
	c.rt.metrics.AddScopesLive(1)
	return s
}

// freeScopeTree releases a scope and its descendants. Callers hold
// drainMu.
func (c *Composer) freeScopeTree(id ScopeID, unlinkParent bool) {
	s := c.arena.get(id)
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, childID := range s.children {
		c.freeScopeTree(childID, false)
	}
	c.g.unregisterScope(s.id, s.reads)
	// A suspended scope has edges registered from its partial read set
	// too; those must die with the scope.
	for cellID := range s.pendingReads {
		c.g.unregisterRead(s.id, cellID)
	}
	c.resumeMu.Lock()
	delete(c.resumes, s.id)
	c.resumeMu.Unlock()

	if unlinkParent {
		if parent := c.arena.get(s.parent); parent != nil {
			for i, cid := range parent.children {
				if cid == s.id {
					parent.children = append(parent.children[:i], parent.children[i+1:]...)
					break
				}
			}
		}
	}
	c.arena.release(s.id)
	c.rt.metrics.AddScopesLive(-1)
}

func (c *Composer) requestFrame() {
	if fn := c.onFrameRequest.Load(); fn != nil && !c.draining.Load() {
		(*fn)()
	}
}

func (c *Composer) hasResumes() bool {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()
	return len(c.resumes) > 0
}

func (c *Composer) enqueueResume(id ScopeID) {
	c.resumeMu.Lock()
	c.resumes[id] = struct{}{}
	c.resumeMu.Unlock()
	c.requestFrame()
}

func (c *Composer) takeResumes() map[ScopeID]struct{} {
	c.resumeMu.Lock()
	resumes := c.resumes
	c.resumes = make(map[ScopeID]struct{})
	c.resumeMu.Unlock()
	return resumes
}

// execContext carries one goroutine's execution state for a pass: the
// snapshot scoped work reads and writes through, and the scope reads
// are currently attributed to. Inline child executions swap current
// and restore it, so nested reads land on the right scope.
type execContext struct {
	c       *Composer
	snap    *state.Snapshot
	current *scope
}

func (c *Composer) newExecContext(passSnap *state.Snapshot) *execContext {
	ec := &execContext{c: c}
	ec.snap = passSnap.NestedMutable(
		state.WithReadObserver(ec.observeRead),
		state.WithWriteObserver(ec.observeWrite),
	)
	return ec
}

func (ec *execContext) observeRead(cell state.AnyCell) {
	if s := ec.current; s != nil && s.pendingReads != nil {
		s.pendingReads[cell.ID()] = cell
	}
}

// observeWrite flags self-invalidation: a scope writing a cell it has
// read (this pass or last) must re-execute rather than go Clean.
func (ec *execContext) observeWrite(cell state.AnyCell) {
	s := ec.current
	if s == nil {
		return
	}
	if _, ok := s.reads[cell.ID()]; ok {
		s.selfInv = true
		return
	}
	if _, ok := s.pendingReads[cell.ID()]; ok {
		s.selfInv = true
	}
}

// close folds the execution snapshot's writes into the pass snapshot.
func (ec *execContext) close() {
	if err := ec.snap.Apply(); err != nil {
		ec.c.rt.log.Error("execution snapshot apply failed", zap.Error(err))
	}
}

// executeScope runs one scope's unit (or resumes its task) under
// observation, then swaps the scope's invalidation-graph edges to
// exactly the cells read. Failures are contained here: the scope is
// marked Failed and the boundary decides, siblings unaffected.
func (c *Composer) executeScope(s *scope, ec *execContext) {
	resuming := s.task != nil
	if !resuming {
		s.setState(ScopeComposing)
		s.pendingReads = make(map[uint64]state.AnyCell)
		s.selfInv = false
		s.childCursor = 0
	}
	if s.cancel == nil {
		s.taskCtx, s.cancel = context.WithCancel(c.ctx)
	}

	prev := ec.current
	ec.current = s
	ctx := &Ctx{c: c, s: s, ec: ec, goctx: s.taskCtx}

	var err error
	var recovered any
	var stack string
	suspended := false

	func() {
		defer func() {
			if r := recover(); r != nil {
				recovered = r
				stack = errors.CaptureStack()
			}
		}()
		if resuming {
			var status Status
			status, err = s.task.Resume(ctx)
			if err == nil && status == Suspended {
				suspended = true
			} else {
				s.task = nil
			}
		} else {
			err = s.unit.Execute(ctx)
			var se *suspendError
			if stderrors.As(err, &se) {
				s.task = se.task
				suspended = true
				err = nil
			}
		}
	}()

	ctx.done = true
	ec.current = prev
	c.rt.metrics.IncRecomposition()

	if recovered != nil || err != nil {
		serr := &errors.ScopeError{
			Scope:      s.id.String(),
			Unit:       unitName(s.unit),
			Recovered:  recovered,
			Err:        err,
			StackTrace: stack,
			Timestamp:  c.rt.clock.Now(),
		}
		s.failure = serr
		s.task = nil
		s.setState(ScopeFailed)
		// Keep the graph edges current so a later dependency change
		// re-invalidates the scope; a partial read set still names its
		// inputs. An empty one retains the previous edges instead.
		if len(s.pendingReads) > 0 {
			c.commitReads(s)
		} else {
			s.pendingReads = nil
		}
		c.rt.metrics.IncScopeFailure()
		c.routeScopeError(s.id, serr)
		return
	}

	if suspended {
		// Register the edges observed so far, keeping pendingReads open
		// for the resume. Writes during the suspension must still dirty
		// the scope, or the invalidation is lost.
		for cellID := range s.pendingReads {
			if _, ok := s.reads[cellID]; !ok {
				c.g.registerRead(s.id, cellID)
			}
		}
		c.watchTask(s)
		return
	}

	if !resuming {
		c.trimChildren(s)
	}
	c.commitReads(s)
	if s.selfInv {
		s.setState(ScopeInvalid)
		c.g.markDirty(s.id)
	} else {
		s.setState(ScopeClean)
	}
}

// commitReads swaps the scope's registered edges to its newly
// observed read set: stale edges removed first, new ones added, one
// bucket critical section per cell.
func (c *Composer) commitReads(s *scope) {
	for cellID := range s.reads {
		if _, ok := s.pendingReads[cellID]; !ok {
			c.g.unregisterRead(s.id, cellID)
		}
	}
	for cellID := range s.pendingReads {
		if _, ok := s.reads[cellID]; !ok {
			c.g.registerRead(s.id, cellID)
		}
	}
	s.reads = s.pendingReads
	s.pendingReads = nil
}

// trimChildren disposes children not re-declared by the execution
// that just completed.
func (c *Composer) trimChildren(s *scope) {
	for i := s.childCursor; i < len(s.children); i++ {
		c.freeScopeTree(s.children[i], false)
	}
	s.children = s.children[:s.childCursor]
}

// watchTask arms a waiter that schedules the scope's resumption when
// its task signals readiness.
func (c *Composer) watchTask(s *scope) {
	id := s.id
	ready := s.task.Ready()
	go func() {
		select {
		case <-ready:
			c.enqueueResume(id)
		case <-c.ctx.Done():
		}
	}()
}

func (c *Composer) routeScopeError(id ScopeID, serr *errors.ScopeError) {
	switch c.boundary.OnScopeError(id, serr) {
	case Rethrow:
		c.rt.reportScopeError(serr)
	case FailTree:
		c.treeFailed.CompareAndSwap(nil, serr)
		c.rt.reportScopeError(serr)
	}
}

type passEntry struct {
	s      *scope
	resume bool
}

// drain processes dirty scopes until the tree is quiescent. Each
// iteration is one generation: steal the dirty set, execute it
// parents-first against a fresh pass snapshot, apply the snapshot
// once. Writes made during a generation dirty scopes for the next
// one, which is how self-invalidation converges.
func (c *Composer) drain() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	c.draining.Store(true)
	defer c.draining.Store(false)

	for pass := 0; ; pass++ {
		if c.treeFailed.Load() != nil || c.closed.Load() {
			return
		}
		dirty := c.g.drainDirty()
		resumes := c.takeResumes()
		if len(dirty) == 0 && len(resumes) == 0 {
			return
		}
		if pass >= c.maxPasses {
			serr := &errors.ScopeError{
				Scope:     c.rootID.String(),
				Unit:      "composer",
				Err:       errors.ErrNonConverging,
				Timestamp: c.rt.clock.Now(),
			}
			c.routeScopeError(c.rootID, serr)
			return
		}

		entries := c.gather(dirty, resumes)
		if len(entries) == 0 {
			// Only suspended scopes are dirty; put the invalidations
			// back and wait for their tasks to signal.
			for id := range dirty {
				if c.arena.get(id) != nil {
					c.g.markDirty(id)
				}
			}
			return
		}

		c.rt.metrics.ObserveDrain(len(entries))
		passSnap := c.rt.store.MutableSnapshot()
		c.runPass(entries, passSnap)

		if err := passSnap.Apply(); err != nil {
			// A concurrent external apply beat the pass to one of its
			// cells. The pass's outputs are lost; re-invalidate its
			// scopes so the next generation recomputes them against
			// the winning state.
			var conflict *errors.ConflictError
			if stderrors.As(err, &conflict) {
				c.rt.metrics.IncConflict()
				c.rt.reportConflict(conflict)
			} else {
				c.rt.log.Error("pass snapshot apply failed", zap.Error(err))
			}
			passSnap.Dispose()
			for _, e := range entries {
				if c.arena.get(e.s.id) == e.s && e.s.casState(ScopeClean, ScopeInvalid) {
					c.g.markDirty(e.s.id)
				}
			}
		}
	}
}

// gather resolves dirty ids and ready resumes into live, runnable
// scopes in stable parents-first order.
func (c *Composer) gather(dirty, resumes map[ScopeID]struct{}) []passEntry {
	entries := make([]passEntry, 0, len(dirty)+len(resumes))
	for id := range dirty {
		s := c.arena.get(id)
		if s == nil {
			continue
		}
		switch s.state() {
		case ScopeComposing:
			// Suspended mid-execution; never schedule a second
			// concurrent execution. The invalidation is re-queued by
			// the caller when nothing else is runnable, and otherwise
			// re-established once the write set applies again.
			c.g.markDirty(id)
		case ScopeFailed, ScopeClean:
			// A dependency changed: failed scopes get their retry,
			// clean ones were dirtied by an earlier generation.
			s.setState(ScopeInvalid)
			entries = append(entries, passEntry{s: s})
		case ScopeInvalid:
			entries = append(entries, passEntry{s: s})
		}
	}
	for id := range resumes {
		s := c.arena.get(id)
		if s == nil || s.task == nil || s.state() != ScopeComposing {
			continue
		}
		entries = append(entries, passEntry{s: s, resume: true})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].s, entries[j].s
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.id.index < b.id.index
	})
	return entries
}

// runPass executes one generation. Sequential mode shares a single
// execution snapshot; parallel mode gives each scope its own, but
// never runs two depths concurrently so parents still precede
// descendants.
func (c *Composer) runPass(entries []passEntry, passSnap *state.Snapshot) {
	if c.parallelism <= 1 {
		ec := c.newExecContext(passSnap)
		for _, e := range entries {
			if c.runnable(e) {
				c.executeScope(e.s, ec)
			}
		}
		ec.close()
		return
	}

	for lo := 0; lo < len(entries); {
		hi := lo
		for hi < len(entries) && entries[hi].s.depth == entries[lo].s.depth {
			hi++
		}
		var eg errgroup.Group
		eg.SetLimit(c.parallelism)
		for _, e := range entries[lo:hi] {
			e := e
			eg.Go(func() error {
				if !c.runnable(e) {
					return nil
				}
				ec := c.newExecContext(passSnap)
				c.executeScope(e.s, ec)
				ec.close()
				return nil
			})
		}
		_ = eg.Wait()
		lo = hi
	}
}

// runnable re-checks a pass entry right before execution: an ancestor
// executed earlier in the pass may have disposed the scope or already
// recomposed it.
func (c *Composer) runnable(e passEntry) bool {
	if c.arena.get(e.s.id) != e.s {
		return false
	}
	if e.resume {
		return e.s.task != nil && e.s.state() == ScopeComposing
	}
	return e.s.state() == ScopeInvalid
}

func unitName(u Unit) string {
	if u == nil {
		return "<nil>"
	}
	return reflect.TypeOf(u).String()
}
