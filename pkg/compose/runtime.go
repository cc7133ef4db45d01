package compose

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-loom/loom/pkg/errors"
	"github.com/go-loom/loom/pkg/metrics"
	"github.com/go-loom/loom/pkg/state"
)

// Clock abstracts wall time so tests can drive frames deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Runtime is the top-level handle owning the state store, the scope
// arenas of its composers, and the ambient collaborators (logger,
// error handler, metrics). Nothing is process-global: independent
// runtimes never share state.
type Runtime struct {
	id      uuid.UUID
	store   *state.Store
	log     *zap.Logger
	handler errors.Handler
	metrics *metrics.Registry
	clock   Clock

	mu        sync.Mutex
	composers map[*Composer]struct{}
	closed    bool
}

// RuntimeOption configures a runtime at creation.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime's logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.log = log }
}

// WithErrorHandler sets the handler receiving conflict and scope
// errors not consumed by a composer's boundary. Defaults to the
// global handler in pkg/errors.
func WithErrorHandler(h errors.Handler) RuntimeOption {
	return func(rt *Runtime) { rt.handler = h }
}

// WithMetrics attaches a metrics registry. Without one, recording is
// a no-op.
func WithMetrics(m *metrics.Registry) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c Clock) RuntimeOption {
	return func(rt *Runtime) { rt.clock = c }
}

// NewRuntime creates a runtime with a fresh state store.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		id:        uuid.New(),
		store:     state.NewStore(),
		log:       zap.NewNop(),
		clock:     systemClock{},
		composers: make(map[*Composer]struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With(zap.String("runtime", rt.id.String()))
	return rt
}

// ID returns the runtime's unique identity, used in logs and metrics.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Store returns the runtime's state store. Cells are created against
// it with state.NewCell.
func (rt *Runtime) Store() *state.Store { return rt.store }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.log }

// Close shuts down every composer. In-flight executions are cancelled
// and all scopes released.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	composers := make([]*Composer, 0, len(rt.composers))
	for c := range rt.composers {
		composers = append(composers, c)
	}
	rt.mu.Unlock()

	for _, c := range composers {
		c.Close()
	}
}

func (rt *Runtime) track(c *Composer) {
	rt.mu.Lock()
	rt.composers[c] = struct{}{}
	rt.mu.Unlock()
}

func (rt *Runtime) untrack(c *Composer) {
	rt.mu.Lock()
	delete(rt.composers, c)
	rt.mu.Unlock()
}

func (rt *Runtime) reportScopeError(err *errors.ScopeError) {
	if rt.handler != nil {
		rt.handler.HandleScopeError(err)
		return
	}
	errors.ReportScopeError(err)
}

func (rt *Runtime) reportConflict(err *errors.ConflictError) {
	if rt.handler != nil {
		rt.handler.HandleConflict(err)
		return
	}
	errors.ReportConflict(err)
}
