// Package metrics exposes Prometheus collectors for the Loom runtime.
//
// All Registry methods are safe on a nil receiver, so the runtime's
// hot paths can record unconditionally and callers who don't care
// about metrics simply pass nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the runtime's collectors.
type Registry struct {
	recompositions prometheus.Counter
	scopeFailures  prometheus.Counter
	applyConflicts prometheus.Counter
	scopesLive     prometheus.Gauge
	frameDuration  prometheus.Histogram
	drainSize      prometheus.Histogram
}

// NewRegistry creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		recompositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "recompositions_total",
			Help:      "Scope work-unit executions performed by the scheduler.",
		}),
		scopeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "scope_failures_total",
			Help:      "Scope executions that ended in an error or panic.",
		}),
		applyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "apply_conflicts_total",
			Help:      "Snapshot applies rejected by conflict detection.",
		}),
		scopesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "scopes_live",
			Help:      "Scopes currently allocated across all composers.",
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "frame_duration_seconds",
			Help:      "Wall time of one frame: apply plus recomposition.",
			Buckets:   prometheus.ExponentialBuckets(100e-6, 2, 12),
		}),
		drainSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "drain_size_scopes",
			Help:      "Number of dirty scopes handled per drain generation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.recompositions, r.scopeFailures, r.applyConflicts,
			r.scopesLive, r.frameDuration, r.drainSize,
		)
	}
	return r
}

// IncRecomposition records one scope execution.
func (r *Registry) IncRecomposition() {
	if r != nil {
		r.recompositions.Inc()
	}
}

// IncScopeFailure records one failed scope execution.
func (r *Registry) IncScopeFailure() {
	if r != nil {
		r.scopeFailures.Inc()
	}
}

// IncConflict records one rejected snapshot apply.
func (r *Registry) IncConflict() {
	if r != nil {
		r.applyConflicts.Inc()
	}
}

// AddScopesLive adjusts the live-scope gauge by delta.
func (r *Registry) AddScopesLive(delta int) {
	if r != nil {
		r.scopesLive.Add(float64(delta))
	}
}

// ObserveFrame records the duration of one frame.
func (r *Registry) ObserveFrame(d time.Duration) {
	if r != nil {
		r.frameDuration.Observe(d.Seconds())
	}
}

// ObserveDrain records the size of one drain generation.
func (r *Registry) ObserveDrain(scopes int) {
	if r != nil {
		r.drainSize.Observe(float64(scopes))
	}
}
