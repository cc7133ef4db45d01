package compose

import (
	"sync"

	"github.com/go-loom/loom/pkg/state"
)

// graphShards spreads the cell→scope edge map over independent locks
// so registration (any observing goroutine) and dirtying (any applying
// goroutine) rarely contend.
const graphShards = 16

// graph is the invalidation index: which scopes read which cells, and
// which scopes have been dirtied by committed writes since the last
// drain. The central invariant: scope S has an edge for cell C exactly
// when S's last committed read set contains C.
type graph struct {
	shards [graphShards]graphShard

	dirtyMu sync.Mutex
	dirty   map[ScopeID]struct{}
}

type graphShard struct {
	mu    sync.Mutex
	edges map[uint64]map[ScopeID]struct{} // cell id → dependent scopes
}

func newGraph() *graph {
	g := &graph{dirty: make(map[ScopeID]struct{})}
	for i := range g.shards {
		g.shards[i].edges = make(map[uint64]map[ScopeID]struct{})
	}
	return g
}

func (g *graph) shard(cellID uint64) *graphShard {
	return &g.shards[cellID%graphShards]
}

// registerRead adds the cell→scope edge.
func (g *graph) registerRead(id ScopeID, cellID uint64) {
	sh := g.shard(cellID)
	sh.mu.Lock()
	scopes := sh.edges[cellID]
	if scopes == nil {
		scopes = make(map[ScopeID]struct{})
		sh.edges[cellID] = scopes
	}
	scopes[id] = struct{}{}
	sh.mu.Unlock()
}

// unregisterRead removes the cell→scope edge.
func (g *graph) unregisterRead(id ScopeID, cellID uint64) {
	sh := g.shard(cellID)
	sh.mu.Lock()
	if scopes := sh.edges[cellID]; scopes != nil {
		delete(scopes, id)
		if len(scopes) == 0 {
			delete(sh.edges, cellID)
		}
	}
	sh.mu.Unlock()
}

// unregisterScope removes every edge for the given cell set and drops
// the scope from the pending dirty set. Used on scope disposal.
func (g *graph) unregisterScope(id ScopeID, cells map[uint64]state.AnyCell) {
	for cellID := range cells {
		g.unregisterRead(id, cellID)
	}
	g.dirtyMu.Lock()
	delete(g.dirty, id)
	g.dirtyMu.Unlock()
}

// recordWrite dirties every scope registered against the cell.
// Dirtying is at-least-once: a scope dirtied twice before the next
// drain still executes once, and is never silently dropped.
func (g *graph) recordWrite(cellID uint64) int {
	sh := g.shard(cellID)
	sh.mu.Lock()
	scopes := sh.edges[cellID]
	ids := make([]ScopeID, 0, len(scopes))
	for id := range scopes {
		ids = append(ids, id)
	}
	sh.mu.Unlock()

	if len(ids) == 0 {
		return 0
	}
	g.dirtyMu.Lock()
	for _, id := range ids {
		g.dirty[id] = struct{}{}
	}
	g.dirtyMu.Unlock()
	return len(ids)
}

// markDirty adds a single scope to the dirty set directly.
func (g *graph) markDirty(id ScopeID) {
	g.dirtyMu.Lock()
	g.dirty[id] = struct{}{}
	g.dirtyMu.Unlock()
}

// drainDirty atomically steals the dirty set. The drain consumer is
// mutually exclusive with itself (the composer holds its drain lock),
// but writers are only blocked for the map swap.
func (g *graph) drainDirty() map[ScopeID]struct{} {
	g.dirtyMu.Lock()
	dirty := g.dirty
	g.dirty = make(map[ScopeID]struct{})
	g.dirtyMu.Unlock()
	return dirty
}

// hasDirty reports whether any scope awaits draining.
func (g *graph) hasDirty() bool {
	g.dirtyMu.Lock()
	defer g.dirtyMu.Unlock()
	return len(g.dirty) > 0
}

// dependents returns the scopes currently registered against a cell,
// for tests and diagnostics.
func (g *graph) dependents(cellID uint64) []ScopeID {
	sh := g.shard(cellID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ids := make([]ScopeID, 0, len(sh.edges[cellID]))
	for id := range sh.edges[cellID] {
		ids = append(ids, id)
	}
	return ids
}
