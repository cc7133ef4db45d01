package compose

import (
	"fmt"
	"sync"
)

// ScopeID addresses a scope in its composer's arena. The generation
// distinguishes reuses of the same slot, so an id held across a
// scope's disposal safely resolves to nothing.
type ScopeID struct {
	index uint32
	gen   uint32
}

// NilScope is the zero ScopeID; it never resolves to a live scope.
var NilScope = ScopeID{}

// Valid reports whether the id was ever issued by an arena.
func (id ScopeID) Valid() bool { return id.gen != 0 }

func (id ScopeID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

// arena is a slab of scopes addressed by index+generation. Scopes
// reference each other by ScopeID rather than pointers, which keeps
// parent/child navigation free of ownership cycles.
type arena struct {
	mu    sync.Mutex
	slots []arenaSlot
	free  []uint32
	count int
}

type arenaSlot struct {
	gen uint32
	s   *scope
}

func newArena() *arena {
	return &arena{}
}

// alloc places a new scope in the slab and returns it with its id set.
func (a *arena) alloc(parent ScopeID, depth int, unit Unit) *scope {
	a.mu.Lock()
	defer a.mu.Unlock()

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{})
	}

	slot := &a.slots[index]
	slot.gen++
	s := &scope{
		id:     ScopeID{index: index, gen: slot.gen},
		parent: parent,
		depth:  depth,
		unit:   unit,
	}
	slot.s = s
	a.count++
	return s
}

// get resolves an id, returning nil for stale or never-issued ids.
func (a *arena) get(id ScopeID) *scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id.index) >= len(a.slots) {
		return nil
	}
	slot := &a.slots[id.index]
	if slot.gen != id.gen || slot.s == nil {
		return nil
	}
	return slot.s
}

// release frees a single slot. The caller handles child recursion and
// graph cleanup.
func (a *arena) release(id ScopeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id.index) >= len(a.slots) {
		return
	}
	slot := &a.slots[id.index]
	if slot.gen != id.gen || slot.s == nil {
		return
	}
	slot.s = nil
	slot.gen++
	a.free = append(a.free, id.index)
	a.count--
}

// size returns the number of live scopes.
func (a *arena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
