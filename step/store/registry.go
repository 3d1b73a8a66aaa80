package store

import (
	"sort"
	"sync"
)

type mapEntry struct {
	gen    uint64
	stores map[int]*RecordStore
}

// Registry owns the record stores of every map on the node, keyed by map
// name and partition. Destroying a map drops its stores; a later use of the
// same name creates the map afresh under a new generation, so operations
// holding the old generation observe the destroy.
type Registry struct {
	partitions int
	budget     *Budget

	mu      sync.RWMutex
	maps    map[string]*mapEntry
	lastGen uint64
}

// NewRegistry creates a registry for a node with the given partition count.
// A nil budget means unlimited memory.
func NewRegistry(partitions int, budget *Budget) *Registry {
	if partitions <= 0 {
		partitions = 1
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	return &Registry{
		partitions: partitions,
		budget:     budget,
		maps:       map[string]*mapEntry{},
	}
}

// Partitions returns the node's partition count.
func (r *Registry) Partitions() int { return r.partitions }

// Budget returns the shared memory budget.
func (r *Registry) Budget() *Budget { return r.budget }

// Generation returns the current generation of mapName, creating the map if
// it does not exist.
func (r *Registry) Generation(mapName string) uint64 {
	r.mu.RLock()
	m, ok := r.maps[mapName]
	r.mu.RUnlock()
	if ok {
		return m.gen
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.maps[mapName]; ok {
		return m.gen
	}
	r.lastGen++
	r.maps[mapName] = &mapEntry{gen: r.lastGen, stores: map[int]*RecordStore{}}
	return r.lastGen
}

// CurrentGeneration returns the live generation of mapName without creating
// the map.
func (r *Registry) CurrentGeneration(mapName string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maps[mapName]
	if !ok {
		return 0, false
	}
	return m.gen, true
}

// Exists reports whether generation gen of mapName is still alive.
func (r *Registry) Exists(mapName string, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maps[mapName]
	return ok && m.gen == gen
}

// Lookup returns the record store of generation gen of mapName on
// partitionID, creating it on first use. It returns false once that
// generation was destroyed.
func (r *Registry) Lookup(mapName string, gen uint64, partitionID int) (*RecordStore, bool) {
	r.mu.RLock()
	m, ok := r.maps[mapName]
	if !ok || m.gen != gen {
		r.mu.RUnlock()
		return nil, false
	}
	rs, ok := m.stores[partitionID]
	r.mu.RUnlock()
	if ok {
		return rs, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok = r.maps[mapName]
	if !ok || m.gen != gen {
		return nil, false
	}
	if rs, ok := m.stores[partitionID]; ok {
		return rs, true
	}
	rs = newRecordStore(mapName, partitionID, r.budget)
	m.stores[partitionID] = rs
	return rs, true
}

// Store returns the current record store of mapName on partitionID.
func (r *Registry) Store(mapName string, partitionID int) *RecordStore {
	for {
		if rs, ok := r.Lookup(mapName, r.Generation(mapName), partitionID); ok {
			return rs
		}
	}
}

// Stores returns every existing record store on partitionID, ordered by
// map name.
func (r *Registry) Stores(partitionID int) []*RecordStore {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*RecordStore
	for _, m := range r.maps {
		if rs, ok := m.stores[partitionID]; ok {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mapName < out[j].mapName })
	return out
}

// Destroy drops mapName and releases its memory. It returns false if the
// map did not exist.
func (r *Registry) Destroy(mapName string) bool {
	r.mu.Lock()
	m, ok := r.maps[mapName]
	if ok {
		delete(r.maps, mapName)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, rs := range m.stores {
		rs.mu.Lock()
		rs.destroyed = true
		rs.clear()
		rs.mu.Unlock()
	}
	return true
}

// Maps returns the names of existing maps, sorted.
func (r *Registry) Maps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.maps))
	for name := range r.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
