package store

import (
	"sort"
	"sync"
	"time"

	"github.com/dshills/stepgrid/step"
)

// entryOverhead approximates the per-entry bookkeeping cost charged to the
// budget on top of key and value bytes.
const entryOverhead = 48

// Stats is a snapshot of a record store's counters.
type Stats struct {
	Entries    int
	Bytes      int64
	Reserved   int64
	Hits       int64
	Misses     int64
	Puts       int64
	Removes    int64
	Evictions  int64
	Operations int64
	OpTime     time.Duration
}

type entry struct {
	value  []byte
	access int64
}

func (e *entry) cost(key string) int64 {
	return int64(len(key)+len(e.value)) + entryOverhead
}

// RecordStore holds one map's entries for one partition. Entries are only
// mutated by steps running on the owning partition thread; the mutex guards
// against Destroy, Stats and reservation releases from other goroutines.
type RecordStore struct {
	mapName     string
	partitionID int
	budget      *Budget

	mu       sync.Mutex
	entries  map[string]*entry
	clock    int64
	bytes    int64
	reserved int64
	stats    Stats
	inOp     map[int64]time.Time
	nextOp   int64

	// destroyed is set when the owning map generation is dropped.
	destroyed bool
}

var _ step.RecordStore = (*RecordStore)(nil)

func newRecordStore(mapName string, partitionID int, budget *Budget) *RecordStore {
	return &RecordStore{
		mapName:     mapName,
		partitionID: partitionID,
		budget:      budget,
		entries:     map[string]*entry{},
		inOp:        map[int64]time.Time{},
	}
}

// MapName returns the map the store belongs to.
func (r *RecordStore) MapName() string { return r.mapName }

// PartitionID returns the partition the store belongs to.
func (r *RecordStore) PartitionID() int { return r.partitionID }

// BeforeOperation implements step.RecordStore.
func (r *RecordStore) BeforeOperation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOp++
	r.inOp[r.nextOp] = time.Now()
	r.stats.Operations++
	return r.nextOp
}

// AfterOperation implements step.RecordStore.
func (r *RecordStore) AfterOperation(token int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if start, ok := r.inOp[token]; ok {
		r.stats.OpTime += time.Since(start)
		delete(r.inOp, token)
	}
}

// Get returns the value of key.
func (r *RecordStore) Get(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		r.stats.Misses++
		return nil, false
	}
	r.stats.Hits++
	r.clock++
	e.access = r.clock
	return e.value, true
}

// Contains reports whether key is present without touching its access time.
func (r *RecordStore) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Put sets key to value and returns the previous value. Growing the store
// beyond the memory budget fails with an error wrapping
// step.ErrResourceExhausted and leaves the store unchanged. Writes to a
// destroyed store fail with step.ErrObjectDestroyed.
func (r *RecordStore) Put(key string, value []byte) (old []byte, existed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil, false, step.ErrObjectDestroyed
	}
	next := &entry{value: append([]byte(nil), value...)}
	delta := next.cost(key)
	prev, existed := r.entries[key]
	if existed {
		delta -= prev.cost(key)
		old = prev.value
	}
	if delta > 0 {
		if err := r.budget.Reserve(delta); err != nil {
			return nil, false, err
		}
	} else {
		r.budget.Release(-delta)
	}

	r.clock++
	next.access = r.clock
	r.entries[key] = next
	r.bytes += delta
	r.stats.Puts++
	return old, existed, nil
}

// Remove deletes key and returns its value.
func (r *RecordStore) Remove(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	r.drop(key, e)
	r.stats.Removes++
	return e.value, true
}

// Len returns the number of entries.
func (r *RecordStore) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reserve claims n budget bytes for a value that is not stored yet, such as
// the result of an in-flight load. The returned release func is idempotent
// and safe to call from any goroutine.
func (r *RecordStore) Reserve(n int64) (release func(), err error) {
	if err := r.budget.Reserve(n); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.reserved += n
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.reserved -= n
			r.mu.Unlock()
			r.budget.Release(n)
		})
	}, nil
}

// EvictPercent evicts the least recently used pct percent of entries, at
// least one when the store is not empty. It returns the number evicted.
func (r *RecordStore) EvictPercent(pct int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 || pct <= 0 {
		return 0
	}
	if pct > 100 {
		pct = 100
	}
	n := (len(r.entries)*pct + 99) / 100

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.entries[keys[i]].access < r.entries[keys[j]].access
	})
	for _, k := range keys[:n] {
		r.drop(k, r.entries[k])
	}
	r.stats.Evictions += int64(n)
	return n
}

// EvictAll evicts every entry and returns the number evicted.
func (r *RecordStore) EvictAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.clear()
	r.stats.Evictions += int64(n)
	return n
}

// Stats returns a snapshot of the store's counters.
func (r *RecordStore) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Entries = len(r.entries)
	s.Bytes = r.bytes
	s.Reserved = r.reserved
	return s
}

func (r *RecordStore) drop(key string, e *entry) {
	cost := e.cost(key)
	delete(r.entries, key)
	r.bytes -= cost
	r.budget.Release(cost)
}

// clear drops all entries and returns how many there were. Outstanding
// reservations stay claimed until released.
func (r *RecordStore) clear() int {
	n := len(r.entries)
	r.budget.Release(r.bytes)
	r.entries = map[string]*entry{}
	r.bytes = 0
	return n
}
