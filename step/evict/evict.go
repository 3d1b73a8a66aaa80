// Package evict implements forced eviction: when a step on a partition
// thread runs out of memory, entries are evicted with escalating strategies
// and the step is retried after each eviction.
package evict

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/emit"
	"github.com/dshills/stepgrid/step/store"
)

const (
	// DefaultRetriesPerStrategy is how many evict-and-retry rounds each
	// strategy gets before the next one is tried.
	DefaultRetriesPerStrategy = 5

	// DefaultPercentage is the share of entries evicted by the percentage
	// strategies.
	DefaultPercentage = 20
)

// Strategy is one forced-eviction strategy. Strategies are tried in
// declaration order, from least to most destructive.
type Strategy int

const (
	// PercentOfCurrent evicts a percentage of the operation's record store.
	PercentOfCurrent Strategy = iota

	// PercentOfPartition evicts a percentage of every record store on the
	// operation's partition.
	PercentOfPartition

	// AllOfCurrent evicts the operation's whole record store.
	AllOfCurrent

	// AllOfPartition evicts every record store on the partition.
	AllOfPartition
)

// Strategies lists every strategy in priority order.
var Strategies = []Strategy{PercentOfCurrent, PercentOfPartition, AllOfCurrent, AllOfPartition}

func (s Strategy) String() string {
	switch s {
	case PercentOfCurrent:
		return "percent_of_current"
	case PercentOfPartition:
		return "percent_of_partition"
	case AllOfCurrent:
		return "all_of_current"
	case AllOfPartition:
		return "all_of_partition"
	default:
		return "unknown"
	}
}

// Evictable is a record store that can give up entries.
type Evictable interface {
	EvictPercent(pct int) int
	EvictAll() int
}

// Source finds the record stores a retry may evict from.
type Source interface {
	// Current returns the record store the operation targets, or nil.
	Current(op step.OpInfo) Evictable

	// Partition returns every record store on partitionID.
	Partition(partitionID int) []Evictable
}

// Target is implemented by operations bound to a single map.
type Target interface {
	MapName() string
}

// Generational is implemented by operations bound to one generation of a
// map, so a retry never evicts from a recreated map.
type Generational interface {
	Generation() uint64
}

type registrySource struct {
	reg *store.Registry
}

// FromRegistry adapts a store.Registry into a Source. The current store is
// resolved through the operation's Target and Generational methods.
func FromRegistry(reg *store.Registry) Source {
	return registrySource{reg: reg}
}

func (s registrySource) Current(op step.OpInfo) Evictable {
	t, ok := op.(Target)
	if !ok {
		return nil
	}
	var gen uint64
	if g, ok := op.(Generational); ok {
		gen = g.Generation()
	} else if gen, ok = s.reg.CurrentGeneration(t.MapName()); !ok {
		// Destroyed or never created; eviction must not bring it back.
		return nil
	}
	rs, ok := s.reg.Lookup(t.MapName(), gen, op.PartitionID())
	if !ok {
		return nil
	}
	return rs
}

func (s registrySource) Partition(partitionID int) []Evictable {
	stores := s.reg.Stores(partitionID)
	out := make([]Evictable, len(stores))
	for i, rs := range stores {
		out[i] = rs
	}
	return out
}

// Retrier is the standard step.Evictor.
type Retrier struct {
	source     Source
	retries    int
	percentage int
	emitter    emit.Emitter
	affinity   step.AffinityCheck
}

var _ step.Evictor = (*Retrier)(nil)

// Option configures a Retrier.
type Option func(*Retrier) error

// WithRetriesPerStrategy sets how many rounds each strategy gets.
func WithRetriesPerStrategy(n int) Option {
	return func(r *Retrier) error {
		if n < 1 {
			return &step.EngineError{Message: fmt.Sprintf("retries per strategy must be >= 1, got %d", n), Code: "INVALID_OPTION"}
		}
		r.retries = n
		return nil
	}
}

// WithPercentage sets the share of entries the percentage strategies evict.
func WithPercentage(pct int) Option {
	return func(r *Retrier) error {
		if pct < 1 || pct > 100 {
			return &step.EngineError{Message: fmt.Sprintf("eviction percentage must be in [1,100], got %d", pct), Code: "INVALID_OPTION"}
		}
		r.percentage = pct
		return nil
	}
}

// WithEmitter sets the receiver of eviction events.
func WithEmitter(e emit.Emitter) Option {
	return func(r *Retrier) error {
		r.emitter = e
		return nil
	}
}

// WithAffinityCheck replaces the partition-thread assertion. Nil disables it.
func WithAffinityCheck(check step.AffinityCheck) Option {
	return func(r *Retrier) error {
		r.affinity = check
		return nil
	}
}

// New creates a Retrier evicting from source.
func New(source Source, opts ...Option) (*Retrier, error) {
	if source == nil {
		return nil, &step.EngineError{Message: "eviction source is required", Code: "MISSING_SOURCE"}
	}
	r := &Retrier{
		source:     source,
		retries:    DefaultRetriesPerStrategy,
		percentage: DefaultPercentage,
		affinity:   step.CheckAffinity,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RetryWithEviction implements step.Evictor. It must run on the thread
// owning op's partition. Each strategy evicts and retries run up to the
// configured number of times; the first success or non-resource failure
// ends the loop. When every strategy is exhausted the last resource error
// is returned.
func (r *Retrier) RetryWithEviction(ctx context.Context, op step.OpInfo, run func(ctx context.Context) error) error {
	if r.affinity != nil {
		if err := r.affinity(ctx, op.PartitionID(), true); err != nil {
			return err
		}
	}

	last := error(step.ErrResourceExhausted)
	for _, strategy := range Strategies {
		for attempt := 1; attempt <= r.retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			evicted := r.apply(strategy, op)
			r.emit(op, "eviction", map[string]interface{}{
				"strategy": strategy.String(),
				"attempt":  attempt,
				"evicted":  evicted,
			})

			err := run(ctx)
			if err == nil {
				return nil
			}
			if !errors.Is(err, step.ErrResourceExhausted) {
				return err
			}
			last = err
		}
	}

	r.emit(op, "eviction_exhausted", map[string]interface{}{"error": last.Error()})
	return last
}

func (r *Retrier) apply(strategy Strategy, op step.OpInfo) int {
	evicted := 0
	switch strategy {
	case PercentOfCurrent:
		if cur := r.source.Current(op); cur != nil {
			evicted = cur.EvictPercent(r.percentage)
		}
	case PercentOfPartition:
		for _, s := range r.source.Partition(op.PartitionID()) {
			evicted += s.EvictPercent(r.percentage)
		}
	case AllOfCurrent:
		if cur := r.source.Current(op); cur != nil {
			evicted = cur.EvictAll()
		}
	case AllOfPartition:
		for _, s := range r.source.Partition(op.PartitionID()) {
			evicted += s.EvictAll()
		}
	}
	return evicted
}

func (r *Retrier) emit(op step.OpInfo, msg string, meta map[string]interface{}) {
	if r.emitter == nil {
		return
	}
	meta["partition_id"] = op.PartitionID()
	r.emitter.Emit(emit.Event{OpID: step.OpIDOf(op), Msg: msg, Meta: meta})
}
