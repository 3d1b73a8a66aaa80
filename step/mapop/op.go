// Package mapop implements distributed-map operations that execute
// themselves step-wise: partition-local reads and mutations run on the
// owning partition thread, while MapStore loads and write-through stores
// are offloaded to the "map-load" and "map-store" executors.
package mapop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/store"
)

// Offload executor names used by the load and store steps.
const (
	LoadExecutor  = "map-load"
	StoreExecutor = "map-store"
)

// defaultLoadReservation is the budget claimed for a value being loaded
// from the MapStore before its size is known.
const defaultLoadReservation = 1024

// Kind is the type of a map operation.
type Kind int

const (
	// Put sets a value and returns the previous one.
	Put Kind = iota
	// Set sets a value without returning the previous one.
	Set
	// PutIfAbsent sets a value only if the key has none.
	PutIfAbsent
	// Remove deletes a key and returns its value.
	Remove
	// Delete deletes a key without returning its value.
	Delete
	// Get returns a key's value.
	Get
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "put"
	case Set:
		return "set"
	case PutIfAbsent:
		return "put_if_absent"
	case Remove:
		return "remove"
	case Delete:
		return "delete"
	case Get:
		return "get"
	default:
		return "unknown"
	}
}

// needsOldValue reports whether the operation's result depends on the
// current value, so a miss must be resolved through the MapStore.
func (k Kind) needsOldValue() bool {
	return k != Set && k != Delete
}

// Env is what operations on one map share.
type Env struct {
	// MapName is the distributed map operated on.
	MapName string

	// Registry owns the map's record stores.
	Registry *store.Registry

	// MapStore backs the map. Nil disables loading and write-through.
	MapStore store.MapStore

	// WriteThrough persists every mutation to MapStore before responding.
	WriteThrough bool

	// CustomSteps are linked into every operation's chain.
	CustomSteps []step.Splice[Data]

	// LoadReservation overrides the budget claimed per in-flight load.
	LoadReservation int64
}

// Request describes one map operation.
type Request struct {
	Kind     Kind
	Key      string
	Value    []byte
	CallerID string
	Deadline time.Time
}

// Op is a map operation. It implements step.Operation[Data].
type Op struct {
	id       string
	env      *Env
	req      Request
	gen      uint64
	pid      int
	callerID string
	future   *Future

	mu       sync.Mutex
	deferred []func()
}

var (
	_ step.Operation[Data]      = (*Op)(nil)
	_ step.Deadliner            = (*Op)(nil)
	_ step.PreconditionObserver = (*Op)(nil)
)

// NewOp creates an operation on env's map. The operation is bound to the
// map's current generation; destroying the map aborts it at its next step
// boundary.
func NewOp(env *Env, req Request) *Op {
	callerID := req.CallerID
	if callerID == "" {
		callerID = uuid.NewString()
	}
	return &Op{
		id:       uuid.NewString(),
		env:      env,
		req:      req,
		gen:      env.Registry.Generation(env.MapName),
		pid:      store.PartitionFor(req.Key, env.Registry.Partitions()),
		callerID: callerID,
		future:   newFuture(),
	}
}

// ID returns the operation's unique identifier.
func (o *Op) ID() string { return o.id }

// Name implements step.OpInfo.
func (o *Op) Name() string { return "map." + o.req.Kind.String() }

// PartitionID implements step.OpInfo.
func (o *Op) PartitionID() int { return o.pid }

// MapName returns the map the operation targets.
func (o *Op) MapName() string { return o.env.MapName }

// Generation returns the map generation the operation is bound to.
func (o *Op) Generation() uint64 { return o.gen }

// CallerID implements step.Operation.
func (o *Op) CallerID() string { return o.callerID }

// InitialData implements step.Operation.
func (o *Op) InitialData() Data {
	return Data{Kind: o.req.Kind, Key: o.req.Key, Value: o.req.Value}
}

// StartingStep implements step.Operation.
func (o *Op) StartingStep() step.Step[Data] { return readStep }

// ErrorStep implements step.Operation.
func (o *Op) ErrorStep() step.Step[Data] { return handleErrorStep }

// RecordStore implements step.Operation. It returns nil once the map
// generation was destroyed.
func (o *Op) RecordStore() step.RecordStore {
	rs, ok := o.env.Registry.Lookup(o.env.MapName, o.gen, o.pid)
	if !ok {
		return nil
	}
	return &records{RecordStore: rs, customs: o.env.CustomSteps}
}

// CheckExists implements step.Operation.
func (o *Op) CheckExists() bool {
	return o.env.Registry.Exists(o.env.MapName, o.gen)
}

// Deadline implements step.Deadliner.
func (o *Op) Deadline() time.Time { return o.req.Deadline }

// DisposeDeferred implements step.Operation. It releases every memory
// reservation still held by the operation.
func (o *Op) DisposeDeferred() {
	o.mu.Lock()
	deferred := o.deferred
	o.deferred = nil
	o.mu.Unlock()

	for _, release := range deferred {
		release()
	}
}

// PreconditionsFailed implements step.PreconditionObserver.
func (o *Op) PreconditionsFailed(err error) {
	o.DisposeDeferred()
	o.future.complete(Result{}, err)
}

// Future returns the operation's result future.
func (o *Op) Future() *Future { return o.future }

func (o *Op) addDeferred(release func()) {
	o.mu.Lock()
	o.deferred = append(o.deferred, release)
	o.mu.Unlock()
}

func (o *Op) loadReservation() int64 {
	if o.env.LoadReservation > 0 {
		return o.env.LoadReservation
	}
	return defaultLoadReservation
}

// records is the record store handle operations see. It contributes the
// map's custom steps to the chain.
type records struct {
	*store.RecordStore
	customs []step.Splice[Data]
}

func (r *records) CustomSteps() []step.Splice[Data] { return r.customs }

// Result is the outcome of a map operation.
type Result struct {
	// Value is the previous value for Put and Remove, the existing value
	// for a PutIfAbsent that did not apply, and the value for Get.
	Value []byte

	// Found reports whether the key had a value.
	Found bool

	// Applied reports whether the operation changed the map.
	Applied bool
}

// Future is completed exactly once with an operation's result.
type Future struct {
	done chan struct{}
	once sync.Once
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(res Result, err error) {
	f.once.Do(func() {
		f.res = res
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to be done.
func (f *Future) Get(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
