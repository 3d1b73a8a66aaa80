package step

import (
	"fmt"
	"time"
)

// RecordStore is the part of a partition's record store the engine needs:
// accounting hooks that bracket every unit's execution.
type RecordStore interface {
	// BeforeOperation is called before a step runs and returns a token that
	// is handed back to AfterOperation.
	BeforeOperation() int64

	// AfterOperation is called once the step has returned, even on failure.
	AfterOperation(token int64)
}

// OpInfo is the non-generic view of an operation shared with collaborators
// such as gates, evictors and schedulers.
type OpInfo interface {
	// Name is a short diagnostic name, e.g. "map.put".
	Name() string

	// PartitionID is the partition whose thread owns the operation's state.
	PartitionID() int
}

// Identified is implemented by operations carrying a unique identifier.
type Identified interface {
	ID() string
}

// OpIDOf returns the identifier op's events are tagged with: its ID when it
// is Identified, otherwise "name/partition".
func OpIDOf(op OpInfo) string {
	if id, ok := op.(Identified); ok && id.ID() != "" {
		return id.ID()
	}
	return fmt.Sprintf("%s/%d", op.Name(), op.PartitionID())
}

// Operation is an operation that executes itself step-wise.
type Operation[S any] interface {
	OpInfo

	// CallerID identifies the invoking caller.
	CallerID() string

	// InitialData returns the scratch data a new execution state starts with.
	InitialData() S

	// StartingStep is the head of the operation's canonical step sequence.
	StartingStep() Step[S]

	// ErrorStep is the designated terminal step that finalizes a failed
	// operation. Its Next must return nil.
	ErrorStep() Step[S]

	// RecordStore returns the current record store handle. It may return a
	// different handle across calls if the object was recreated, and nil if
	// the object does not exist.
	RecordStore() RecordStore

	// CheckExists reports whether the target distributed object still exists.
	CheckExists() bool

	// DisposeDeferred releases resources the operation reserved for a
	// completion that will no longer happen.
	DisposeDeferred()
}

// Deadliner is implemented by operations that carry an invocation deadline.
type Deadliner interface {
	Deadline() time.Time
}

// PreconditionObserver is implemented by operations that want to know why
// the health/timeout gate rejected them. The engine produces no result for
// such operations; the observer may complete its own.
type PreconditionObserver interface {
	PreconditionsFailed(err error)
}

// State is the mutable execution context of one in-flight operation. It is
// exclusively owned by the Driver that created it and never shared.
type State[S any] struct {
	// PartitionID is the target partition.
	PartitionID int

	// CallerID identifies the invoking caller.
	CallerID string

	// Op is the owning operation.
	Op Operation[S]

	// Store is the record store handle, rebound at every step boundary.
	Store RecordStore

	// Err is the captured failure, if any.
	Err error

	// Data holds the scratch fields steps read and write.
	Data S

	destroyed bool
}

func newState[S any](op Operation[S]) *State[S] {
	st := &State[S]{
		PartitionID: op.PartitionID(),
		CallerID:    op.CallerID(),
		Op:          op,
		Data:        op.InitialData(),
	}
	return st.Init(op.RecordStore())
}

// Init rebinds the state to a (possibly new) record store handle. Data and
// any captured failure are kept.
func (s *State[S]) Init(store RecordStore) *State[S] {
	s.Store = store
	return s
}

// refresh revalidates that the target object still exists and rebinds the
// record store. On a destroyed object it drops the store handle, records
// ErrObjectDestroyed (unless a failure is already captured) and returns false.
func (s *State[S]) refresh() bool {
	if !s.Op.CheckExists() {
		s.destroyed = true
		s.Store = nil
		if s.Err == nil {
			s.Err = ErrObjectDestroyed
		}
		return false
	}
	s.Init(s.Op.RecordStore())
	return true
}

// Failed reports whether a failure has been captured.
func (s *State[S]) Failed() bool { return s.Err != nil }

// Destroyed reports whether the target object was found destroyed at a step
// boundary.
func (s *State[S]) Destroyed() bool { return s.destroyed }
