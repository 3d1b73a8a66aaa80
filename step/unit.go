package step

import "context"

// UnitKind tells a scheduler where a unit of work must execute.
type UnitKind int

const (
	// Affine units run on the thread owning the operation's partition.
	Affine UnitKind = iota

	// Offload units run on the executor named by Unit.Executor.
	Offload
)

func (k UnitKind) String() string {
	switch k {
	case Affine:
		return "affine"
	case Offload:
		return "offload"
	default:
		return "unknown"
	}
}

// Unit is one schedulable unit of work: a single step of one operation,
// tagged with the execution context it requires.
//
// Run never panics and only returns an error the driver could not capture
// on the execution state: an affinity violation, or resource exhaustion
// raised off the partition thread. Schedulers report such errors back
// through the driver's HandleError.
type Unit interface {
	Run(ctx context.Context) error
	Kind() UnitKind
	Executor() string
	PartitionID() int
	StepName() string
	OpName() string

	// OpID is the identifier the operation's events are tagged with.
	OpID() string
}

type unit[S any] struct {
	d        *Driver[S]
	step     Step[S]
	kind     UnitKind
	executor string
	seq      int

	// isError marks the unit of the error step reached by failure routing.
	isError bool
}

var _ Unit = (*unit[int])(nil)

func (u *unit[S]) Run(ctx context.Context) error { return u.d.execute(ctx, u) }

func (u *unit[S]) Kind() UnitKind { return u.kind }

func (u *unit[S]) Executor() string { return u.executor }

func (u *unit[S]) PartitionID() int { return u.d.state.PartitionID }

func (u *unit[S]) StepName() string { return u.step.Name() }

func (u *unit[S]) OpName() string { return u.d.op.Name() }

func (u *unit[S]) OpID() string { return u.d.cfg.opID }
