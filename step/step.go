// Package step implements the partitioned operation step-execution engine.
//
// A mutating operation is run as an ordered sequence of resumable steps.
// Affine steps must run on the thread that owns the operation's partition.
// Offload steps must run on a named, separate executor so they may block
// (for example on an external map store) without stalling the partition.
//
// The Driver is pulled by an external scheduler one Unit at a time:
//
//	d, _ := step.NewDriver(op)
//	for u := d.Next(); u != nil; u = d.Next() {
//	    // route u to its partition thread or to u.Executor(), then:
//	    if err := u.Run(ctx); err != nil {
//	        d.HandleError(err)
//	    }
//	}
package step

import "context"

// Step is an immutable, stateless descriptor of one unit of work.
//
// Steps are shared across operations; everything an operation needs between
// steps lives on its *State. Next must be a deterministic function of the
// state so the driver can recompute the pipeline after error recovery.
// A nil Step terminates the chain.
type Step[S any] interface {
	// Name identifies the step for splicing, logging and diagnostics.
	// Names must be unique within a chain.
	Name() string

	// Run performs the work. Affine steps must not block.
	Run(ctx context.Context, st *State[S]) error

	// Next returns the successor step, or nil when the chain is complete.
	Next(st *State[S]) Step[S]

	// IsOffload reports whether the step must run on a named executor
	// instead of the partition thread.
	IsOffload(st *State[S]) bool

	// Executor names the offload executor. Only consulted when IsOffload
	// returns true.
	Executor(st *State[S]) string
}

// Def is a function adapter that implements Step, in the spirit of
// http.HandlerFunc. Nil function fields default to: no work, terminal next,
// affine execution.
//
// Example:
//
//	var read = &step.Def[Data]{
//	    ID: "read",
//	    RunFunc: func(ctx context.Context, st *step.State[Data]) error { ... },
//	    NextFunc: func(st *step.State[Data]) step.Step[Data] { return process },
//	}
type Def[S any] struct {
	ID           string
	RunFunc      func(ctx context.Context, st *State[S]) error
	NextFunc     func(st *State[S]) Step[S]
	OffloadFunc  func(st *State[S]) bool
	ExecutorName string
}

// Name implements Step.
func (d *Def[S]) Name() string { return d.ID }

// Run implements Step.
func (d *Def[S]) Run(ctx context.Context, st *State[S]) error {
	if d.RunFunc == nil {
		return nil
	}
	return d.RunFunc(ctx, st)
}

// Next implements Step.
func (d *Def[S]) Next(st *State[S]) Step[S] {
	if d.NextFunc == nil {
		return nil
	}
	return d.NextFunc(st)
}

// IsOffload implements Step.
func (d *Def[S]) IsOffload(st *State[S]) bool {
	if d.OffloadFunc == nil {
		return false
	}
	return d.OffloadFunc(st)
}

// Executor implements Step.
func (d *Def[S]) Executor(st *State[S]) string { return d.ExecutorName }

// Always is an OffloadFunc that always offloads.
func Always[S any](*State[S]) bool { return true }

// Splice asks for Steps to be linked, in order, before the step named Before.
type Splice[S any] struct {
	Before string
	Steps  []Step[S]
}

// StepContributor is implemented by record stores (or storage backends) that
// contribute custom steps to operations running against them.
type StepContributor[S any] interface {
	CustomSteps() []Splice[S]
}
