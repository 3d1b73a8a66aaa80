package step

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/stepgrid/step/emit"
)

// Driver runs one operation step by step. It is created when the operation
// decides to execute itself step-wise and is discarded once its chain
// reaches the terminal marker.
//
// The driver is a trampoline: Next hands out the unit for the current step,
// the scheduler runs it in the context it is tagged for, and running it
// advances the driver to the following step. Exactly one unit is in flight
// per driver; distinct drivers are independent.
//
// Failures never escape as panics. They are captured on the execution state
// and routed to the operation's error step, which runs exactly once per
// failed operation.
type Driver[S any] struct {
	mu sync.Mutex

	op    Operation[S]
	cfg   driverConfig
	chain *Chain[S]
	state *State[S]

	// errorStep is the designated terminal error step.
	errorStep Step[S]

	// current is the step the next unit wraps; nil once terminal.
	current Step[S]

	// onError is set while current is the error step reached by failure
	// routing, so steps that merely share its name are never terminal.
	onError bool

	// cached is the unit handed out for current, built lazily by Next.
	cached *unit[S]

	// firstStep stays true until the first unit runs on a partition thread.
	firstStep bool

	// errorRan is set once the error step executed.
	errorRan bool

	seq int
}

// NewDriver creates a driver for op. Custom steps are spliced into the
// operation's canonical sequence when op's record store implements
// StepContributor.
//
// Returns an error if op is nil, has no starting step, has no error step or
// an option fails.
func NewDriver[S any](op Operation[S], opts ...Option) (*Driver[S], error) {
	if op == nil {
		return nil, &EngineError{Message: "operation is required", Code: "MISSING_OPERATION"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	start := op.StartingStep()
	if start == nil {
		return nil, &EngineError{Message: "operation " + op.Name() + " has no starting step", Code: "NO_START_STEP"}
	}
	errStep := op.ErrorStep()
	if errStep == nil {
		return nil, &EngineError{Message: "operation " + op.Name() + " has no error step", Code: "NO_ERROR_STEP"}
	}
	if cfg.opID == "" {
		cfg.opID = OpIDOf(op)
	}

	st := newState(op)
	contributor, _ := st.Store.(StepContributor[S])
	chain := Build(start, contributor)

	return &Driver[S]{
		op:        op,
		cfg:       cfg,
		chain:     chain,
		state:     st,
		errorStep: errStep,
		current:   chain.Head(),
		firstStep: true,
	}, nil
}

// Next returns the unit of work for the current step, or nil when the
// operation has no step left. Calling Next again before the unit ran
// returns the same unit.
func (d *Driver[S]) Next() Unit {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return nil
	}
	if d.cached == nil {
		d.seq++
		u := &unit[S]{d: d, step: d.current, kind: Affine, seq: d.seq, isError: d.onError}
		if d.current.IsOffload(d.state) {
			u.kind = Offload
			u.executor = d.current.Executor(d.state)
		}
		d.cached = u
	}
	return d.cached
}

// HandleError aborts the operation from outside the normal step path, for
// instance when a scheduler could not run a unit or a unit returned an
// error. The failure is recorded, the cached unit is discarded and the next
// unit becomes the error step. It is a no-op once the chain is terminal or
// the error step already ran.
func (d *Driver[S]) HandleError(err error) {
	if err == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil || d.errorRan {
		return
	}
	d.recordFailure(err)
	d.current = d.errorStep
	d.onError = true
	d.cached = nil

	reason := failureReason(err)
	if reason == "step" {
		reason = "aborted"
	}
	d.cfg.metrics.IncrementFailures(d.op.Name(), reason)
	d.emit(0, "", "op_aborted", map[string]interface{}{"error": err.Error()})
}

// Done reports whether the operation reached its terminal marker.
func (d *Driver[S]) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current == nil
}

// State returns the driver's execution state. Callers must not mutate it
// while a unit is in flight.
func (d *Driver[S]) State() *State[S] { return d.state }

// OpID returns the identifier used in emitted events.
func (d *Driver[S]) OpID() string { return d.cfg.opID }

// Chain returns the linked step chain the driver walks.
func (d *Driver[S]) Chain() *Chain[S] { return d.chain }

func (d *Driver[S]) execute(ctx context.Context, u *unit[S]) error {
	d.mu.Lock()
	stale := d.cached != u
	d.mu.Unlock()
	if stale {
		// Discarded by HandleError; the scheduler pulls the error step next.
		return nil
	}

	if d.cfg.affinity != nil {
		if err := d.cfg.affinity(ctx, d.state.PartitionID, u.kind == Affine); err != nil {
			return err
		}
	}

	d.cfg.metrics.AddInflight(1)
	defer d.cfg.metrics.AddInflight(-1)
	d.cfg.metrics.IncUnits(u.kind)

	st := d.state
	onPartition := OnPartitionThread(ctx)
	isErrorStep := u.isError

	if !st.refresh() && !isErrorStep {
		d.cfg.metrics.IncrementFailures(d.op.Name(), "destroyed")
		d.emit(u.seq, u.step.Name(), "object_destroyed", nil)
		d.advance(u)
		return nil
	}

	if onPartition && st.Err == nil && d.firstStep {
		d.firstStep = false
		if err := d.checkPreconditions(ctx); err != nil {
			d.cfg.metrics.IncrementFailures(d.op.Name(), "preconditions")
			d.emit(u.seq, u.step.Name(), "preconditions_failed", map[string]interface{}{"error": err.Error()})
			d.terminate(u)
			if obs, ok := d.op.(PreconditionObserver); ok {
				obs.PreconditionsFailed(err)
			}
			return nil
		}
	}

	err := d.runStep(ctx, u)
	if err != nil && errors.Is(err, ErrResourceExhausted) {
		if !onPartition && !isErrorStep {
			// Off the partition thread the condition propagates unmodified.
			// The error step never propagates: it must not be re-entered.
			return err
		}
		if onPartition && d.cfg.evictor != nil {
			d.emit(u.seq, u.step.Name(), "eviction_retry", map[string]interface{}{"error": err.Error()})
			err = d.cfg.evictor.RetryWithEviction(ctx, d.op, func(ctx context.Context) error {
				return d.runStep(ctx, u)
			})
			d.cfg.metrics.IncrementEvictions(d.op.Name(), evictionOutcome(err))
		}
	}

	if err != nil {
		if !onPartition {
			d.op.DisposeDeferred()
		}
		d.recordFailure(err)
		d.cfg.metrics.IncrementFailures(d.op.Name(), failureReason(err))
	}

	d.advance(u)
	return nil
}

// runStep runs the step once, bracketed by the record store's accounting
// hooks. Panics are converted to a *StepError.
func (d *Driver[S]) runStep(ctx context.Context, u *unit[S]) (err error) {
	st := d.state
	name := u.step.Name()

	if st.Store != nil {
		token := st.Store.BeforeOperation()
		defer st.Store.AfterOperation(token)
	}

	d.emit(u.seq, name, "step_start", map[string]interface{}{
		"kind":     u.kind.String(),
		"executor": u.executor,
	})

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			se := &StepError{
				Message: fmt.Sprintf("panic: %v", r),
				Code:    "STEP_PANIC",
				Step:    name,
			}
			if cause, ok := r.(error); ok {
				se.Cause = cause
			}
			err = se
		}

		elapsed := time.Since(start)
		if err != nil {
			d.cfg.metrics.RecordStepLatency(d.op.Name(), name, elapsed, "error")
			d.emit(u.seq, name, "step_error", map[string]interface{}{
				"error":       err.Error(),
				"duration_ms": elapsed.Milliseconds(),
			})
			return
		}
		d.cfg.metrics.RecordStepLatency(d.op.Name(), name, elapsed, "success")
		d.emit(u.seq, name, "step_end", map[string]interface{}{"duration_ms": elapsed.Milliseconds()})
	}()

	return u.step.Run(ctx, st)
}

func (d *Driver[S]) checkPreconditions(ctx context.Context) error {
	if d.cfg.gate == nil {
		return nil
	}
	if err := d.cfg.gate.EnsureHealthy(ctx, d.op); err != nil {
		return fmt.Errorf("%w: %w", ErrPreconditionsNotMet, err)
	}
	if d.cfg.gate.IsTimedOut(d.op) {
		return fmt.Errorf("%w: %w", ErrPreconditionsNotMet, ErrOperationTimeout)
	}
	return nil
}

// advance computes the step after u. A captured failure diverts to the
// error step unless u was the error step; after the error step the chain
// is terminal.
func (d *Driver[S]) advance(u *unit[S]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != u {
		return
	}

	var next Step[S]
	onError := false
	switch {
	case u.isError:
		d.errorRan = true
	case d.state.Err != nil:
		next = d.errorStep
		onError = true
	default:
		next = u.step.Next(d.state)
	}

	d.current = next
	d.onError = onError
	d.cached = nil
	if next == nil {
		d.emit(0, "", "op_terminal", map[string]interface{}{"failed": d.state.Err != nil})
	}
}

func (d *Driver[S]) terminate(u *unit[S]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != u {
		return
	}
	d.current = nil
	d.cached = nil
}

// recordFailure keeps the first failure and joins later ones to it.
func (d *Driver[S]) recordFailure(err error) {
	if d.state.Err == nil {
		d.state.Err = err
		return
	}
	d.state.Err = errors.Join(d.state.Err, err)
}

func (d *Driver[S]) emit(seq int, stepName, msg string, meta map[string]interface{}) {
	if d.cfg.emitter == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta["partition_id"] = d.state.PartitionID
	d.cfg.emitter.Emit(emit.Event{
		OpID: d.cfg.opID,
		Seq:  seq,
		Step: stepName,
		Msg:  msg,
		Meta: meta,
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrObjectDestroyed):
		return "destroyed"
	case errors.Is(err, ErrResourceExhausted):
		return "resource"
	case errors.Is(err, ErrAffinityViolation):
		return "affinity"
	default:
		return "step"
	}
}

func evictionOutcome(err error) string {
	switch {
	case err == nil:
		return "recovered"
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	default:
		return "failed"
	}
}
