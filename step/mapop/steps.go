package mapop

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/store"
)

// Step names of the canonical map operation chain.
const (
	StepRead        = "read"
	StepLoad        = "load"
	StepProcess     = "process"
	StepStore       = "store"
	StepOnStore     = "on-store"
	StepRespond     = "respond"
	StepHandleError = "handle-error"
)

// Data is the scratch data map operation steps read and write.
type Data struct {
	Kind  Kind
	Key   string
	Value []byte

	// OldValue and Found describe the key before the operation, from
	// memory or the MapStore.
	OldValue []byte
	Found    bool

	// Loaded is set when OldValue came from the MapStore.
	Loaded bool

	// Changed is set when process mutated the record store.
	Changed bool

	// Persisted is set once the mutation reached the MapStore.
	Persisted bool

	Result Result
}

var readStep = &step.Def[Data]{
	ID: StepRead,
	RunFunc: func(_ context.Context, st *step.State[Data]) error {
		rs := recordsOf(st)
		op := opOf(st)

		st.Data.OldValue, st.Data.Found = rs.Get(st.Data.Key)
		if !needsLoad(st) {
			return nil
		}
		release, err := rs.Reserve(op.loadReservation())
		if err != nil {
			return err
		}
		op.addDeferred(release)
		return nil
	},
	NextFunc: func(st *step.State[Data]) step.Step[Data] {
		if needsLoad(st) {
			return loadStep
		}
		return processStep
	},
}

var loadStep = &step.Def[Data]{
	ID: StepLoad,
	RunFunc: func(ctx context.Context, st *step.State[Data]) error {
		op := opOf(st)
		value, err := op.env.MapStore.Load(ctx, op.env.MapName, st.Data.Key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s/%s: %w", op.env.MapName, st.Data.Key, err)
		}
		st.Data.OldValue = value
		st.Data.Found = true
		st.Data.Loaded = true
		return nil
	},
	NextFunc:     func(*step.State[Data]) step.Step[Data] { return processStep },
	OffloadFunc:  step.Always[Data],
	ExecutorName: LoadExecutor,
}

// processStep applies the operation to the record store. It is the step
// that may exhaust memory; re-running it after an eviction is safe because
// a failed Put leaves the store unchanged.
var processStep = &step.Def[Data]{
	ID: StepProcess,
	RunFunc: func(_ context.Context, st *step.State[Data]) error {
		rs := recordsOf(st)
		d := &st.Data

		// The stored value replaces the load reservation.
		opOf(st).DisposeDeferred()

		switch d.Kind {
		case Get:
			d.Result = Result{Value: d.OldValue, Found: d.Found}
			if d.Loaded {
				if _, _, err := rs.Put(d.Key, d.OldValue); err != nil {
					return err
				}
			}

		case Put, Set:
			if _, _, err := rs.Put(d.Key, d.Value); err != nil {
				return err
			}
			d.Changed = true
			d.Result = Result{Found: d.Found, Applied: true}
			if d.Kind == Put {
				d.Result.Value = d.OldValue
			}

		case PutIfAbsent:
			if d.Found {
				if d.Loaded {
					if _, _, err := rs.Put(d.Key, d.OldValue); err != nil {
						return err
					}
				}
				d.Result = Result{Value: d.OldValue, Found: true}
				return nil
			}
			if _, _, err := rs.Put(d.Key, d.Value); err != nil {
				return err
			}
			d.Changed = true
			d.Result = Result{Applied: true}

		case Remove, Delete:
			old, existed := rs.Remove(d.Key)
			if existed {
				d.OldValue, d.Found = old, true
			}
			// Deleting without an old value must still reach the MapStore.
			d.Changed = d.Found || d.Kind == Delete
			d.Result = Result{Found: d.Found, Applied: d.Found}
			if d.Kind == Remove {
				d.Result.Value = d.OldValue
			}

		default:
			return fmt.Errorf("unknown map operation kind %d", d.Kind)
		}
		return nil
	},
	NextFunc: func(st *step.State[Data]) step.Step[Data] {
		env := opOf(st).env
		if st.Data.Changed && env.WriteThrough && env.MapStore != nil {
			return storeStep
		}
		return respondStep
	},
}

var storeStep = &step.Def[Data]{
	ID: StepStore,
	RunFunc: func(ctx context.Context, st *step.State[Data]) error {
		op := opOf(st)
		d := &st.Data

		var err error
		if d.Kind == Remove || d.Kind == Delete {
			err = op.env.MapStore.Delete(ctx, op.env.MapName, d.Key)
		} else {
			err = op.env.MapStore.Store(ctx, op.env.MapName, d.Key, d.Value)
		}
		if err != nil {
			return fmt.Errorf("store %s/%s: %w", op.env.MapName, d.Key, err)
		}
		return nil
	},
	NextFunc:     func(*step.State[Data]) step.Step[Data] { return onStoreStep },
	OffloadFunc:  step.Always[Data],
	ExecutorName: StoreExecutor,
}

var onStoreStep = &step.Def[Data]{
	ID: StepOnStore,
	RunFunc: func(_ context.Context, st *step.State[Data]) error {
		st.Data.Persisted = true
		return nil
	},
	NextFunc: func(*step.State[Data]) step.Step[Data] { return respondStep },
}

var respondStep = &step.Def[Data]{
	ID: StepRespond,
	RunFunc: func(_ context.Context, st *step.State[Data]) error {
		opOf(st).future.complete(st.Data.Result, nil)
		return nil
	},
}

var handleErrorStep = &step.Def[Data]{
	ID: StepHandleError,
	RunFunc: func(_ context.Context, st *step.State[Data]) error {
		op := opOf(st)
		op.DisposeDeferred()
		op.future.complete(Result{}, st.Err)
		return nil
	},
}

func opOf(st *step.State[Data]) *Op {
	return st.Op.(*Op)
}

// recordsOf returns the state's record store. Steps other than the error
// step only run while the map exists, so the handle is always bound.
func recordsOf(st *step.State[Data]) *store.RecordStore {
	return st.Store.(*records).RecordStore
}

func needsLoad(st *step.State[Data]) bool {
	return !st.Data.Found && st.Data.Kind.needsOldValue() && opOf(st).env.MapStore != nil
}
