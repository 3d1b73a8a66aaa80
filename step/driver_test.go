package step

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/stepgrid/step/emit"
)

func TestNewDriver_Validation(t *testing.T) {
	t.Run("nil operation", func(t *testing.T) {
		_, err := NewDriver[testData](nil)
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "MISSING_OPERATION" {
			t.Errorf("expected MISSING_OPERATION, got %v", err)
		}
	})

	t.Run("missing starting step", func(t *testing.T) {
		p := newPipeline()
		p.op.start = nil
		_, err := NewDriver[testData](p.op)
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "NO_START_STEP" {
			t.Errorf("expected NO_START_STEP, got %v", err)
		}
	})

	t.Run("missing error step", func(t *testing.T) {
		p := newPipeline()
		p.op.errStep = nil
		_, err := NewDriver[testData](p.op)
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "NO_ERROR_STEP" {
			t.Errorf("expected NO_ERROR_STEP, got %v", err)
		}
	})

	t.Run("failing option", func(t *testing.T) {
		p := newPipeline()
		if _, err := NewDriver[testData](p.op, WithAffinityCheck(nil)); err == nil {
			t.Error("expected error for nil affinity check")
		}
	})

	t.Run("default op id", func(t *testing.T) {
		p := newPipeline()
		d, err := NewDriver[testData](p.op)
		if err != nil {
			t.Fatalf("NewDriver: %v", err)
		}
		if d.OpID() != "test.op/3" {
			t.Errorf("expected default op id test.op/3, got %q", d.OpID())
		}
		if u := d.Next(); u.OpID() != d.OpID() {
			t.Errorf("expected unit op id %q, got %q", d.OpID(), u.OpID())
		}
	})

	t.Run("identified operation", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](&identifiedOp{fakeOp: p.op, id: "op-42"})
		if d.OpID() != "op-42" || d.Next().OpID() != "op-42" {
			t.Errorf("expected op id op-42, got %q", d.OpID())
		}
	})
}

func TestDriver_UnitSequence(t *testing.T) {
	p := newPipeline()
	d, err := NewDriver[testData](p.op)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	units := drive(t, d)

	if got := unitNames(units); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Fatalf("expected units [A B C], got %v", got)
	}
	wantKinds := []UnitKind{Affine, Offload, Affine}
	for i, u := range units {
		if u.Kind() != wantKinds[i] {
			t.Errorf("unit %s: expected kind %v, got %v", u.StepName(), wantKinds[i], u.Kind())
		}
		if u.PartitionID() != 3 {
			t.Errorf("unit %s: expected partition 3, got %d", u.StepName(), u.PartitionID())
		}
		if u.OpName() != "test.op" {
			t.Errorf("unit %s: expected op test.op, got %q", u.StepName(), u.OpName())
		}
	}
	if units[1].Executor() != "io" {
		t.Errorf("expected offload unit on executor io, got %q", units[1].Executor())
	}
	if units[0].Executor() != "" {
		t.Errorf("expected no executor for affine unit, got %q", units[0].Executor())
	}

	if d.Next() != nil {
		t.Error("expected terminal signal after C")
	}
	if !d.Done() {
		t.Error("expected Done after terminal")
	}
	if !equalStrings(d.State().Data.Trace, []string{"A", "B", "C"}) {
		t.Errorf("unexpected trace %v", d.State().Data.Trace)
	}
	if d.State().Failed() {
		t.Errorf("unexpected failure %v", d.State().Err)
	}
	if p.store.before != 3 || p.store.after != 3 {
		t.Errorf("expected 3 bracketed operations, got before=%d after=%d", p.store.before, p.store.after)
	}
}

func TestDriver_NextReturnsSameUnitUntilRun(t *testing.T) {
	p := newPipeline()
	d, _ := NewDriver[testData](p.op)

	first := d.Next()
	if second := d.Next(); first != second {
		t.Error("expected Next to return the cached unit")
	}
	if err := first.Run(partitionCtx(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if next := d.Next(); next == first || next.StepName() != "B" {
		t.Errorf("expected a fresh unit for B, got %v", next.StepName())
	}
}

func TestDriver_StepFailure(t *testing.T) {
	boom := errors.New("boom")

	t.Run("offloaded failure disposes deferred resources", func(t *testing.T) {
		p := newPipeline()
		p.b.RunFunc = func(context.Context, *State[testData]) error {
			if p.op.disposed != 0 {
				t.Error("deferred resources disposed before the step failed")
			}
			return boom
		}
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "B", "handle-error"}) {
			t.Fatalf("expected [A B handle-error], got %v", got)
		}
		if units[2].Kind() != Affine {
			t.Error("expected the error step to run affine")
		}
		if p.op.disposed != 1 {
			t.Errorf("expected DisposeDeferred once, got %d", p.op.disposed)
		}
		if !errors.Is(d.State().Err, boom) {
			t.Errorf("expected boom recorded, got %v", d.State().Err)
		}
	})

	t.Run("affine failure keeps deferred resources", func(t *testing.T) {
		p := newPipeline()
		p.a.RunFunc = func(context.Context, *State[testData]) error { return boom }
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error"}) {
			t.Fatalf("expected [A handle-error], got %v", got)
		}
		if p.op.disposed != 0 {
			t.Errorf("expected no DisposeDeferred, got %d", p.op.disposed)
		}
	})

	t.Run("error step runs exactly once even when it fails", func(t *testing.T) {
		again := errors.New("error step failed")
		p := newPipeline()
		p.a.RunFunc = func(context.Context, *State[testData]) error { return boom }
		p.errStep.RunFunc = func(context.Context, *State[testData]) error { return again }
		// A misbehaving error step that points back at itself.
		p.errStep.NextFunc = then(p.errStep)
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error"}) {
			t.Fatalf("expected [A handle-error], got %v", got)
		}
		if !errors.Is(d.State().Err, boom) || !errors.Is(d.State().Err, again) {
			t.Errorf("expected both failures recorded, got %v", d.State().Err)
		}
	})

	t.Run("panic is captured as StepError", func(t *testing.T) {
		p := newPipeline()
		p.c.RunFunc = func(context.Context, *State[testData]) error { panic("kaboom") }
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "B", "C", "handle-error"}) {
			t.Fatalf("expected [A B C handle-error], got %v", got)
		}
		var se *StepError
		if !errors.As(d.State().Err, &se) {
			t.Fatalf("expected *StepError, got %T", d.State().Err)
		}
		if se.Code != "STEP_PANIC" || se.Step != "C" {
			t.Errorf("unexpected StepError %+v", se)
		}
	})
}

func TestDriver_HandleError(t *testing.T) {
	boom := errors.New("scheduler rejected unit")

	t.Run("diverts to error step", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op)
		stale := d.Next()

		d.HandleError(boom)

		u := d.Next()
		if u.StepName() != "handle-error" {
			t.Fatalf("expected handle-error unit, got %s", u.StepName())
		}
		// The discarded unit is a no-op if a scheduler still runs it.
		if err := stale.Run(partitionCtx(3)); err != nil {
			t.Errorf("stale unit returned %v", err)
		}
		if len(d.State().Data.Trace) != 0 {
			t.Errorf("stale unit ran: %v", d.State().Data.Trace)
		}

		units := drive(t, d)
		if got := unitNames(units); !equalStrings(got, []string{"handle-error"}) {
			t.Errorf("expected [handle-error], got %v", got)
		}
		if !errors.Is(d.State().Err, boom) {
			t.Errorf("expected recorded error, got %v", d.State().Err)
		}
	})

	t.Run("ignored after error step ran", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op)
		d.HandleError(boom)
		drive(t, d)

		d.HandleError(errors.New("late"))

		if d.Next() != nil {
			t.Error("expected terminal driver to stay terminal")
		}
	})

	t.Run("ignored after success", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op)
		drive(t, d)

		d.HandleError(boom)

		if d.Next() != nil || d.State().Failed() {
			t.Error("expected completed driver to ignore HandleError")
		}
	})

	t.Run("nil error", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op)
		d.HandleError(nil)
		if d.Next().StepName() != "A" {
			t.Error("expected nil error to be ignored")
		}
	})
}

func TestDriver_Gate(t *testing.T) {
	t.Run("consulted once", func(t *testing.T) {
		p := newPipeline()
		gate := &countingGate{}
		d, _ := NewDriver[testData](p.op, WithGate(gate))

		drive(t, d)

		if gate.checks != 1 {
			t.Errorf("expected 1 health check, got %d", gate.checks)
		}
	})

	t.Run("deferred to first partition thread unit", func(t *testing.T) {
		p := newPipeline()
		p.op.start = p.b
		gate := &countingGate{}
		d, _ := NewDriver[testData](p.op, WithGate(gate))

		if err := d.Next().Run(offloadCtx()); err != nil {
			t.Fatalf("Run B: %v", err)
		}
		if gate.checks != 0 {
			t.Fatalf("expected no check off the partition thread, got %d", gate.checks)
		}
		drive(t, d)
		if gate.checks != 1 {
			t.Errorf("expected 1 check, got %d", gate.checks)
		}
	})

	t.Run("skipped when a failure is recorded", func(t *testing.T) {
		p := newPipeline()
		p.op.start = p.b
		p.b.RunFunc = func(context.Context, *State[testData]) error { return errors.New("io failed") }
		gate := &countingGate{health: errors.New("unhealthy")}
		d, _ := NewDriver[testData](p.op, WithGate(gate))

		units := drive(t, d)

		if gate.checks != 0 {
			t.Errorf("expected gate skipped, got %d checks", gate.checks)
		}
		if got := unitNames(units); !equalStrings(got, []string{"B", "handle-error"}) {
			t.Errorf("expected [B handle-error], got %v", got)
		}
	})

	t.Run("unhealthy stops silently", func(t *testing.T) {
		p := newPipeline()
		unhealthy := errors.New("cluster not safe")
		d, _ := NewDriver[testData](p.op, WithGate(&countingGate{health: unhealthy}))

		units := drive(t, d)

		if len(units) != 1 {
			t.Fatalf("expected a single rejected unit, got %v", unitNames(units))
		}
		if len(d.State().Data.Trace) != 0 {
			t.Errorf("expected no step to run, got %v", d.State().Data.Trace)
		}
		if d.State().Failed() {
			t.Errorf("expected no recorded failure, got %v", d.State().Err)
		}
		if len(p.op.rejected) != 1 {
			t.Fatalf("expected observer notified once, got %d", len(p.op.rejected))
		}
		if !errors.Is(p.op.rejected[0], ErrPreconditionsNotMet) || !errors.Is(p.op.rejected[0], unhealthy) {
			t.Errorf("unexpected rejection %v", p.op.rejected[0])
		}
	})

	t.Run("timed out", func(t *testing.T) {
		p := newPipeline()
		p.op.deadline = time.Now().Add(-time.Second)
		d, _ := NewDriver[testData](p.op)

		drive(t, d)

		if len(p.op.rejected) != 1 || !errors.Is(p.op.rejected[0], ErrOperationTimeout) {
			t.Errorf("expected timeout rejection, got %v", p.op.rejected)
		}
	})

	t.Run("nil gate", func(t *testing.T) {
		p := newPipeline()
		p.op.deadline = time.Now().Add(-time.Second)
		d, _ := NewDriver[testData](p.op, WithGate(nil))

		if got := unitNames(drive(t, d)); !equalStrings(got, []string{"A", "B", "C"}) {
			t.Errorf("expected full run without gate, got %v", got)
		}
	})
}

func TestDriver_DestroyedObject(t *testing.T) {
	t.Run("aborts at next boundary", func(t *testing.T) {
		p := newPipeline()
		p.a.RunFunc = func(_ context.Context, st *State[testData]) error {
			st.Data.Trace = append(st.Data.Trace, "A")
			p.op.destroyed = true
			return nil
		}
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "B", "handle-error"}) {
			t.Fatalf("expected [A B handle-error], got %v", got)
		}
		if !equalStrings(d.State().Data.Trace, []string{"A", "handle-error"}) {
			t.Errorf("expected B skipped, got trace %v", d.State().Data.Trace)
		}
		if !errors.Is(d.State().Err, ErrObjectDestroyed) || !d.State().Destroyed() {
			t.Errorf("expected ErrObjectDestroyed, got %v", d.State().Err)
		}
		if d.State().Store != nil {
			t.Error("expected store handle dropped")
		}
	})

	t.Run("error step still runs", func(t *testing.T) {
		boom := errors.New("boom")
		p := newPipeline()
		p.a.RunFunc = func(context.Context, *State[testData]) error {
			p.op.destroyed = true
			return boom
		}
		d, _ := NewDriver[testData](p.op)

		drive(t, d)

		if !equalStrings(d.State().Data.Trace, []string{"handle-error"}) {
			t.Errorf("expected handle-error to run, got %v", d.State().Data.Trace)
		}
		if !errors.Is(d.State().Err, boom) {
			t.Errorf("expected original failure kept, got %v", d.State().Err)
		}
	})
}

func TestDriver_ResourceExhaustion(t *testing.T) {
	oom := fmt.Errorf("map budget: %w", ErrResourceExhausted)

	t.Run("retried with eviction on partition thread", func(t *testing.T) {
		p := newPipeline()
		calls := 0
		p.a.RunFunc = func(context.Context, *State[testData]) error {
			calls++
			if calls == 1 {
				return oom
			}
			return nil
		}
		evictor := &countingEvictor{}
		d, _ := NewDriver[testData](p.op, WithEvictor(evictor))

		units := drive(t, d)

		if evictor.calls != 1 || calls != 2 {
			t.Errorf("expected one eviction retry, got evictor=%d runs=%d", evictor.calls, calls)
		}
		if got := unitNames(units); !equalStrings(got, []string{"A", "B", "C"}) {
			t.Errorf("expected [A B C], got %v", got)
		}
		if d.State().Failed() {
			t.Errorf("unexpected failure %v", d.State().Err)
		}
	})

	t.Run("eviction gives up", func(t *testing.T) {
		p := newPipeline()
		p.a.RunFunc = func(context.Context, *State[testData]) error { return oom }
		evictor := &countingEvictor{err: oom}
		d, _ := NewDriver[testData](p.op, WithEvictor(evictor))

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error"}) {
			t.Errorf("expected [A handle-error], got %v", got)
		}
		if !errors.Is(d.State().Err, ErrResourceExhausted) {
			t.Errorf("expected resource failure, got %v", d.State().Err)
		}
	})

	t.Run("propagated unmodified off partition thread", func(t *testing.T) {
		p := newPipeline()
		p.op.start = p.b
		p.b.RunFunc = func(context.Context, *State[testData]) error { return oom }
		evictor := &countingEvictor{}
		d, _ := NewDriver[testData](p.op, WithEvictor(evictor))

		u := d.Next()
		err := u.Run(offloadCtx())

		if err != oom {
			t.Fatalf("expected the step's error unmodified, got %v", err)
		}
		if evictor.calls != 0 {
			t.Errorf("expected no eviction off the partition thread, got %d", evictor.calls)
		}
		if p.op.disposed != 0 {
			t.Errorf("expected no DisposeDeferred, got %d", p.op.disposed)
		}
		if d.Next() != u {
			t.Error("expected the driver not to advance")
		}

		d.HandleError(err)
		units := drive(t, d)
		if got := unitNames(units); !equalStrings(got, []string{"handle-error"}) {
			t.Errorf("expected [handle-error], got %v", got)
		}
	})

	t.Run("without evictor", func(t *testing.T) {
		p := newPipeline()
		p.a.RunFunc = func(context.Context, *State[testData]) error { return oom }
		d, _ := NewDriver[testData](p.op)

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error"}) {
			t.Errorf("expected [A handle-error], got %v", got)
		}
	})

	t.Run("offloaded error step runs once", func(t *testing.T) {
		p := newPipeline()
		boom := errors.New("boom")
		p.a.RunFunc = func(context.Context, *State[testData]) error { return boom }
		runs := 0
		p.errStep.RunFunc = func(context.Context, *State[testData]) error {
			runs++
			return oom
		}
		p.errStep.OffloadFunc = Always[testData]
		p.errStep.ExecutorName = "io"
		evictor := &countingEvictor{}
		d, _ := NewDriver[testData](p.op, WithEvictor(evictor))

		units := drive(t, d)

		if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error"}) {
			t.Errorf("expected [A handle-error], got %v", got)
		}
		if runs != 1 {
			t.Errorf("expected the error step to run once, got %d", runs)
		}
		if !d.Done() {
			t.Error("expected terminal driver")
		}
		if !errors.Is(d.State().Err, boom) || !errors.Is(d.State().Err, ErrResourceExhausted) {
			t.Errorf("expected both failures recorded, got %v", d.State().Err)
		}
		if evictor.calls != 0 {
			t.Errorf("expected no eviction off the partition thread, got %d", evictor.calls)
		}
		if p.op.disposed != 1 {
			t.Errorf("expected DisposeDeferred once, got %d", p.op.disposed)
		}

		d.HandleError(oom)
		if d.Next() != nil || runs != 1 {
			t.Error("expected HandleError to leave the driver terminal")
		}
	})
}

func TestDriver_ErrorStepNameClash(t *testing.T) {
	p := newPipeline()
	clash := tracing("handle-error", nil)
	p.a.NextFunc = then(clash)
	clash.NextFunc = then(p.c)
	d, _ := NewDriver[testData](p.op)

	units := drive(t, d)

	if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error", "C"}) {
		t.Fatalf("expected [A handle-error C], got %v", got)
	}
	if d.State().Failed() {
		t.Errorf("unexpected failure %v", d.State().Err)
	}

	// The real error step is still reachable after the clash ran.
	d2, _ := NewDriver[testData](p.op)
	p.c.RunFunc = func(context.Context, *State[testData]) error { return errors.New("boom") }
	units = drive(t, d2)
	if got := unitNames(units); !equalStrings(got, []string{"A", "handle-error", "C", "handle-error"}) {
		t.Errorf("expected [A handle-error C handle-error], got %v", got)
	}
}

func TestDriver_Affinity(t *testing.T) {
	t.Run("affine unit off its thread", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op)

		wrong := WithPartitionThread(context.Background(), PartitionThread{Index: 0, Count: 2})
		err := d.Next().Run(wrong)

		if !errors.Is(err, ErrAffinityViolation) {
			t.Fatalf("expected ErrAffinityViolation, got %v", err)
		}
		if len(d.State().Data.Trace) != 0 {
			t.Error("step ran despite affinity violation")
		}
	})

	t.Run("offload unit on partition thread", func(t *testing.T) {
		p := newPipeline()
		p.op.start = p.b
		d, _ := NewDriver[testData](p.op)

		if err := d.Next().Run(partitionCtx(3)); !errors.Is(err, ErrAffinityViolation) {
			t.Fatalf("expected ErrAffinityViolation, got %v", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		p := newPipeline()
		d, _ := NewDriver[testData](p.op, WithoutAffinityCheck())

		for u := d.Next(); u != nil; u = d.Next() {
			if err := u.Run(context.Background()); err != nil {
				t.Fatalf("Run %s: %v", u.StepName(), err)
			}
		}
		if !equalStrings(d.State().Data.Trace, []string{"A", "B", "C"}) {
			t.Errorf("unexpected trace %v", d.State().Data.Trace)
		}
	})
}

func TestDriver_CustomSteps(t *testing.T) {
	p := newPipeline()
	store := &contributingStore{splices: []Splice[testData]{
		{Before: "B", Steps: []Step[testData]{tracing("audit", nil), tracing("index", nil)}},
	}}
	p.op.store = store
	d, _ := NewDriver[testData](p.op)

	units := drive(t, d)

	if got := unitNames(units); !equalStrings(got, []string{"A", "audit", "index", "B", "C"}) {
		t.Fatalf("expected [A audit index B C], got %v", got)
	}
	if units[3].Kind() != Offload {
		t.Error("expected B to keep its offload routing")
	}
	if p.a.Next(nil) != Step[testData](p.b) {
		t.Error("canonical step was mutated")
	}
}

func TestDriver_Events(t *testing.T) {
	p := newPipeline()
	p.c.RunFunc = func(context.Context, *State[testData]) error { return errors.New("boom") }
	buf := emit.NewBufferedEmitter()
	d, _ := NewDriver[testData](p.op, WithEmitter(buf), WithOpID("op-1"))

	drive(t, d)

	history := buf.GetHistory("op-1")
	if len(history) == 0 {
		t.Fatal("expected events")
	}
	counts := map[string]int{}
	for _, e := range history {
		counts[e.Msg]++
		if e.Meta["partition_id"] != 3 {
			t.Errorf("event %s missing partition_id", e.Msg)
		}
	}
	if counts["step_start"] != 4 || counts["step_end"] != 3 || counts["step_error"] != 1 {
		t.Errorf("unexpected event counts %v", counts)
	}
	if counts["op_terminal"] != 1 {
		t.Errorf("expected one op_terminal, got %d", counts["op_terminal"])
	}

	for _, e := range buf.GetHistoryWithFilter("op-1", emit.HistoryFilter{Msg: "step_end"}) {
		if _, ok := e.Meta["duration_ms"].(int64); !ok {
			t.Errorf("expected duration_ms in milliseconds as int64, got %T", e.Meta["duration_ms"])
		}
	}

	errs := buf.GetHistoryWithFilter("op-1", emit.HistoryFilter{Msg: "step_error"})
	if len(errs) != 1 || errs[0].Step != "C" {
		t.Errorf("expected step_error for C, got %v", errs)
	}
}
