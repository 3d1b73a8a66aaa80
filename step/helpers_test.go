package step

import (
	"context"
	"testing"
	"time"
)

// testData is the scratch data used by step tests.
type testData struct {
	Trace []string
}

type fakeStore struct {
	before int
	after  int
}

func (s *fakeStore) BeforeOperation() int64 {
	s.before++
	return int64(s.before)
}

func (s *fakeStore) AfterOperation(int64) { s.after++ }

// contributingStore is a record store that links custom steps.
type contributingStore struct {
	fakeStore
	splices []Splice[testData]
}

func (s *contributingStore) CustomSteps() []Splice[testData] { return s.splices }

type fakeOp struct {
	name      string
	pid       int
	start     Step[testData]
	errStep   Step[testData]
	store     RecordStore
	destroyed bool
	disposed  int
	deadline  time.Time
	rejected  []error
}

func (o *fakeOp) Name() string { return o.name }
func (o *fakeOp) PartitionID() int { return o.pid }
func (o *fakeOp) CallerID() string { return "caller-1" }
func (o *fakeOp) InitialData() testData { return testData{} }
func (o *fakeOp) StartingStep() Step[testData] { return o.start }
func (o *fakeOp) ErrorStep() Step[testData] { return o.errStep }
func (o *fakeOp) CheckExists() bool { return !o.destroyed }
func (o *fakeOp) DisposeDeferred() { o.disposed++ }
func (o *fakeOp) Deadline() time.Time { return o.deadline }

func (o *fakeOp) RecordStore() RecordStore {
	if o.destroyed {
		return nil
	}
	return o.store
}

func (o *fakeOp) PreconditionsFailed(err error) { o.rejected = append(o.rejected, err) }

// identifiedOp is a fakeOp with a unique operation ID.
type identifiedOp struct {
	*fakeOp
	id string
}

func (o *identifiedOp) ID() string { return o.id }

// tracing returns a step that appends its name to the trace and then runs fn.
func tracing(name string, fn func(st *State[testData]) error) *Def[testData] {
	return &Def[testData]{
		ID: name,
		RunFunc: func(_ context.Context, st *State[testData]) error {
			st.Data.Trace = append(st.Data.Trace, name)
			if fn != nil {
				return fn(st)
			}
			return nil
		},
	}
}

func then(s Step[testData]) func(*State[testData]) Step[testData] {
	return func(*State[testData]) Step[testData] { return s }
}

// pipeline is the A(affine) -> B(offload "io") -> C(affine) chain with a
// handle-error step.
type pipeline struct {
	a, b, c, errStep *Def[testData]
	op               *fakeOp
	store            *fakeStore
}

func newPipeline() *pipeline {
	p := &pipeline{
		a:       tracing("A", nil),
		b:       tracing("B", nil),
		c:       tracing("C", nil),
		errStep: tracing("handle-error", nil),
		store:   &fakeStore{},
	}
	p.a.NextFunc = then(p.b)
	p.b.NextFunc = then(p.c)
	p.b.OffloadFunc = Always[testData]
	p.b.ExecutorName = "io"
	p.op = &fakeOp{name: "test.op", pid: 3, start: p.a, errStep: p.errStep, store: p.store}
	return p
}

func partitionCtx(pid int) context.Context {
	return WithPartitionThread(context.Background(), PartitionThread{Index: pid % 2, Count: 2})
}

func offloadCtx() context.Context {
	return WithExecutor(context.Background(), "io")
}

// drive runs the pull loop the way a scheduler does and returns every unit
// that was handed out.
func drive(t testing.TB, d *Driver[testData]) []Unit {
	var units []Unit
	for i := 0; i < 100; i++ {
		u := d.Next()
		if u == nil {
			return units
		}
		units = append(units, u)

		ctx := partitionCtx(u.PartitionID())
		if u.Kind() == Offload {
			ctx = offloadCtx()
		}
		if err := u.Run(ctx); err != nil {
			d.HandleError(err)
		}
	}
	t.Helper()
	t.Fatal("driver did not reach terminal state")
	return nil
}

func unitNames(units []Unit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.StepName()
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type countingGate struct {
	health   error
	timedOut bool
	checks   int
}

func (g *countingGate) EnsureHealthy(context.Context, OpInfo) error {
	g.checks++
	return g.health
}

func (g *countingGate) IsTimedOut(OpInfo) bool { return g.timedOut }

type countingEvictor struct {
	calls int
	err   error
}

func (e *countingEvictor) RetryWithEviction(ctx context.Context, _ OpInfo, run func(context.Context) error) error {
	e.calls++
	if e.err != nil {
		return e.err
	}
	return run(ctx)
}
