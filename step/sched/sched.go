// Package sched runs step drivers: it pulls units of work and executes each
// in the context it is tagged for. Affine units run on the partition thread
// owning their partition; offload units run on named, bounded executor
// pools and are handed back to the partition thread afterwards.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/emit"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler is closed")

// Pullable is a source of units of work, typically a *step.Driver.
type Pullable interface {
	// Next returns the next unit, or nil when there is no more work.
	Next() step.Unit

	// HandleError reports a unit the scheduler could not run, or the error
	// a unit returned.
	HandleError(err error)
}

// ExecutorConfig sizes one offload executor.
type ExecutorConfig struct {
	// Workers is the number of goroutines draining the executor.
	Workers int

	// QueueDepth bounds the executor's queue.
	QueueDepth int
}

// Config sizes a Scheduler.
type Config struct {
	// PartitionThreads is the number of partition threads. Partition p runs
	// on thread p % PartitionThreads.
	PartitionThreads int

	// Executors maps offload executor names to their sizing.
	Executors map[string]ExecutorConfig
}

// Option configures a Scheduler.
type Option func(*Scheduler) error

// WithMetrics publishes queue depths.
func WithMetrics(m *step.PrometheusMetrics) Option {
	return func(s *Scheduler) error {
		s.metrics = m
		return nil
	}
}

// WithEmitter sets the receiver of scheduler events.
func WithEmitter(e emit.Emitter) Option {
	return func(s *Scheduler) error {
		s.emitter = e
		return nil
	}
}

// Scheduler runs units of work on partition threads and offload executors.
//
// Example:
//
//	s, err := sched.New(sched.Config{
//	    PartitionThreads: 4,
//	    Executors: map[string]sched.ExecutorConfig{"io": {Workers: 8, QueueDepth: 256}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(context.Background())
//	_ = s.Submit(ctx, driver)
type Scheduler struct {
	threads   []*threadQueue
	executors map[string]*frontier
	metrics   *step.PrometheusMetrics
	emitter   emit.Emitter

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	active sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex
}

// New starts a scheduler's partition threads and executor workers.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.PartitionThreads < 1 {
		return nil, &step.EngineError{
			Message: fmt.Sprintf("partition threads must be >= 1, got %d", cfg.PartitionThreads),
			Code:    "INVALID_CONFIG",
		}
	}
	for name, ec := range cfg.Executors {
		if ec.Workers < 1 || ec.QueueDepth < 1 {
			return nil, &step.EngineError{
				Message: fmt.Sprintf("executor %q needs workers and queue depth >= 1", name),
				Code:    "INVALID_CONFIG",
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		threads:   make([]*threadQueue, cfg.PartitionThreads),
		executors: make(map[string]*frontier, len(cfg.Executors)),
		ctx:       ctx,
		cancel:    cancel,
		g:         &errgroup.Group{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}

	for i := range s.threads {
		s.threads[i] = newThreadQueue()
		index := i
		s.g.Go(func() error {
			s.partitionLoop(index)
			return nil
		})
	}

	names := make([]string, 0, len(cfg.Executors))
	for name := range cfg.Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ec := cfg.Executors[name]
		f := newFrontier(ec.QueueDepth)
		s.executors[name] = f
		for w := 0; w < ec.Workers; w++ {
			executor := name
			s.g.Go(func() error {
				s.executorLoop(executor, f)
				return nil
			})
		}
	}
	return s, nil
}

// Submit starts pulling units from p. It returns once the first unit is
// queued; the operation then runs to its terminal marker asynchronously.
func (s *Scheduler) Submit(ctx context.Context, p Pullable) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	u := p.Next()
	if u == nil {
		return nil
	}
	s.active.Add(1)
	s.dispatch(task{p: p, u: u})
	return nil
}

// Close stops accepting operations and waits for in-flight ones to reach
// their terminal marker or for ctx to be done, then stops every worker.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	_ = s.g.Wait()
	return err
}

// Threads returns the number of partition threads.
func (s *Scheduler) Threads() int { return len(s.threads) }

// dispatch routes t to where its unit must run. Units that cannot be routed
// are reported to their driver and the driver is pulled again, so the
// error step still runs.
func (s *Scheduler) dispatch(t task) {
	for t.u != nil {
		if t.u.Kind() == step.Affine {
			idx := t.u.PartitionID() % len(s.threads)
			depth := s.threads[idx].push(t)
			s.metrics.UpdateQueueDepth(fmt.Sprintf("partition-%d", idx), depth)
			return
		}

		f, ok := s.executors[t.u.Executor()]
		if !ok {
			s.emit(t.u, "unknown_executor", nil)
			t.p.HandleError(fmt.Errorf("%w: %q", step.ErrUnknownExecutor, t.u.Executor()))
			t.u = t.p.Next()
			continue
		}
		if err := f.Enqueue(s.ctx, t); err != nil {
			// Shutting down; the operation is abandoned.
			s.active.Done()
			return
		}
		s.metrics.UpdateQueueDepth(t.u.Executor(), f.Len())
		return
	}
	s.active.Done()
}

func (s *Scheduler) partitionLoop(index int) {
	q := s.threads[index]
	ctx := step.WithPartitionThread(s.ctx, step.PartitionThread{Index: index, Count: len(s.threads)})
	label := fmt.Sprintf("partition-%d", index)

	for {
		t, depth, ok := q.pop(s.ctx)
		if !ok {
			return
		}
		s.metrics.UpdateQueueDepth(label, depth)

		// Consecutive affine units of one operation continue inline.
		for t.u != nil && t.u.Kind() == step.Affine {
			s.run(ctx, t)
			t.u = t.p.Next()
		}
		s.dispatch(t)
	}
}

func (s *Scheduler) executorLoop(name string, f *frontier) {
	ctx := step.WithExecutor(s.ctx, name)
	for {
		t, err := f.Dequeue(s.ctx)
		if err != nil {
			return
		}
		s.metrics.UpdateQueueDepth(name, f.Len())

		// Consecutive units for this executor continue inline; a worker
		// never enqueues into its own queue.
		for t.u != nil && t.u.Kind() == step.Offload && t.u.Executor() == name {
			s.run(ctx, t)
			t.u = t.p.Next()
		}
		s.dispatch(t)
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	if err := t.u.Run(ctx); err != nil {
		s.emit(t.u, "unit_error", map[string]interface{}{"error": err.Error()})
		t.p.HandleError(err)
	}
}

func (s *Scheduler) emit(u step.Unit, msg string, meta map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]interface{}, 3)
	}
	meta["partition_id"] = u.PartitionID()
	meta["kind"] = u.Kind().String()
	meta["executor"] = u.Executor()
	s.emitter.Emit(emit.Event{OpID: u.OpID(), Step: u.StepName(), Msg: msg, Meta: meta})
}
