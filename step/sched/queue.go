package sched

import (
	"context"
	"sync"

	"github.com/dshills/stepgrid/step"
)

// task is one unit waiting to run, with the driver it was pulled from.
type task struct {
	p Pullable
	u step.Unit
}

// threadQueue is a partition thread's inbox. It is unbounded so that offload
// workers handing units back never block on a busy partition thread.
type threadQueue struct {
	mu     sync.Mutex
	items  []task
	signal chan struct{}
}

func newThreadQueue() *threadQueue {
	return &threadQueue{signal: make(chan struct{}, 1)}
}

func (q *threadQueue) push(t task) int {
	q.mu.Lock()
	q.items = append(q.items, t)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return n
}

// pop blocks until a task is available or ctx is done.
func (q *threadQueue) pop(ctx context.Context) (task, int, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = task{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			return t, n, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return task{}, 0, false
		case <-q.signal:
		}
	}
}

// frontier is an offload executor's bounded FIFO queue. Enqueue blocks when
// the queue is full, applying backpressure to partition threads.
type frontier struct {
	queue    chan task
	capacity int
}

func newFrontier(capacity int) *frontier {
	return &frontier{queue: make(chan task, capacity), capacity: capacity}
}

// Enqueue adds t, blocking while the frontier is at capacity.
// Returns ctx.Err() if ctx is cancelled first.
func (f *frontier) Enqueue(ctx context.Context, t task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- t:
		return nil
	}
}

// Dequeue removes the oldest task, blocking while the frontier is empty.
func (f *frontier) Dequeue(ctx context.Context) (task, error) {
	if ctx.Err() != nil {
		return task{}, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return task{}, ctx.Err()
	case t := <-f.queue:
		return t, nil
	}
}

// Len returns the number of queued tasks.
func (f *frontier) Len() int { return len(f.queue) }
