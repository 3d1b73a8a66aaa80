package step

import (
	"context"
	"fmt"
	"time"
)

// Gate validates node/cluster health and operation timeout. The driver
// consults it once, before the first step that runs on a partition thread.
type Gate interface {
	// EnsureHealthy returns an error when the node cannot accept the operation.
	EnsureHealthy(ctx context.Context, op OpInfo) error

	// IsTimedOut reports whether the operation's deadline already elapsed.
	IsTimedOut(op OpInfo) bool
}

// DeadlineGate is the standard Gate. Health is delegated to an optional
// probe; timeouts use the operation's Deadline when it implements Deadliner.
type DeadlineGate struct {
	// Health is an optional node health probe. Nil means always healthy.
	Health func(ctx context.Context) error

	// Now returns the current time. Nil defaults to time.Now.
	Now func() time.Time
}

// NewDeadlineGate returns a DeadlineGate with the given health probe.
func NewDeadlineGate(health func(ctx context.Context) error) *DeadlineGate {
	return &DeadlineGate{Health: health}
}

// EnsureHealthy implements Gate.
func (g *DeadlineGate) EnsureHealthy(ctx context.Context, op OpInfo) error {
	if g.Health == nil {
		return nil
	}
	if err := g.Health(ctx); err != nil {
		return fmt.Errorf("%s on partition %d: %w", op.Name(), op.PartitionID(), err)
	}
	return nil
}

// IsTimedOut implements Gate.
func (g *DeadlineGate) IsTimedOut(op OpInfo) bool {
	d, ok := op.(Deadliner)
	if !ok {
		return false
	}
	deadline := d.Deadline()
	if deadline.IsZero() {
		return false
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return now().After(deadline)
}
