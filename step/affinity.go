package step

import (
	"context"
	"fmt"
)

// PartitionThread describes a partition thread: the single execution context
// permitted to mutate the state of the partitions it owns. Partition p is
// owned by the thread whose Index equals p % Count.
type PartitionThread struct {
	Index int
	Count int
}

// Owns reports whether the thread owns partitionID.
func (t PartitionThread) Owns(partitionID int) bool {
	return t.Count > 0 && partitionID >= 0 && partitionID%t.Count == t.Index
}

type partitionThreadKey struct{}

type executorKey struct{}

// WithPartitionThread tags ctx as running on partition thread t. Schedulers
// call it once per partition goroutine.
func WithPartitionThread(ctx context.Context, t PartitionThread) context.Context {
	return context.WithValue(ctx, partitionThreadKey{}, t)
}

// PartitionThreadOf returns the partition thread ctx runs on, if any.
func PartitionThreadOf(ctx context.Context) (PartitionThread, bool) {
	t, ok := ctx.Value(partitionThreadKey{}).(PartitionThread)
	return t, ok
}

// OnPartitionThread reports whether ctx runs on any partition thread.
func OnPartitionThread(ctx context.Context) bool {
	_, ok := PartitionThreadOf(ctx)
	return ok
}

// WithExecutor tags ctx as running on the named offload executor.
func WithExecutor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, executorKey{}, name)
}

// ExecutorOf returns the offload executor ctx runs on, or "".
func ExecutorOf(ctx context.Context) string {
	name, _ := ctx.Value(executorKey{}).(string)
	return name
}

// AffinityCheck asserts that a unit for partitionID may execute in ctx.
// affine is true for units that must run on the owning partition thread.
type AffinityCheck func(ctx context.Context, partitionID int, affine bool) error

// CheckAffinity is the default AffinityCheck. Affine units must run on the
// thread owning their partition; offload units must not run on any
// partition thread.
func CheckAffinity(ctx context.Context, partitionID int, affine bool) error {
	t, onPartition := PartitionThreadOf(ctx)
	if affine {
		if !onPartition || !t.Owns(partitionID) {
			return fmt.Errorf("%w: affine unit for partition %d not on its partition thread", ErrAffinityViolation, partitionID)
		}
		return nil
	}
	if onPartition {
		return fmt.Errorf("%w: offload unit for partition %d on partition thread %d", ErrAffinityViolation, partitionID, t.Index)
	}
	return nil
}

// AssertPartitionThread returns ErrAffinityViolation unless ctx runs on the
// thread owning partitionID.
func AssertPartitionThread(ctx context.Context, partitionID int) error {
	return CheckAffinity(ctx, partitionID, true)
}
