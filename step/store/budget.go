package store

import (
	"fmt"
	"sync/atomic"

	"github.com/dshills/stepgrid/step"
)

// Budget is the node-wide memory budget shared by every record store. A
// non-positive max means unlimited.
type Budget struct {
	max  int64
	used atomic.Int64
}

// NewBudget returns a budget of max bytes.
func NewBudget(max int64) *Budget {
	return &Budget{max: max}
}

// Reserve claims n bytes. It fails with an error wrapping
// step.ErrResourceExhausted when the claim would exceed the budget; nothing
// is claimed in that case.
func (b *Budget) Reserve(n int64) error {
	if b == nil || n <= 0 {
		return nil
	}
	for {
		used := b.used.Load()
		if b.max > 0 && used+n > b.max {
			return fmt.Errorf("%w: need %d bytes, %d of %d in use", step.ErrResourceExhausted, n, used, b.max)
		}
		if b.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.used.Add(-n)
}

// Used returns the bytes currently claimed.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Max returns the budget size; non-positive means unlimited.
func (b *Budget) Max() int64 {
	if b == nil {
		return 0
	}
	return b.max
}
