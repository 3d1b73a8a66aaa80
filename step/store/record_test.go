package store

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dshills/stepgrid/step"
)

func TestBudget(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		b := NewBudget(0)
		if err := b.Reserve(1 << 40); err != nil {
			t.Errorf("expected unlimited budget, got %v", err)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		b := NewBudget(100)
		if err := b.Reserve(60); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		err := b.Reserve(60)
		if !errors.Is(err, step.ErrResourceExhausted) {
			t.Fatalf("expected ErrResourceExhausted, got %v", err)
		}
		if b.Used() != 60 {
			t.Errorf("failed reserve must not claim bytes, used=%d", b.Used())
		}
		b.Release(60)
		if b.Used() != 0 {
			t.Errorf("expected 0 used after release, got %d", b.Used())
		}
	})

	t.Run("nil budget", func(t *testing.T) {
		var b *Budget
		if err := b.Reserve(10); err != nil || b.Used() != 0 || b.Max() != 0 {
			t.Error("expected nil budget to be unlimited")
		}
	})
}

func TestRecordStore_GetPutRemove(t *testing.T) {
	rs := newRecordStore("users", 1, NewBudget(0))

	if _, ok := rs.Get("k"); ok {
		t.Fatal("expected miss on empty store")
	}

	old, existed, err := rs.Put("k", []byte("v1"))
	if err != nil || existed || old != nil {
		t.Fatalf("first Put = %q, %v, %v", old, existed, err)
	}
	old, existed, err = rs.Put("k", []byte("v2"))
	if err != nil || !existed || string(old) != "v1" {
		t.Fatalf("second Put = %q, %v, %v", old, existed, err)
	}
	if v, ok := rs.Get("k"); !ok || string(v) != "v2" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	if !rs.Contains("k") || rs.Len() != 1 {
		t.Error("expected one entry")
	}

	v, ok := rs.Remove("k")
	if !ok || string(v) != "v2" {
		t.Errorf("Remove = %q, %v", v, ok)
	}
	if _, ok := rs.Remove("k"); ok {
		t.Error("expected second Remove to miss")
	}

	stats := rs.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Puts != 2 || stats.Removes != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Bytes != 0 || rs.budget.Used() != 0 {
		t.Errorf("expected all bytes released, store=%d budget=%d", stats.Bytes, rs.budget.Used())
	}
}

func TestRecordStore_PutCopiesValue(t *testing.T) {
	rs := newRecordStore("m", 0, nil)
	value := []byte("abc")
	if _, _, err := rs.Put("k", value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'x'
	if v, _ := rs.Get("k"); !bytes.Equal(v, []byte("abc")) {
		t.Errorf("store aliased caller's slice: %q", v)
	}
}

func TestRecordStore_Budget(t *testing.T) {
	budget := NewBudget(200)
	rs := newRecordStore("m", 0, budget)
	value := bytes.Repeat([]byte("x"), 100)

	if _, _, err := rs.Put("a", value); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	_, _, err := rs.Put("b", value)
	if !errors.Is(err, step.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if rs.Contains("b") {
		t.Error("failed Put must leave the store unchanged")
	}

	// Shrinking an entry always succeeds and returns bytes to the budget.
	before := budget.Used()
	if _, _, err := rs.Put("a", []byte("small")); err != nil {
		t.Fatalf("shrinking Put: %v", err)
	}
	if budget.Used() >= before {
		t.Errorf("expected budget to shrink, before=%d after=%d", before, budget.Used())
	}
}

func TestRecordStore_Eviction(t *testing.T) {
	t.Run("percent evicts least recently used", func(t *testing.T) {
		rs := newRecordStore("m", 0, nil)
		for _, k := range []string{"a", "b", "c", "d", "e"} {
			if _, _, err := rs.Put(k, []byte(k)); err != nil {
				t.Fatal(err)
			}
		}
		rs.Get("a")

		if n := rs.EvictPercent(40); n != 2 {
			t.Fatalf("expected 2 evicted, got %d", n)
		}
		for _, k := range []string{"a", "d", "e"} {
			if !rs.Contains(k) {
				t.Errorf("expected %s to survive", k)
			}
		}
		if rs.Stats().Evictions != 2 {
			t.Errorf("expected 2 evictions recorded, got %d", rs.Stats().Evictions)
		}
	})

	t.Run("percent evicts at least one", func(t *testing.T) {
		rs := newRecordStore("m", 0, nil)
		_, _, _ = rs.Put("a", nil)
		if n := rs.EvictPercent(1); n != 1 {
			t.Errorf("expected 1 evicted, got %d", n)
		}
		if n := rs.EvictPercent(50); n != 0 {
			t.Errorf("expected nothing to evict, got %d", n)
		}
	})

	t.Run("all", func(t *testing.T) {
		budget := NewBudget(0)
		rs := newRecordStore("m", 0, budget)
		_, _, _ = rs.Put("a", []byte("1"))
		_, _, _ = rs.Put("b", []byte("2"))
		if n := rs.EvictAll(); n != 2 {
			t.Errorf("expected 2 evicted, got %d", n)
		}
		if rs.Len() != 0 || budget.Used() != 0 {
			t.Errorf("expected empty store and budget, len=%d used=%d", rs.Len(), budget.Used())
		}
	})
}

func TestRecordStore_Reserve(t *testing.T) {
	budget := NewBudget(100)
	rs := newRecordStore("m", 0, budget)

	release, err := rs.Reserve(80)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := rs.Reserve(80); !errors.Is(err, step.ErrResourceExhausted) {
		t.Errorf("expected second reservation to fail, got %v", err)
	}
	if rs.Stats().Reserved != 80 {
		t.Errorf("expected 80 reserved, got %d", rs.Stats().Reserved)
	}

	release()
	release()
	if budget.Used() != 0 || rs.Stats().Reserved != 0 {
		t.Errorf("expected release to be idempotent, used=%d reserved=%d", budget.Used(), rs.Stats().Reserved)
	}
}

func TestRecordStore_OperationHooks(t *testing.T) {
	rs := newRecordStore("m", 0, nil)
	token := rs.BeforeOperation()
	rs.AfterOperation(token)
	rs.AfterOperation(token)

	stats := rs.Stats()
	if stats.Operations != 1 {
		t.Errorf("expected 1 operation, got %d", stats.Operations)
	}
	if len(rs.inOp) != 0 {
		t.Errorf("expected no operations in flight, got %d", len(rs.inOp))
	}
}
