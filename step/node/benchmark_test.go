package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dshills/stepgrid/step/config"
	"github.com/dshills/stepgrid/step/emit"
)

func newBenchNode(b *testing.B, cfg config.Config) *Node {
	b.Helper()
	n, err := New(cfg, WithEmitter(emit.NewNullEmitter()))
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

// BenchmarkMap_Set measures an all-affine chain: read, process, respond.
func BenchmarkMap_Set(b *testing.B) {
	n := newBenchNode(b, testConfig())
	m := n.Map("bench")
	ctx := context.Background()
	value := []byte("value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Set(ctx, fmt.Sprintf("k%d", i%1024), value); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMap_SetParallel spreads operations over every partition thread.
func BenchmarkMap_SetParallel(b *testing.B) {
	cfg := testConfig()
	cfg.Partitions = 271
	cfg.PartitionThreads = 4
	n := newBenchNode(b, cfg)
	m := n.Map("bench")
	value := []byte("value")
	var seq atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			key := fmt.Sprintf("k%d", seq.Add(1)%4096)
			if err := m.Set(ctx, key, value); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkMap_WriteThrough adds the offloaded store step backed by SQLite.
func BenchmarkMap_WriteThrough(b *testing.B) {
	cfg := testConfig()
	cfg.MapStore = config.MapStore{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(b.TempDir(), "bench.db"),
		WriteThrough: true,
	}
	n := newBenchNode(b, cfg)
	m := n.Map("bench")
	ctx := context.Background()
	value := []byte("value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Set(ctx, fmt.Sprintf("k%d", i%1024), value); err != nil {
			b.Fatal(err)
		}
	}
}
