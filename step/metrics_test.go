package step

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_Driver(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	p := newPipeline()
	calls := 0
	p.c.RunFunc = func(context.Context, *State[testData]) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("budget: %w", ErrResourceExhausted)
		}
		return errors.New("boom")
	}
	d, _ := NewDriver[testData](p.op, WithMetrics(metrics), WithEvictor(&countingEvictor{}))

	drive(t, d)

	if got := testutil.ToFloat64(metrics.units.WithLabelValues("affine")); got != 3 {
		t.Errorf("expected 3 affine units, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.units.WithLabelValues("offload")); got != 1 {
		t.Errorf("expected 1 offload unit, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.evictions.WithLabelValues("test.op", "failed")); got != 1 {
		t.Errorf("expected 1 failed eviction retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("test.op", "step")); got != 1 {
		t.Errorf("expected 1 step failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.inflightUnits); got != 0 {
		t.Errorf("expected no inflight units, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.stepLatency); got != 4 {
		t.Errorf("expected 4 latency series, got %d", got)
	}
}

func TestPrometheusMetrics_FailureReasons(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	p := newPipeline()
	d, _ := NewDriver[testData](p.op, WithMetrics(metrics))
	d.HandleError(errors.New("scheduler rejected unit"))
	drive(t, d)

	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("test.op", "aborted")); got != 1 {
		t.Errorf("expected 1 aborted failure, got %v", got)
	}

	p = newPipeline()
	d, _ = NewDriver[testData](p.op, WithMetrics(metrics))
	d.HandleError(fmt.Errorf("loader: %w", ErrResourceExhausted))
	drive(t, d)

	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("test.op", "resource")); got != 1 {
		t.Errorf("expected 1 resource failure, got %v", got)
	}
}

func TestPrometheusMetrics_Disable(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	metrics.Disable()
	metrics.IncUnits(Affine)
	metrics.UpdateQueueDepth("io", 4)

	if got := testutil.ToFloat64(metrics.units.WithLabelValues("affine")); got != 0 {
		t.Errorf("expected no units while disabled, got %v", got)
	}

	metrics.Enable()
	metrics.UpdateQueueDepth("io", 4)
	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues("io")); got != 4 {
		t.Errorf("expected queue depth 4, got %v", got)
	}

	metrics.Reset()
	if got := testutil.CollectAndCount(metrics.queueDepth); got != 0 {
		t.Errorf("expected queue depth reset, got %d series", got)
	}
}

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var metrics *PrometheusMetrics
	metrics.IncUnits(Offload)
	metrics.AddInflight(1)
	metrics.RecordStepLatency("op", "step", 0, "success")
}
