package step

import (
	"context"

	"github.com/dshills/stepgrid/step/emit"
)

// Evictor reclaims memory and retries a unit that failed with
// ErrResourceExhausted. Implementations apply escalating eviction strategies
// until run succeeds or the strategies are exhausted, in which case the last
// resource error is returned. It is only invoked on partition threads.
type Evictor interface {
	RetryWithEviction(ctx context.Context, op OpInfo, run func(ctx context.Context) error) error
}

// Option is a functional option for configuring a Driver.
//
// Example:
//
//	retrier, _ := evict.New(evict.FromRegistry(registry))
//	d, err := step.NewDriver(op,
//	    step.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    step.WithEvictor(retrier),
//	    step.WithGate(step.NewDeadlineGate(nil)),
//	)
type Option func(*driverConfig) error

type driverConfig struct {
	opID     string
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	gate     Gate
	evictor  Evictor
	affinity AffinityCheck
}

func defaultConfig() driverConfig {
	return driverConfig{
		gate:     NewDeadlineGate(nil),
		affinity: CheckAffinity,
	}
}

// WithOpID sets the operation ID used in emitted events.
func WithOpID(id string) Option {
	return func(cfg *driverConfig) error {
		cfg.opID = id
		return nil
	}
}

// WithEmitter sets the observability event receiver. Nil disables events.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *driverConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *driverConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithGate sets the health/timeout gate. Nil disables the gate.
func WithGate(g Gate) Option {
	return func(cfg *driverConfig) error {
		cfg.gate = g
		return nil
	}
}

// WithEvictor sets the forced-eviction retrier. Without one, resource
// exhaustion on a partition thread is recorded as an ordinary failure.
func WithEvictor(e Evictor) Option {
	return func(cfg *driverConfig) error {
		cfg.evictor = e
		return nil
	}
}

// WithAffinityCheck replaces the thread-affinity assertion.
func WithAffinityCheck(check AffinityCheck) Option {
	return func(cfg *driverConfig) error {
		if check == nil {
			return &EngineError{Message: "affinity check cannot be nil (use WithoutAffinityCheck)", Code: "INVALID_OPTION"}
		}
		cfg.affinity = check
		return nil
	}
}

// WithoutAffinityCheck disables the thread-affinity assertion. Intended for
// tests that simulate execution contexts and for production builds that
// trust their scheduler.
func WithoutAffinityCheck() Option {
	return func(cfg *driverConfig) error {
		cfg.affinity = nil
		return nil
	}
}
