// Package node wires a stepgrid node together from its configuration:
// record store registry, scheduler, forced-eviction retrier, map store,
// observability, and the map proxies callers use.
package node

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/config"
	"github.com/dshills/stepgrid/step/emit"
	"github.com/dshills/stepgrid/step/evict"
	"github.com/dshills/stepgrid/step/mapop"
	"github.com/dshills/stepgrid/step/sched"
	"github.com/dshills/stepgrid/step/store"
)

// Option configures a Node.
type Option func(*Node) error

// WithEmitter overrides the emitter selected by the configuration.
func WithEmitter(e emit.Emitter) Option {
	return func(n *Node) error {
		n.emitter = e
		n.emitterSet = true
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *step.PrometheusMetrics) Option {
	return func(n *Node) error {
		n.metrics = m
		return nil
	}
}

// WithHealthProbe sets the node health check consulted before an
// operation's first step.
func WithHealthProbe(probe func(ctx context.Context) error) Option {
	return func(n *Node) error {
		n.gate = step.NewDeadlineGate(probe)
		return nil
	}
}

// WithMapStore overrides the map store selected by the configuration.
// The node closes it on Close.
func WithMapStore(ms store.MapStore) Option {
	return func(n *Node) error {
		n.mapStore = ms
		return nil
	}
}

// WithCustomSteps links steps into every operation on mapName.
func WithCustomSteps(mapName string, splices ...step.Splice[mapop.Data]) Option {
	return func(n *Node) error {
		if mapName == "" {
			return &step.EngineError{Message: "custom steps need a map name", Code: "INVALID_OPTION"}
		}
		n.customs[mapName] = append(n.customs[mapName], splices...)
		return nil
	}
}

// WithLogOutput sets where text and JSON events are written. Defaults to
// os.Stderr.
func WithLogOutput(w io.Writer) Option {
	return func(n *Node) error {
		n.logOutput = w
		return nil
	}
}

// Node is a running stepgrid node.
type Node struct {
	cfg        config.Config
	registry   *store.Registry
	scheduler  *sched.Scheduler
	mapStore   store.MapStore
	evictor    *evict.Retrier
	emitter    emit.Emitter
	emitterSet bool
	metrics    *step.PrometheusMetrics
	gate       step.Gate
	logOutput  io.Writer
	customs    map[string][]step.Splice[mapop.Data]

	mu   sync.Mutex
	maps map[string]*Map
}

// New validates cfg and starts a node.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		registry:  store.NewRegistry(cfg.Partitions, store.NewBudget(cfg.Memory.MaxBytes)),
		gate:      step.NewDeadlineGate(nil),
		logOutput: os.Stderr,
		customs:   map[string][]step.Splice[mapop.Data]{},
		maps:      map[string]*Map{},
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	if !n.emitterSet {
		switch cfg.Events {
		case config.EventsText:
			n.emitter = emit.NewLogEmitter(n.logOutput, false)
		case config.EventsJSON:
			n.emitter = emit.NewLogEmitter(n.logOutput, true)
		}
	}

	if n.mapStore == nil {
		ms, err := openMapStore(cfg.MapStore)
		if err != nil {
			return nil, err
		}
		n.mapStore = ms
	}

	if cfg.Eviction.Enabled {
		evictOpts := []evict.Option{
			evict.WithRetriesPerStrategy(cfg.Eviction.RetriesPerStrategy),
			evict.WithPercentage(cfg.Eviction.Percentage),
			evict.WithEmitter(n.emitter),
		}
		if !cfg.AffinityChecks {
			evictOpts = append(evictOpts, evict.WithAffinityCheck(nil))
		}
		retrier, err := evict.New(evict.FromRegistry(n.registry), evictOpts...)
		if err != nil {
			n.closeMapStore()
			return nil, err
		}
		n.evictor = retrier
	}

	executors := make(map[string]sched.ExecutorConfig, len(cfg.Executors))
	for name, ex := range cfg.Executors {
		executors[name] = sched.ExecutorConfig{Workers: ex.Workers, QueueDepth: ex.QueueDepth}
	}
	s, err := sched.New(sched.Config{
		PartitionThreads: cfg.PartitionThreads,
		Executors:        executors,
	}, sched.WithMetrics(n.metrics), sched.WithEmitter(n.emitter))
	if err != nil {
		n.closeMapStore()
		return nil, err
	}
	n.scheduler = s
	return n, nil
}

func openMapStore(cfg config.MapStore) (store.MapStore, error) {
	opts := []store.MapStoreOption{store.WithCompression(cfg.Compress)}
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemMapStore(), nil
	case config.DriverSQLite:
		return store.NewSQLiteMapStore(cfg.DSN, opts...)
	case config.DriverMySQL:
		return store.NewMySQLMapStore(cfg.DSN, opts...)
	case config.DriverNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown map store driver %q", cfg.Driver)
	}
}

// Map returns the proxy of the named map, creating it on first use.
func (n *Node) Map(name string) *Map {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m, ok := n.maps[name]; ok {
		return m
	}
	m := &Map{
		node: n,
		env: &mapop.Env{
			MapName:      name,
			Registry:     n.registry,
			MapStore:     n.mapStore,
			WriteThrough: n.cfg.MapStore.WriteThrough,
			CustomSteps:  n.customs[name],
		},
	}
	n.maps[name] = m
	return m
}

// Registry returns the node's record store registry.
func (n *Node) Registry() *store.Registry { return n.registry }

// Close drains in-flight operations until ctx is done, stops the scheduler
// and closes the map store.
func (n *Node) Close(ctx context.Context) error {
	err := n.scheduler.Close(ctx)
	if cerr := n.closeMapStore(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (n *Node) closeMapStore() error {
	if n.mapStore == nil {
		return nil
	}
	return n.mapStore.Close()
}

func (n *Node) driverOptions(op *mapop.Op) []step.Option {
	opts := []step.Option{
		step.WithOpID(op.ID()),
		step.WithEmitter(n.emitter),
		step.WithMetrics(n.metrics),
		step.WithGate(n.gate),
	}
	if n.evictor != nil {
		opts = append(opts, step.WithEvictor(n.evictor))
	}
	if !n.cfg.AffinityChecks {
		opts = append(opts, step.WithoutAffinityCheck())
	}
	return opts
}

func (n *Node) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if n.cfg.OperationTimeout > 0 {
		return time.Now().Add(n.cfg.OperationTimeout)
	}
	return time.Time{}
}
