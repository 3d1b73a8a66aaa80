// Package config is the YAML configuration model of a stepgrid node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes a node.
//
// Example file:
//
//	partitions: 271
//	partition_threads: 4
//	affinity_checks: true
//	operation_timeout: 30s
//	events: json
//	executors:
//	  map-load:  {workers: 8, queue_depth: 256}
//	  map-store: {workers: 8, queue_depth: 256}
//	memory:
//	  max_bytes: 268435456
//	eviction:
//	  enabled: true
//	  retries_per_strategy: 5
//	  percentage: 20
//	map_store:
//	  driver: sqlite
//	  dsn: ./entries.db
//	  compress: true
//	  write_through: true
type Config struct {
	Partitions       int                 `yaml:"partitions"`
	PartitionThreads int                 `yaml:"partition_threads"`
	AffinityChecks   bool                `yaml:"affinity_checks"`
	OperationTimeout time.Duration       `yaml:"operation_timeout"`
	Events           string              `yaml:"events"`
	Executors        map[string]Executor `yaml:"executors"`
	Memory           Memory              `yaml:"memory"`
	Eviction         Eviction            `yaml:"eviction"`
	MapStore         MapStore            `yaml:"map_store"`
}

// Executor sizes one offload executor.
type Executor struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// Memory bounds the record stores. MaxBytes <= 0 means unlimited.
type Memory struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Eviction configures forced eviction on out-of-memory.
type Eviction struct {
	Enabled            bool `yaml:"enabled"`
	RetriesPerStrategy int  `yaml:"retries_per_strategy"`
	Percentage         int  `yaml:"percentage"`
}

// MapStore selects the persistence backend of maps.
type MapStore struct {
	// Driver is one of "none", "memory", "sqlite" or "mysql".
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Compress     bool   `yaml:"compress"`
	WriteThrough bool   `yaml:"write_through"`
}

// Event output formats.
const (
	EventsNone = "none"
	EventsText = "text"
	EventsJSON = "json"
)

// Map store drivers.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Default returns the configuration used for fields a file leaves unset.
func Default() Config {
	return Config{
		Partitions:       271,
		PartitionThreads: 4,
		AffinityChecks:   true,
		Events:           EventsNone,
		Executors: map[string]Executor{
			"map-load":  {Workers: 8, QueueDepth: 256},
			"map-store": {Workers: 8, QueueDepth: 256},
		},
		Eviction: Eviction{
			Enabled:            true,
			RetriesPerStrategy: 5,
			Percentage:         20,
		},
		MapStore: MapStore{Driver: DriverNone},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected. Executors named in the file are merged with the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	defaults := cfg.Executors
	cfg.Executors = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	merged := make(map[string]Executor, len(defaults)+len(cfg.Executors))
	for name, ex := range defaults {
		merged[name] = ex
	}
	for name, ex := range cfg.Executors {
		merged[name] = ex
	}
	cfg.Executors = merged

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []string

	if c.Partitions < 1 {
		problems = append(problems, fmt.Sprintf("partitions must be >= 1, got %d", c.Partitions))
	}
	if c.PartitionThreads < 1 {
		problems = append(problems, fmt.Sprintf("partition_threads must be >= 1, got %d", c.PartitionThreads))
	}
	if c.OperationTimeout < 0 {
		problems = append(problems, "operation_timeout must not be negative")
	}
	switch c.Events {
	case EventsNone, EventsText, EventsJSON:
	default:
		problems = append(problems, fmt.Sprintf("events must be none, text or json, got %q", c.Events))
	}

	names := make([]string, 0, len(c.Executors))
	for name := range c.Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ex := c.Executors[name]
		if ex.Workers < 1 || ex.QueueDepth < 1 {
			problems = append(problems, fmt.Sprintf("executor %s needs workers and queue_depth >= 1", name))
		}
	}

	if c.Eviction.Enabled {
		if c.Eviction.RetriesPerStrategy < 1 {
			problems = append(problems, "eviction.retries_per_strategy must be >= 1")
		}
		if c.Eviction.Percentage < 1 || c.Eviction.Percentage > 100 {
			problems = append(problems, "eviction.percentage must be in [1,100]")
		}
	}

	switch c.MapStore.Driver {
	case DriverNone, DriverMemory:
	case DriverSQLite, DriverMySQL:
		if c.MapStore.DSN == "" {
			problems = append(problems, fmt.Sprintf("map_store.dsn is required for driver %s", c.MapStore.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown map_store.driver %q", c.MapStore.Driver))
	}
	if c.MapStore.WriteThrough && c.MapStore.Driver == DriverNone {
		problems = append(problems, "map_store.write_through needs a map_store.driver")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
