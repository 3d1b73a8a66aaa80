// Package store provides the partition-local record stores operations act
// on, the registry that owns them, and MapStore persistence backends used
// for read-through loads and write-through stores.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a MapStore.
var ErrNotFound = errors.New("not found")

// ErrStoreClosed is returned by MapStore methods after Close.
var ErrStoreClosed = errors.New("map store is closed")

// MapStore persists map entries outside the node. Operations load from it
// on a miss and write through to it on mutation. Calls may block; they are
// made from offload executors, never from partition threads.
//
// Implementations must be safe for concurrent use.
type MapStore interface {
	// Load returns the persisted value of key in mapName.
	// Returns ErrNotFound if the key does not exist.
	Load(ctx context.Context, mapName, key string) ([]byte, error)

	// Store upserts the value of key in mapName.
	Store(ctx context.Context, mapName, key string, value []byte) error

	// Delete removes key from mapName. Deleting a missing key is not an error.
	Delete(ctx context.Context, mapName, key string) error

	// Close releases the store's resources.
	Close() error
}

// MapStoreOption configures a SQL-backed MapStore.
type MapStoreOption func(*mapStoreConfig)

type mapStoreConfig struct {
	compress bool
}

// WithCompression enables snappy compression of persisted values.
func WithCompression(enabled bool) MapStoreOption {
	return func(cfg *mapStoreConfig) {
		cfg.compress = enabled
	}
}

func newMapStoreConfig(opts []MapStoreOption) mapStoreConfig {
	var cfg mapStoreConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
