package store

import (
	"context"
	"sync"
)

// MemMapStore is an in-memory implementation of MapStore.
//
// Designed for:
//   - Testing and development
//   - Examples that need a loader without a database
//
// MemMapStore is thread-safe. Data is lost when the process terminates.
type MemMapStore struct {
	mu     sync.RWMutex
	maps   map[string]map[string][]byte // mapName -> key -> value
	closed bool
}

var _ MapStore = (*MemMapStore)(nil)

// NewMemMapStore creates a new in-memory map store.
func NewMemMapStore() *MemMapStore {
	return &MemMapStore{maps: make(map[string]map[string][]byte)}
}

// Load implements MapStore.
func (m *MemMapStore) Load(_ context.Context, mapName, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	value, ok := m.maps[mapName][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Store implements MapStore.
func (m *MemMapStore) Store(_ context.Context, mapName, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	entries, ok := m.maps[mapName]
	if !ok {
		entries = make(map[string][]byte)
		m.maps[mapName] = entries
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements MapStore.
func (m *MemMapStore) Delete(_ context.Context, mapName, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.maps[mapName], key)
	return nil
}

// Close implements MapStore. Double-close is a no-op.
func (m *MemMapStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
