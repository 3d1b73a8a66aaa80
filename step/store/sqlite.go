package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteMapStore is a SQLite implementation of MapStore.
//
// It keeps every map's entries in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-node deployments that need entries to survive restarts
//
// SQLiteMapStore uses WAL mode so loads do not block behind stores.
//
// Schema:
//   - map_entries: (map_name, entry_key) -> value, values optionally
//     snappy-compressed
type SQLiteMapStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	cfg    mapStoreConfig
}

var _ MapStore = (*SQLiteMapStore)(nil)

// NewSQLiteMapStore creates a new SQLite-backed map store.
//
// The path parameter specifies the database file location:
//   - "./entries.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	ms, err := store.NewSQLiteMapStore("./entries.db", store.WithCompression(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ms.Close()
func NewSQLiteMapStore(path string, opts ...MapStoreOption) (*SQLiteMapStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteMapStore{
		db:   db,
		path: path,
		cfg:  newMapStoreConfig(opts),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteMapStore) createTables(ctx context.Context) error {
	entriesTable := `
		CREATE TABLE IF NOT EXISTS map_entries (
			map_name TEXT NOT NULL,
			entry_key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (map_name, entry_key)
		)
	`
	if _, err := s.db.ExecContext(ctx, entriesTable); err != nil {
		return fmt.Errorf("failed to create map_entries table: %w", err)
	}
	return nil
}

func (s *SQLiteMapStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Load implements MapStore.
func (s *SQLiteMapStore) Load(ctx context.Context, mapName, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM map_entries WHERE map_name = ? AND entry_key = ?`,
		mapName, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return decodeValue(data)
}

// Store implements MapStore.
func (s *SQLiteMapStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO map_entries (map_name, entry_key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(map_name, entry_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, mapName, key, encodeValue(value, s.cfg.compress)); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Delete implements MapStore.
func (s *SQLiteMapStore) Delete(ctx context.Context, mapName, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM map_entries WHERE map_name = ? AND entry_key = ?`,
		mapName, key,
	); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Close implements MapStore. Double-close is a no-op.
func (s *SQLiteMapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteMapStore) Path() string { return s.path }
