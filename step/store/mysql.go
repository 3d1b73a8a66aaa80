package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLMapStore is a MySQL/MariaDB implementation of MapStore.
//
// Designed for:
//   - Production deployments where several nodes share one backing database
//   - Entries that must survive node restarts
//
// MySQLMapStore uses connection pooling; blocking calls only ever run on
// offload executors.
type MySQLMapStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	cfg    mapStoreConfig
}

var _ MapStore = (*MySQLMapStore)(nil)

// NewMySQLMapStore creates a new MySQL-backed map store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Never hardcode credentials; read the DSN from the environment or the node
// configuration file.
func NewMySQLMapStore(dsn string, opts ...MapStoreOption) (*MySQLMapStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLMapStore{db: db, cfg: newMapStoreConfig(opts)}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLMapStore) createTables(ctx context.Context) error {
	entriesTable := `
		CREATE TABLE IF NOT EXISTS map_entries (
			map_name VARCHAR(255) NOT NULL,
			entry_key VARCHAR(255) NOT NULL,
			value LONGBLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (map_name, entry_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin
	`
	if _, err := m.db.ExecContext(ctx, entriesTable); err != nil {
		return fmt.Errorf("failed to create map_entries table: %w", err)
	}
	return nil
}

func (m *MySQLMapStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Load implements MapStore.
func (m *MySQLMapStore) Load(ctx context.Context, mapName, key string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLMapStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO map_entries (map_name, entry_key, value)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)
	`
	if _, err := m.db.ExecContext(ctx, query, mapName, key, encodeValue(value, m.cfg.compress)); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Delete implements MapStore.
func (m *MySQLMapStore) Delete(ctx context.Context, mapName, key string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM map_entries WHERE map_name = ? AND entry_key = ?`,
		mapName, key,
	); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Close implements MapStore. Double-close is a no-op.
func (m *MySQLMapStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLMapStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
