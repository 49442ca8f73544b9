// Package localstore implements the durable local cache over SQLite.
//
// The browser original kept this data in IndexedDB via Dexie; the Go engine
// uses an embedded SQLite file instead - same role, a transactional
// key-value-ish store that survives process restarts, with one table per
// entity plus the sync_queue and id_map bookkeeping tables.
//
// modernc.org/sqlite is a pure-Go translation of SQLite, so there is no CGo
// and no C toolchain requirement; ":memory:" gives tests a throwaway store.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sakif/repsync/internal/model"
)

// Store owns the SQLite connection pool and hands out typed accessors for
// the entity tables, the operation queue, and the id map.
//
// Initialization is lazy: the schema is created by the first operation that
// touches the database, and concurrent early callers wait on the same
// one-time setup instead of racing to create it (sync.Once gives exactly
// those semantics).
type Store struct {
	conn   *sql.DB
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
}

// Open creates a Store for the database at path. The connection pool is
// created immediately but the schema is not touched until first use.
//
// path may be ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening database: %w", err)
	}
	// SQLite allows one writer at a time, and with this driver each pooled
	// connection to ":memory:" would get its own empty database. A single
	// pooled connection sidesteps both.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// init runs the one-time schema setup. Every public operation calls it; the
// first caller does the work, concurrent callers block until it finishes,
// later callers see only the cached result.
func (s *Store) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.setup(ctx)
		if s.initErr == nil {
			s.logger.Debug("local store initialized")
		}
	})
	return s.initErr
}

func (s *Store) setup(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("localstore: pinging database: %w", err)
	}

	// WAL lets the background sync goroutines read while a write is in
	// flight; default journal mode locks the whole file.
	if _, err := s.conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("localstore: setting WAL mode: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("localstore: enabling foreign keys: %w", err)
	}

	return s.migrate(ctx)
}

// migrate creates the schema. CREATE TABLE IF NOT EXISTS keeps it idempotent,
// so an existing database is safe to open with a newer binary.
func (s *Store) migrate(ctx context.Context) error {
	// One physical table per entity type. Records are stored as their full
	// JSON document; id and user_id are lifted into columns so lookups and
	// per-user filtering stay indexed.
	for _, desc := range model.Entities() {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id      TEXT NOT NULL PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				doc     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
		`, desc.Table)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("localstore: creating table %s: %w", desc.Table, err)
		}
	}

	// Pending mutations. Replay order is the auto-increment id (FIFO).
	// singleton_key is UNIQUE so collapsing jobs can upsert by key; SQLite
	// permits any number of NULLs in a unique column, so ordinary jobs are
	// unaffected.
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			client_op_id  TEXT NOT NULL,
			action        TEXT NOT NULL,
			endpoint      TEXT NOT NULL,
			payload       TEXT,
			offline_id    TEXT,
			singleton_key TEXT UNIQUE,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 5,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_offline ON sync_queue(offline_id);
	`)
	if err != nil {
		return fmt.Errorf("localstore: creating sync_queue table: %w", err)
	}

	// temp_/offline_ id -> server id reconciliation map. Compound key: the
	// same offline id can never belong to two users, but scoping by user
	// keeps account switches from leaking mappings.
	_, err = s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS id_map (
			offline_id TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			entity     TEXT NOT NULL,
			server_id  TEXT NOT NULL,
			PRIMARY KEY (offline_id, user_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("localstore: creating id_map table: %w", err)
	}

	return nil
}

// Table returns the accessor for the entity table named by desc. The table
// is resolved here, at construction - callers never address tables by
// string.
func (s *Store) Table(desc model.Descriptor) *Table {
	return &Table{store: s, name: desc.Table}
}

// Queue returns the sync_queue accessor.
func (s *Store) Queue() *Queue {
	return &Queue{store: s}
}

// IDMap returns the id_map accessor.
func (s *Store) IDMap() *IDMap {
	return &IDMap{store: s}
}
