// Package database provides the SQLite-backed local mirror used by the
// Store, keyed on (folder, uid) message identity and scoped to a single
// mailbox per account.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orbitmail/core/internal/logging"
	_ "modernc.org/sqlite"
)

// Connection pool bounds. SQLite in WAL mode only allows one writer at a
// time, so a large pool just adds lock contention.
const (
	// AmbientConns is the connection budget reserved for this core's
	// fixed background consumers: the sync engine's single-flight
	// sync_inbox, the IDLE coordinator, and the poll loop each hold at
	// most one connection at a time regardless of load.
	AmbientConns = 3

	// MaxPoolConnsCeiling bounds the pool even if PrefetchConcurrency is
	// configured unreasonably high.
	MaxPoolConnsCeiling = 16

	// DefaultCheckpointInterval is used when a caller has no configured
	// value (e.g. in tests constructing a DB directly).
	DefaultCheckpointInterval = 5 * time.Minute
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path with the
// pragmas the Store relies on (WAL journaling, foreign keys, a busy
// timeout long enough to ride out prefetch/sync contention), and a
// connection pool sized for AmbientConns plus one foreground/background
// body-fetch reader. Call TuneForConcurrency once the Prefetch Queue's
// concurrency is known to widen the pool beyond this floor.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	db.TuneForConcurrency(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set database permissions: %w", err)
		}
	}

	return db, nil
}

// TuneForConcurrency resizes the pool around the Prefetch Queue's body-
// fetch concurrency: AmbientConns for the sync engine/IDLE coordinator/
// poll loop, plus one connection per concurrent body fetch, capped at
// MaxPoolConnsCeiling. This core mirrors a single account and a single
// mailbox, so there is no per-account scaling to do; the only runtime
// concurrency knob is how many body fetches the Prefetch Queue and
// foreground reads are allowed to run at once.
func (db *DB) TuneForConcurrency(prefetchConcurrency int) {
	if prefetchConcurrency < 1 {
		prefetchConcurrency = 1
	}

	maxOpen := AmbientConns + prefetchConcurrency
	if maxOpen > MaxPoolConnsCeiling {
		maxOpen = MaxPoolConnsCeiling
	}

	idle := maxOpen
	if idle > 4 {
		idle = 4
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(idle)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint merges the write-ahead log back into the main database file
// using PASSIVE mode, which checkpoints as much as possible without
// blocking concurrent readers/writers.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs Checkpoint on a timer until ctx is
// cancelled. Call once at process startup. A non-positive interval
// falls back to DefaultCheckpointInterval.
func (db *DB) StartCheckpointRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	log := logging.WithComponent("database")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending migrations in version order.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.Version, err)
			}
		}
	}

	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
