package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the history database filename under the data directory.
	DefaultDBFileName = "history.db"
	// DefaultRetention is how long finished transfers are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultMaintenanceInterval is how often history is pruned while open.
	DefaultMaintenanceInterval = 6 * time.Hour
)

// schema is applied in order; PRAGMA user_version records how many entries
// a database has seen. Entries are never edited once released.
var schema = []string{
	`CREATE TABLE transfers (
  transfer_id       TEXT PRIMARY KEY,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  device_name       TEXT NOT NULL DEFAULT '',
  state             TEXT NOT NULL,
  progress          REAL NOT NULL DEFAULT 0,
  items_total       INTEGER NOT NULL DEFAULT 0,
  items_completed   INTEGER NOT NULL DEFAULT 0,
  bytes_total       INTEGER NOT NULL DEFAULT 0,
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  error             TEXT,
  started_at        INTEGER NOT NULL,
  finished_at       INTEGER,
  updated_at        INTEGER NOT NULL
)`,
	`CREATE INDEX idx_transfers_started_at ON transfers (started_at DESC, transfer_id)`,
	`CREATE TABLE transfer_items (
  transfer_id TEXT NOT NULL REFERENCES transfers(transfer_id) ON DELETE CASCADE,
  position    INTEGER NOT NULL,
  path        TEXT NOT NULL,
  PRIMARY KEY (transfer_id, position)
)`,
	`CREATE INDEX idx_transfers_finished_at ON transfers (finished_at)`,
}

// Options tunes history maintenance.
type Options struct {
	// Retention is how long finished transfers are kept. Unfinished ones are
	// never pruned.
	Retention time.Duration
	// MaintenanceInterval is how often a background prune runs.
	MaintenanceInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Retention <= 0 {
		out.Retention = DefaultRetention
	}
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return out
}

// Store persists transfer history in SQLite.
type Store struct {
	db      *sql.DB
	options Options

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) history.db under dataDir.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, upgrades its schema, prunes expired
// history, and starts background maintenance.
func OpenPath(dbPath string, options Options) (*Store, error) {
	query := url.Values{}
	query.Set("_foreign_keys", "on")
	query.Set("_busy_timeout", "5000")
	query.Set("_journal_mode", "WAL")
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(dbPath)+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := prepare(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := &Store{
		db:      db,
		options: options.withDefaults(),
		cancel:  cancel,
	}
	if err := store.Prune(time.Now()); err != nil {
		cancel()
		_ = db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.maintain(ctx)
	return store, nil
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Prune deletes finished transfers older than the retention window and
// truncates the write-ahead log.
func (s *Store) Prune(now time.Time) error {
	if _, err := s.DeleteTransfersBefore(now.Add(-s.options.Retention)); err != nil {
		return err
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return nil
}

func (s *Store) maintain(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			// A failed prune is retried on the next tick.
			_ = s.Prune(now)
		case <-ctx.Done():
			return
		}
	}
}

// prepare checks the connection settings and brings the schema up to date.
func prepare(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("unexpected journal mode %q", journalMode)
	}

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(schema) {
		return fmt.Errorf("schema version %d is newer than this build supports (%d)", version, len(schema))
	}
	if version == len(schema) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema upgrade: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(schema); i++ {
		if _, err := tx.Exec(schema[i]); err != nil {
			return fmt.Errorf("apply schema step %d: %w", i+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, len(schema))); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema upgrade: %w", err)
	}
	return nil
}
