package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the history database inside the data directory.
	DefaultDBFileName = "connecto.db"
	// DefaultPairingEventRetention is how long history rows are kept.
	DefaultPairingEventRetention = 180 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// Appended to only. The index of a migration plus one is its user_version.
var migrations = []migration{
	{
		name: "create pairing_events",
		stmt: `
CREATE TABLE IF NOT EXISTS pairing_events (
  id           TEXT PRIMARY KEY,
  kind         TEXT NOT NULL CHECK(kind IN ('pair','listen','sync','key_removed')),
  peer_name    TEXT NOT NULL DEFAULT '',
  peer_user    TEXT NOT NULL DEFAULT '',
  peer_address TEXT NOT NULL DEFAULT '',
  key_comment  TEXT NOT NULL DEFAULT '',
  outcome      TEXT NOT NULL CHECK(outcome IN ('success','failure')),
  details      TEXT NOT NULL DEFAULT '',
  timestamp    INTEGER NOT NULL
);`,
	},
	{
		name: "index pairing_events by time",
		stmt: `CREATE INDEX IF NOT EXISTS idx_pairing_events_time ON pairing_events (timestamp DESC, id);`,
	},
	{
		name: "index pairing_events by kind",
		stmt: `CREATE INDEX IF NOT EXISTS idx_pairing_events_kind ON pairing_events (kind, timestamp DESC, id);`,
	},
}

// Store holds the pairing history database. Commands open it for the
// duration of one operation.
type Store struct {
	db        *sql.DB
	retention time.Duration
	closeOnce sync.Once
}

// Option adjusts a Store while it is opened.
type Option func(*Store)

// WithRetention overrides DefaultPairingEventRetention. Zero or negative
// disables pruning.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// Open opens connecto.db under dataDir, creating the directory if needed,
// and returns the store with the database path.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath and brings its schema up to date.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One writer is enough for a CLI and keeps PRAGMAs on a single connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, retention: DefaultPairingEventRetention}
	for _, opt := range opts {
		opt(store)
	}

	for _, step := range []func() error{db.Ping, store.enableWAL, store.migrate} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare history database %s: %w", dbPath, err)
		}
	}
	return store, nil
}

// Close truncates the WAL and closes the database. Calling it more than once,
// or on a nil Store, is a no-op.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if _, cpErr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); cpErr != nil {
			err = fmt.Errorf("wal checkpoint: %w", cpErr)
		}
		if closeErr := s.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, m := range migrations[version:] {
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version+i+1)); err != nil {
			return fmt.Errorf("record migration %q: %w", m.name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL: journal mode is %q", mode)
	}
	return nil
}
