// Package store is the embedded relational persistence substrate for the
// memory graph: a single SQLite file opened with WAL + foreign keys,
// schema-evolved through checksum-verified migrations (migrate.go), plus a
// small runtime_meta key-value side table used by internal/observability to
// survive process restarts. It uses a single writer connection with
// mutex-guarded access and transaction-scoped helpers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var log = logging.GetLogger("store")

// Store is a single-writer SQLite-backed persistence handle.
type Store struct {
	db   *sql.DB
	path string
	mem  bool
	mu   sync.RWMutex
}

// Options configures Open.
type Options struct {
	// Path is either a filesystem path or ":memory:" for a transient,
	// process-local store that skips the migration runner entirely.
	Path string
	// LockFile and LockTimeout configure the cross-process migration lock.
	// Ignored when Path is ":memory:".
	LockFile    string
	LockTimeout time.Duration
}

// Open opens (creating if necessary) the SQLite database and applies all
// pending migrations. In-memory stores recreate the schema fresh on every
// boot and never touch the migration lock file.
func Open(opts Options) (*Store, error) {
	mem := opts.Path == ":memory:" || opts.Path == ""
	dsn := opts.Path
	if mem {
		dsn = "file::memory:?cache=shared"
	} else {
		dir := filepath.Dir(opts.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", opts.Path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: opts.Path, mem: mem}

	if mem {
		if err := applyAllInMemory(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply in-memory schema: %w", err)
		}
		return s, nil
	}

	if err := RunMigrations(db, opts.LockFile, opts.LockTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// IsInMemory reports whether this store is a transient in-process database.
func (s *Store) IsInMemory() bool { return s.mem }

// Path returns the configured database path ("" or ":memory:" for transient).
func (s *Store) Path() string { return s.path }

// DB returns the underlying *sql.DB for components that need raw access
// (e.g. building prepared statements once at construction time).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Session runs fn inside a transaction, guaranteeing rollback on any exit
// path that doesn't explicitly commit.
func (s *Store) Session(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// ReadOnly runs fn against the live *sql.DB without an explicit transaction,
// for read paths that don't need snapshot isolation across multiple queries.
func (s *Store) ReadOnly(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}

// RuntimeMetaGet reads a small opaque string value persisted across restarts.
func (s *Store) RuntimeMetaGet(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM runtime_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// RuntimeMetaSet upserts a small opaque string value.
func (s *Store) RuntimeMetaSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO runtime_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Stats reports coarse store statistics, used by the doctor CLI command.
type Stats struct {
	Path          string
	MemoryCount   int
	PathCount     int
	GistCount     int
	SchemaVersion string
	FileSizeBytes int64
}

func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{Path: s.path}
	s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&stats.MemoryCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM paths`).Scan(&stats.PathCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM memory_gists`).Scan(&stats.GistCount)
	s.db.QueryRow(`SELECT COALESCE(MAX(version), '') FROM schema_migrations`).Scan(&stats.SchemaVersion)
	if !s.mem {
		if info, err := os.Stat(s.path); err == nil {
			stats.FileSizeBytes = info.Size()
		}
	}
	return stats, nil
}
