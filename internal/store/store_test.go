package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{
		Path:        filepath.Join(dir, "test.db"),
		LockFile:    filepath.Join(dir, "migrate.lock"),
		LockTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen(t *testing.T) {
	t.Run("FileStoreMigratesCleanly", func(t *testing.T) {
		s := openTestStore(t)
		stats, err := s.Stats()
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.SchemaVersion != "0003" {
			t.Fatalf("expected schema version 0003, got %q", stats.SchemaVersion)
		}
	})

	t.Run("InMemoryStoreSkipsLockAndMigrationTable", func(t *testing.T) {
		s, err := Open(Options{Path: ":memory:"})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()
		if !s.IsInMemory() {
			t.Fatal("expected IsInMemory() true")
		}
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
			t.Fatalf("memories table should exist: %v", err)
		}
	})

	t.Run("ReopenIsIdempotent", func(t *testing.T) {
		dir := t.TempDir()
		opts := Options{
			Path:        filepath.Join(dir, "test.db"),
			LockFile:    filepath.Join(dir, "migrate.lock"),
			LockTimeout: 5 * time.Second,
		}
		s1, err := Open(opts)
		if err != nil {
			t.Fatalf("first Open: %v", err)
		}
		s1.Close()

		s2, err := Open(opts)
		if err != nil {
			t.Fatalf("second Open: %v", err)
		}
		defer s2.Close()
		stats, err := s2.Stats()
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.SchemaVersion != "0003" {
			t.Fatalf("expected schema version 0003 after reopen, got %q", stats.SchemaVersion)
		}
	})
}

func TestSession(t *testing.T) {
	t.Run("CommitPersists", func(t *testing.T) {
		s := openTestStore(t)
		err := s.Session(func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO memories (content) VALUES (?)`, "hello")
			return err
		})
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		var n int
		s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
		if n != 1 {
			t.Fatalf("expected 1 memory row after commit, got %d", n)
		}
	})

	t.Run("ErrorRollsBack", func(t *testing.T) {
		s := openTestStore(t)
		err := s.Session(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO memories (content) VALUES (?)`, "hello"); err != nil {
				return err
			}
			return fmt.Errorf("synthetic failure")
		})
		if err == nil {
			t.Fatal("expected error from Session")
		}
		var n int
		s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
		if n != 0 {
			t.Fatalf("expected rollback to leave 0 rows, got %d", n)
		}
	})
}

func TestRuntimeMeta(t *testing.T) {
	t.Run("SetThenGetRoundTrips", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.RuntimeMetaSet("search_ring_buffer", `{"events":[]}`); err != nil {
			t.Fatalf("RuntimeMetaSet: %v", err)
		}
		value, ok, err := s.RuntimeMetaGet("search_ring_buffer")
		if err != nil {
			t.Fatalf("RuntimeMetaGet: %v", err)
		}
		if !ok || value != `{"events":[]}` {
			t.Fatalf("got (%q, %v), want ({\"events\":[]}, true)", value, ok)
		}
	})

	t.Run("MissingKeyReturnsNotOK", func(t *testing.T) {
		s := openTestStore(t)
		_, ok, err := s.RuntimeMetaGet("does_not_exist")
		if err != nil {
			t.Fatalf("RuntimeMetaGet: %v", err)
		}
		if ok {
			t.Fatal("expected ok=false for missing key")
		}
	})

	t.Run("SetOverwritesExistingValue", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.RuntimeMetaSet("k", "v1"); err != nil {
			t.Fatalf("RuntimeMetaSet: %v", err)
		}
		if err := s.RuntimeMetaSet("k", "v2"); err != nil {
			t.Fatalf("RuntimeMetaSet: %v", err)
		}
		value, _, err := s.RuntimeMetaGet("k")
		if err != nil {
			t.Fatalf("RuntimeMetaGet: %v", err)
		}
		if value != "v2" {
			t.Fatalf("got %q, want v2", value)
		}
	})
}

func TestSplitStatements(t *testing.T) {
	t.Run("SimpleStatementsSplitOnSemicolon", func(t *testing.T) {
		stmts := splitStatements("CREATE TABLE a (x TEXT);\nCREATE TABLE b (y TEXT);")
		if len(stmts) != 2 {
			t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
		}
	})

	t.Run("SemicolonInsideStringLiteralDoesNotSplit", func(t *testing.T) {
		stmts := splitStatements(`INSERT INTO t (x) VALUES ('a;b');`)
		if len(stmts) != 1 {
			t.Fatalf("expected 1 statement, got %d: %v", len(stmts), stmts)
		}
	})

	t.Run("TriggerBodySemicolonsDoNotSplitStatement", func(t *testing.T) {
		script := "CREATE TRIGGER t AFTER INSERT ON a BEGIN\n" +
			"INSERT INTO b(x) VALUES (1);\n" +
			"INSERT INTO c(y) VALUES (2);\n" +
			"END;"
		stmts := splitStatements(script)
		if len(stmts) != 1 {
			t.Fatalf("expected trigger to remain one statement, got %d: %v", len(stmts), stmts)
		}
	})

	t.Run("CommentOnlyLinesAreDropped", func(t *testing.T) {
		script := "-- just a comment\nCREATE TABLE a (x TEXT);"
		stmts := splitStatements(script)
		if len(stmts) != 1 {
			t.Fatalf("expected 1 statement, got %d: %v", len(stmts), stmts)
		}
	})
}

func TestMigrationChecksumMismatchIsFatal(t *testing.T) {
	t.Run("TamperedChecksumInTableIsRejected", func(t *testing.T) {
		dir := t.TempDir()
		opts := Options{
			Path:        filepath.Join(dir, "test.db"),
			LockFile:    filepath.Join(dir, "migrate.lock"),
			LockTimeout: 5 * time.Second,
		}
		s, err := Open(opts)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := s.db.Exec(`UPDATE schema_migrations SET checksum = 'deadbeef' WHERE version = '0001'`); err != nil {
			t.Fatalf("tamper update: %v", err)
		}
		s.Close()

		_, err = Open(opts)
		if err == nil {
			t.Fatal("expected reopen to fail on checksum mismatch")
		}
	})
}
