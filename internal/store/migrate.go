package store

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version  string
	name     string
	filename string
	sql      string
	checksum string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		raw, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		normalized := normalizeNewlines(raw)
		sum := sha256.Sum256(normalized)

		version, name := splitMigrationName(e.Name())
		out = append(out, migration{
			version:  version,
			name:     name,
			filename: e.Name(),
			sql:      string(normalized),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitMigrationName splits "0003_canonical_indexes.sql" into ("0003", "canonical_indexes").
func splitMigrationName(filename string) (version, name string) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return base, ""
}

func normalizeNewlines(b []byte) []byte {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	return []byte(s)
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// RunMigrations applies every pending embedded migration to db, guarded by a
// cross-process file lock so that concurrently starting processes never race
// on schema evolution. Already-applied versions are checksum-verified; a
// mismatch means the migration file changed after being applied in
// production and is treated as a fatal configuration error rather than
// silently re-applied.
func RunMigrations(db *sql.DB, lockPath string, lockTimeout time.Duration) error {
	if lockPath == "" {
		lockPath = "hyphamind-migrate.lock"
	}
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}

	fl := flock.New(lockPath)
	locked, err := tryLockWithTimeout(fl, lockTimeout)
	if err != nil {
		return fmt.Errorf("acquire migration lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("timed out after %s waiting for migration lock %s (another process is migrating)", lockTimeout, lockPath)
	}
	defer fl.Unlock()

	if _, err := db.Exec(schemaMigrationsDDL); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := map[string]string{}
	rows, err := db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = checksum
	}
	rows.Close()

	for _, m := range migrations {
		if prevChecksum, ok := applied[m.version]; ok {
			if prevChecksum != m.checksum {
				return fmt.Errorf(
					"migration %s checksum mismatch: applied with %s, file now hashes to %s (migration files must never be edited after release)",
					m.filename, prevChecksum, m.checksum,
				)
			}
			continue
		}

		log.Info("applying migration", "version", m.version, "name", m.name)
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.filename, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
			m.version, m.name, m.checksum,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.filename, err)
		}
	}

	return nil
}

func tryLockWithTimeout(fl *flock.Flock, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// applyMigration executes every statement in a migration file inside a
// single transaction, tolerating "duplicate column name" failures from
// ALTER TABLE ADD COLUMN so that a migration can be safely replayed after a
// partial apply.
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, stmt := range splitStatements(m.sql) {
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			if isDuplicateColumnError(err) {
				log.Warn("ignoring duplicate column on resumed migration", "version", m.version, "statement", stmt)
				continue
			}
			return fmt.Errorf("statement %q: %w", stmt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func isDuplicateColumnError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// splitStatements splits a SQL script on top-level semicolons, respecting
// single- and double-quoted string literals and skipping statements that
// are pure comments or whitespace (e.g. standalone "-- ..." lines between
// real statements, and multi-statement CREATE TRIGGER ... BEGIN ... END
// blocks which themselves contain internal semicolons that must NOT split
// the statement).
func splitStatements(script string) []string {
	var stmts []string
	var cur strings.Builder

	var inSingle, inDouble bool
	depth := 0 // BEGIN...END nesting for triggers

	lines := strings.Split(script, "\n")
	var body strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	text := body.String()

	upperWindow := func(s string, i int, word string) bool {
		if i+len(word) > len(s) {
			return false
		}
		return strings.EqualFold(s[i:i+len(word)], word)
	}

	runes := []rune(text)
	s := string(runes)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			cur.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
			continue
		case inDouble:
			cur.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
			continue
		}

		switch c {
		case '\'':
			inSingle = true
			cur.WriteByte(c)
			continue
		case '"':
			inDouble = true
			cur.WriteByte(c)
			continue
		}

		if upperWindow(s, i, "BEGIN") && isWordBoundary(s, i, 5) {
			depth++
		}
		if upperWindow(s, i, "END") && isWordBoundary(s, i, 3) {
			if depth > 0 {
				depth--
			}
		}

		if c == ';' && depth == 0 {
			stmt := strings.TrimSpace(cur.String())
			if stmt != "" {
				stmts = append(stmts, stmt+";")
			}
			cur.Reset()
			continue
		}

		cur.WriteByte(c)
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}

	return stmts
}

func isWordBoundary(s string, start, length int) bool {
	if start > 0 {
		prev := s[start-1]
		if isIdentChar(prev) {
			return false
		}
	}
	end := start + length
	if end < len(s) {
		next := s[end]
		if isIdentChar(next) {
			return false
		}
	}
	return true
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// applyAllInMemory recreates the full schema from scratch for ":memory:"
// stores, bypassing schema_migrations bookkeeping and the file lock
// entirely: there is no prior process to race against a database that dies
// with the process.
func applyAllInMemory(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.filename, err)
		}
	}
	return nil
}
