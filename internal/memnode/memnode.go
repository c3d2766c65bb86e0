// Package memnode implements the versioned addressing engine: Memory nodes
// reachable through mutable Path aliases, content-version chains via
// migrated_to, and the state-hash used for optimistic locking during
// cleanup.
package memnode

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyphamind/hyphamind/internal/apperr"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/store"
)

var log = logging.GetLogger("memnode")

// Memory is a versioned unit of content.
type Memory struct {
	ID             int64
	Content        string
	Priority       int
	Disclosure     sql.NullString
	Deprecated     bool
	MigratedTo     sql.NullInt64
	CreatedAt      time.Time
	VitalityScore  float64
	LastAccessedAt sql.NullTime
	AccessCount    int64
}

// Path is a mutable addressable alias onto a Memory.
type Path struct {
	ID       int64
	Domain   string
	Path     string
	MemoryID int64
	Priority int
}

// URI renders a Path as "domain://path".
func (p Path) URI() string { return p.Domain + "://" + p.Path }

// ChildPreview is a listing row under get_children.
type ChildPreview struct {
	Path         string
	Domain       string
	URI          string
	MemoryID     int64
	Title        string
	ContentSnip  string
	GistText     string
	GistMethod   string
	HasChildPath bool
}

// Engine provides the memory-model public operations over a Store.
type Engine struct {
	s *store.Store
}

func New(s *store.Store) *Engine { return &Engine{s: s} }

const contentSnippetLen = 240

// CreateResult is returned by CreateMemory.
type CreateResult struct {
	ID           int64
	URI          string
	IndexTargets []int64
}

// CreateMemory creates one Memory and one Path derived from parentPath/title
// (or just title at domain root).
func (e *Engine) CreateMemory(parentPath, content string, priority int, title, domain string, disclosure string) (*CreateResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("content must not be empty")
	}
	if strings.TrimSpace(title) == "" {
		return nil, apperr.Validation("title must not be empty")
	}
	fullPath := joinPath(parentPath, title)

	var result *CreateResult
	err := e.s.Session(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM paths WHERE domain = ? AND path = ?`, domain, fullPath).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return apperr.Conflict("path %s://%s already exists", domain, fullPath)
		}

		var disc sql.NullString
		if disclosure != "" {
			disc = sql.NullString{String: disclosure, Valid: true}
		}

		res, err := tx.Exec(
			`INSERT INTO memories (content, priority, disclosure, title) VALUES (?, ?, ?, ?)`,
			content, priority, disc, title,
		)
		if err != nil {
			return err
		}
		memID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO paths (domain, path, memory_id, priority) VALUES (?, ?, ?, ?)`,
			domain, fullPath, memID, priority,
		); err != nil {
			return err
		}

		// Title doubles as a keyword-boost tag for retrieval.
		if _, err := tx.Exec(
			`INSERT INTO memory_tags (memory_id, tag_type, tag_value) VALUES (?, 'title', ?)`,
			memID, strings.ToLower(title),
		); err != nil {
			return err
		}

		result = &CreateResult{
			ID:           memID,
			URI:          domain + "://" + fullPath,
			IndexTargets: []int64{memID},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetMemoryByPath resolves a Path to its current Memory, or (nil, nil) if
// the path does not exist.
func (e *Engine) GetMemoryByPath(path, domain string) (*Memory, error) {
	var m Memory
	var memID int64
	err := e.s.ReadOnly(func(db *sql.DB) error {
		if err := db.QueryRow(
			`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, domain, path,
		).Scan(&memID); err != nil {
			return err
		}
		return scanMemory(db.QueryRow(
			`SELECT id, content, priority, disclosure, deprecated, migrated_to, created_at, vitality_score, last_accessed_at, access_count
			 FROM memories WHERE id = ?`, memID,
		), &m)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetChildren lists direct children of memoryID (nil means the virtual
// root: all paths with no "/" in them), optionally scoped to a domain.
func (e *Engine) GetChildren(memoryID *int64, domain string) ([]ChildPreview, error) {
	var rows *sql.Rows
	var err error

	err = e.s.ReadOnly(func(db *sql.DB) error {
		var query string
		var args []any
		if memoryID == nil {
			query = `SELECT p.path, p.domain, p.memory_id, m.content
				FROM paths p JOIN memories m ON m.id = p.memory_id
				WHERE p.path NOT LIKE '%/%'`
			if domain != "" {
				query += ` AND p.domain = ?`
				args = append(args, domain)
			}
		} else {
			var parentPath string
			var parentDomain string
			if err := db.QueryRow(`SELECT path, domain FROM paths WHERE memory_id = ? LIMIT 1`, *memoryID).Scan(&parentPath, &parentDomain); err != nil {
				if err == sql.ErrNoRows {
					return nil
				}
				return err
			}
			if domain == "" {
				domain = parentDomain
			}
			query = `SELECT p.path, p.domain, p.memory_id, m.content
				FROM paths p JOIN memories m ON m.id = p.memory_id
				WHERE p.domain = ? AND p.path LIKE ? AND p.path NOT LIKE ?`
			args = append(args, domain, parentPath+"/%", parentPath+"/%/%")
		}
		rows, err = db.Query(query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var out []ChildPreview
	for rows.Next() {
		var cp ChildPreview
		var content string
		if err := rows.Scan(&cp.Path, &cp.Domain, &cp.MemoryID, &content); err != nil {
			return nil, err
		}
		cp.URI = cp.Domain + "://" + cp.Path
		cp.Title = lastSegment(cp.Path)
		cp.ContentSnip = snippet(content, contentSnippetLen)

		var gistText, gistMethod string
		err := e.s.ReadOnly(func(db *sql.DB) error {
			return db.QueryRow(
				`SELECT gist_text, gist_method FROM memory_gists WHERE memory_id = ? ORDER BY created_at DESC LIMIT 1`,
				cp.MemoryID,
			).Scan(&gistText, &gistMethod)
		})
		if err == nil {
			cp.GistText, cp.GistMethod = gistText, gistMethod
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// AddPath creates an alias: newPath/newDomain resolves to the same memory as
// targetPath/targetDomain.
func (e *Engine) AddPath(newPath, targetPath, newDomain, targetDomain string) error {
	return e.s.Session(func(tx *sql.Tx) error {
		var memID int64
		if err := tx.QueryRow(`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, targetDomain, targetPath).Scan(&memID); err != nil {
			if err == sql.ErrNoRows {
				return apperr.NotFound("path %s://%s not found", targetDomain, targetPath)
			}
			return err
		}

		var exists int
		tx.QueryRow(`SELECT COUNT(*) FROM paths WHERE domain = ? AND path = ?`, newDomain, newPath).Scan(&exists)
		if exists > 0 {
			return apperr.Conflict("path %s://%s already exists", newDomain, newPath)
		}

		var priority int
		tx.QueryRow(`SELECT priority FROM memories WHERE id = ?`, memID).Scan(&priority)

		_, err := tx.Exec(
			`INSERT INTO paths (domain, path, memory_id, priority) VALUES (?, ?, ?, ?)`,
			newDomain, newPath, memID, priority,
		)
		return err
	})
}

// RemovePathResult reports the effect of a RemovePath call.
type RemovePathResult struct {
	Orphaned bool
}

// RemovePath removes one Path. Rejects if the path has children (other
// paths whose string is exactly "path/segment").
func (e *Engine) RemovePath(path, domain string) (*RemovePathResult, error) {
	var result *RemovePathResult
	err := e.s.Session(func(tx *sql.Tx) error {
		var childCount int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM paths WHERE domain = ? AND path LIKE ? AND path NOT LIKE ?`,
			domain, path+"/%", path+"/%/%",
		).Scan(&childCount); err != nil {
			return err
		}
		if childCount > 0 {
			return apperr.Conflict("path %s://%s has children; remove them first", domain, path)
		}

		var memID int64
		if err := tx.QueryRow(`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, domain, path).Scan(&memID); err != nil {
			if err == sql.ErrNoRows {
				return apperr.NotFound("path %s://%s not found", domain, path)
			}
			return err
		}

		if _, err := tx.Exec(`DELETE FROM paths WHERE domain = ? AND path = ?`, domain, path); err != nil {
			return err
		}

		var remaining int
		tx.QueryRow(`SELECT COUNT(*) FROM paths WHERE memory_id = ?`, memID).Scan(&remaining)
		result = &RemovePathResult{Orphaned: remaining == 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateResult reports the outcome of UpdateMemory.
type UpdateResult struct {
	NewMemoryID int64 // zero when the update was metadata-only (no new version)
}

// UpdateMemory applies a content and/or metadata change. A content change
// creates a new Memory version and migrates every Path that pointed at the
// old one; metadata-only changes mutate the existing row in place.
func (e *Engine) UpdateMemory(path, domain string, content *string, priority *int, disclosure *string) (*UpdateResult, error) {
	var result *UpdateResult
	err := e.s.Session(func(tx *sql.Tx) error {
		var memID int64
		var oldContent string
		if err := tx.QueryRow(
			`SELECT p.memory_id, m.content FROM paths p JOIN memories m ON m.id = p.memory_id WHERE p.domain = ? AND p.path = ?`,
			domain, path,
		).Scan(&memID, &oldContent); err != nil {
			if err == sql.ErrNoRows {
				return apperr.NotFound("path %s://%s not found", domain, path)
			}
			return err
		}

		contentChanged := content != nil && *content != oldContent

		if !contentChanged {
			if priority != nil {
				if _, err := tx.Exec(`UPDATE memories SET priority = ? WHERE id = ?`, *priority, memID); err != nil {
					return err
				}
			}
			if disclosure != nil {
				if _, err := tx.Exec(`UPDATE memories SET disclosure = ? WHERE id = ?`, *disclosure, memID); err != nil {
					return err
				}
			}
			result = &UpdateResult{}
			return nil
		}

		newContent := *content
		if strings.TrimSpace(newContent) == "" {
			return apperr.Validation("content must not be empty")
		}

		newPriority := 5
		tx.QueryRow(`SELECT priority FROM memories WHERE id = ?`, memID).Scan(&newPriority)
		if priority != nil {
			newPriority = *priority
		}

		var newDisclosure sql.NullString
		tx.QueryRow(`SELECT disclosure FROM memories WHERE id = ?`, memID).Scan(&newDisclosure)
		if disclosure != nil {
			newDisclosure = sql.NullString{String: *disclosure, Valid: true}
		}

		var oldTitle sql.NullString
		tx.QueryRow(`SELECT title FROM memories WHERE id = ?`, memID).Scan(&oldTitle)

		res, err := tx.Exec(
			`INSERT INTO memories (content, priority, disclosure, title) VALUES (?, ?, ?, ?)`,
			newContent, newPriority, newDisclosure, oldTitle,
		)
		if err != nil {
			return err
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE paths SET memory_id = ? WHERE memory_id = ?`, newID, memID); err != nil {
			return err
		}
		// The new version inherits the old version's keyword-boost tags.
		if _, err := tx.Exec(
			`INSERT INTO memory_tags (memory_id, tag_type, tag_value)
			 SELECT ?, tag_type, tag_value FROM memory_tags WHERE memory_id = ?`,
			newID, memID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE memories SET migrated_to = ?, deprecated = 1 WHERE id = ?`, newID, memID); err != nil {
			return err
		}

		result = &UpdateResult{NewMemoryID: newID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PermanentlyDeleteResult reports the outcome of PermanentlyDeleteMemory.
type PermanentlyDeleteResult struct {
	Deleted bool
}

// PermanentlyDeleteMemory hard-deletes a Memory. Requires zero Paths when
// requireOrphan is set, and (when expectedStateHash is non-empty) a current
// state-hash match, else apperr.StaleState.
func (e *Engine) PermanentlyDeleteMemory(memoryID int64, requireOrphan bool, expectedStateHash string) (*PermanentlyDeleteResult, error) {
	var result *PermanentlyDeleteResult
	err := e.s.Session(func(tx *sql.Tx) error {
		var m Memory
		err := scanMemory(tx.QueryRow(
			`SELECT id, content, priority, disclosure, deprecated, migrated_to, created_at, vitality_score, last_accessed_at, access_count
			 FROM memories WHERE id = ?`, memoryID,
		), &m)
		if err == sql.ErrNoRows {
			return apperr.NotFound("memory %d not found", memoryID)
		}
		if err != nil {
			return err
		}

		paths, err := pathsForMemoryTx(tx, memoryID)
		if err != nil {
			return err
		}

		if requireOrphan && len(paths) > 0 {
			return apperr.Conflict("memory %d has %d active paths", memoryID, len(paths))
		}

		if expectedStateHash != "" {
			current := computeStateHash(m, paths)
			if current != expectedStateHash {
				return apperr.StaleState("state hash mismatch for memory %d", memoryID)
			}
		}

		// Repair the migrated_to chain: predecessors (rows whose migrated_to
		// is this memory) now point past it to whatever it pointed to (or null).
		if _, err := tx.Exec(`UPDATE memories SET migrated_to = ? WHERE migrated_to = ?`, nullableInt64(m.MigratedTo), memoryID); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, memoryID); err != nil {
			return err
		}

		result = &PermanentlyDeleteResult{Deleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func nullableInt64(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

func pathsForMemoryTx(tx *sql.Tx, memoryID int64) ([]Path, error) {
	rows, err := tx.Query(`SELECT id, domain, path, memory_id, priority FROM paths WHERE memory_id = ? ORDER BY domain, path`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Path
	for rows.Next() {
		var p Path
		if err := rows.Scan(&p.ID, &p.Domain, &p.Path, &p.MemoryID, &p.Priority); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PathsForMemory returns the current alias set of memoryID, sorted by
// (domain, path) — the canonical ordering StateHash depends on.
func (e *Engine) PathsForMemory(memoryID int64) ([]Path, error) {
	var out []Path
	err := e.s.ReadOnly(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT id, domain, path, memory_id, priority FROM paths WHERE memory_id = ? ORDER BY domain, path`, memoryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Path
			if err := rows.Scan(&p.ID, &p.Domain, &p.Path, &p.MemoryID, &p.Priority); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// Gist is the most recent memory_gists row for a memory, if any.
type Gist struct {
	Text        string
	Method      string
	Quality     float64
	SourceHash  string
}

// GetGist returns the latest gist for memoryID, or (nil, nil) if none exists.
func (e *Engine) GetGist(memoryID int64) (*Gist, error) {
	var g Gist
	err := e.s.ReadOnly(func(db *sql.DB) error {
		return db.QueryRow(
			`SELECT gist_text, gist_method, quality_score, source_content_hash
			 FROM memory_gists WHERE memory_id = ? ORDER BY created_at DESC LIMIT 1`,
			memoryID,
		).Scan(&g.Text, &g.Method, &g.Quality, &g.SourceHash)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// StateHash computes a clock-drift-stable digest over the cleanup-relevant
// fields of a Memory plus its current path list: (id, deprecated,
// migrated_to, vitality bucketed to 2 decimals, access_count,
// last_accessed_at bucketed to the minute, sorted path list). Identical
// inputs modulo sub-bucket clock drift MUST hash identically.
func (e *Engine) StateHash(memoryID int64) (string, error) {
	var m Memory
	var paths []Path
	err := e.s.ReadOnly(func(db *sql.DB) error {
		if err := scanMemory(db.QueryRow(
			`SELECT id, content, priority, disclosure, deprecated, migrated_to, created_at, vitality_score, last_accessed_at, access_count
			 FROM memories WHERE id = ?`, memoryID,
		), &m); err != nil {
			return err
		}
		rows, err := db.Query(`SELECT id, domain, path, memory_id, priority FROM paths WHERE memory_id = ? ORDER BY domain, path`, memoryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Path
			if err := rows.Scan(&p.ID, &p.Domain, &p.Path, &p.MemoryID, &p.Priority); err != nil {
				return err
			}
			paths = append(paths, p)
		}
		return rows.Err()
	})
	if err != nil {
		return "", err
	}
	return computeStateHash(m, paths), nil
}

func computeStateHash(m Memory, paths []Path) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%d;dep=%t;migrated=", m.ID, m.Deprecated)
	if m.MigratedTo.Valid {
		fmt.Fprintf(&b, "%d", m.MigratedTo.Int64)
	}
	fmt.Fprintf(&b, ";vit=%.2f;acc=%d;last=", roundTo2(m.VitalityScore), m.AccessCount)
	if m.LastAccessedAt.Valid {
		b.WriteString(bucketMinute(m.LastAccessedAt.Time))
	}
	b.WriteString(";paths=")
	sorted := make([]string, len(paths))
	for i, p := range paths {
		sorted[i] = p.Domain + "://" + p.Path
	}
	sort.Strings(sorted)
	b.WriteString(strings.Join(sorted, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func bucketMinute(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

func scanMemory(row *sql.Row, m *Memory) error {
	return row.Scan(&m.ID, &m.Content, &m.Priority, &m.Disclosure, &m.Deprecated, &m.MigratedTo, &m.CreatedAt, &m.VitalityScore, &m.LastAccessedAt, &m.AccessCount)
}

func joinPath(parent, title string) string {
	parent = strings.Trim(parent, "/")
	title = strings.Trim(title, "/")
	if parent == "" {
		return title
	}
	return parent + "/" + title
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NormalizeContent applies the guard's whitespace-collapse/lowercase/trim
// normalization used to test content equality for NOOP detection.
func NormalizeContent(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ParseURI splits "domain://path" into its two components.
func ParseURI(uri string) (domain, path string, ok bool) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+3:], true
}

// IsPositiveID reports whether s parses as a positive integer memory id.
func IsPositiveID(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n > 0
}
