// Package consolidate implements the sleep-time consolidator: a job body
// (scheduled onto internal/indexworker as a sleep_consolidation task) that
// scans orphans, dedups them by content hash, rolls recent fragments up
// into gists, previews cleanup, and always finishes by rebuilding the
// index.
package consolidate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/llmarbiter"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

var log = logging.GetLogger("consolidate")

const (
	dedupMinGroupSize    = 2
	rollupMinGroupSize   = 3
	rollupMaxSnippets    = 6
	rollupGistMethod     = "sleep_fragment_rollup"
	recentMemoriesWindow = 500
)

// Gister produces an LLM-authored summary for a set of content snippets.
// Callers that pass nil fall back to an extractive (first-sentence) gist.
type Gister interface {
	Gist(ctx context.Context, req llmarbiter.GistRequest) (string, error)
}

// Config gates the two destructive/mutating steps of the consolidation
// job, matching RUNTIME_SLEEP_DEDUP_APPLY / _FRAGMENT_ROLLUP_APPLY.
type Config struct {
	DedupApplyEnabled          bool
	FragmentRollupApplyEnabled bool
}

// Report is the outcome of one Run.
type Report struct {
	OrphanCount        int      `json:"orphan_count"`
	DeprecatedCount    int      `json:"deprecated_count"`
	DuplicateGroups    int      `json:"duplicate_groups"`
	DeletedDuplicates  int      `json:"deleted_duplicates"`
	PreviewGroups      int      `json:"preview_groups"`
	GistUpserts        int      `json:"gist_upserts"`
	CleanupPreviewCount int     `json:"cleanup_preview_count"`
	IndexRebuildEnqueued bool   `json:"index_rebuild_enqueued"`
	DegradeReasons     []string `json:"degrade_reasons"`
}

// Consolidator runs the sleep-consolidation job body against a Store.
type Consolidator struct {
	s      *store.Store
	mem    *memnode.Engine
	gister Gister
	cfg    Config
	worker *indexworker.Worker
}

func New(s *store.Store, mem *memnode.Engine, gister Gister, cfg Config, worker *indexworker.Worker) *Consolidator {
	return &Consolidator{s: s, mem: mem, gister: gister, cfg: cfg, worker: worker}
}

type memoryRow struct {
	ID         int64
	Content    string
	Deprecated bool
	CreatedAt  time.Time
}

// Run executes all five consolidation steps, tolerating per-step
// failures as structured degrade reasons rather than aborting the job.
func (c *Consolidator) Run(ctx context.Context, reason string) (*Report, error) {
	report := &Report{}

	orphans, deprecatedCount, err := c.scanOrphans()
	if err != nil {
		report.DegradeReasons = append(report.DegradeReasons, fmt.Sprintf("sleep_orphan_scan_failed:%s", shortCause(err)))
	}
	report.OrphanCount = len(orphans)
	report.DeprecatedCount = deprecatedCount

	if err := c.dedupOrphans(orphans, report); err != nil {
		report.DegradeReasons = append(report.DegradeReasons, fmt.Sprintf("sleep_dedup_failed:%s", shortCause(err)))
	}

	if err := c.rollupFragments(ctx, report); err != nil {
		report.DegradeReasons = append(report.DegradeReasons, fmt.Sprintf("sleep_rollup_failed:%s", shortCause(err)))
	}

	previewCount, err := c.cleanupPreviewCount()
	if err != nil {
		report.DegradeReasons = append(report.DegradeReasons, fmt.Sprintf("sleep_cleanup_preview_failed:%s", shortCause(err)))
	}
	report.CleanupPreviewCount = previewCount

	// Step 5 always runs, regardless of whether earlier steps degraded.
	if c.worker != nil {
		outcome := c.worker.Enqueue(indexworker.TaskRebuildIndex, nil, "sleep_consolidation:"+reason)
		report.IndexRebuildEnqueued = outcome.Queued || outcome.Deduped
	}

	return report, nil
}

// scanOrphans returns every Memory with zero active Paths (step 1), plus a
// count of deprecated memories (orphaned or not).
func (c *Consolidator) scanOrphans() ([]memoryRow, int, error) {
	var orphans []memoryRow
	var deprecatedCount int
	err := c.s.ReadOnly(func(db *sql.DB) error {
		row := db.QueryRow(`SELECT COUNT(*) FROM memories WHERE deprecated = 1`)
		if err := row.Scan(&deprecatedCount); err != nil {
			return err
		}

		rows, err := db.Query(`
			SELECT m.id, m.content, m.deprecated, m.created_at
			FROM memories m
			LEFT JOIN paths p ON p.memory_id = m.id
			WHERE p.id IS NULL
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r memoryRow
			var deprecated int
			if err := rows.Scan(&r.ID, &r.Content, &deprecated, &r.CreatedAt); err != nil {
				return err
			}
			r.Deprecated = deprecated != 0
			orphans = append(orphans, r)
		}
		return rows.Err()
	})
	return orphans, deprecatedCount, err
}

// dedupOrphans implements step 2: group orphans by content hash, and
// (when enabled) keep the non-deprecated newest in each group of >= 2,
// deleting the rest.
func (c *Consolidator) dedupOrphans(orphans []memoryRow, report *Report) error {
	groups := make(map[string][]memoryRow)
	for _, o := range orphans {
		hash := contentHash(o.Content)
		groups[hash] = append(groups[hash], o)
	}

	for _, group := range groups {
		if len(group) < dedupMinGroupSize {
			continue
		}
		report.DuplicateGroups++
		if !c.cfg.DedupApplyEnabled {
			continue
		}

		keep := pickKeeper(group)
		for _, candidate := range group {
			if candidate.ID == keep.ID {
				continue
			}
			if _, err := c.mem.PermanentlyDeleteMemory(candidate.ID, true, ""); err != nil {
				log.Warn("dedup delete failed", "memory_id", candidate.ID, "err", err)
				continue
			}
			report.DeletedDuplicates++
		}
	}
	return nil
}

// pickKeeper chooses the non-deprecated, newest memory in a dedup group,
// tie-breaking by the largest id.
func pickKeeper(group []memoryRow) memoryRow {
	sort.Slice(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.Deprecated != b.Deprecated {
			return !a.Deprecated // non-deprecated first
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return group[0]
}

type fragmentRow struct {
	MemoryID int64
	Domain   string
	Path     string
	Content  string
}

// rollupFragments implements step 3: group recent non-empty memories by
// (domain, parent_path); groups of >= 3 get a bullet-style gist anchored
// on the lexicographically-first path, unless that anchor already carries
// a non-rollup gist.
func (c *Consolidator) rollupFragments(ctx context.Context, report *Report) error {
	rows, err := c.recentFragments()
	if err != nil {
		return err
	}

	type groupKey struct{ domain, parent string }
	groups := make(map[groupKey][]fragmentRow)
	for _, r := range rows {
		key := groupKey{domain: r.Domain, parent: parentPath(r.Path)}
		groups[key] = append(groups[key], r)
	}

	for _, group := range groups {
		if len(group) < rollupMinGroupSize {
			continue
		}
		report.PreviewGroups++
		if !c.cfg.FragmentRollupApplyEnabled {
			continue
		}

		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
		anchor := group[0]

		existingMethod, err := c.existingGistMethod(anchor.MemoryID)
		if err != nil {
			log.Warn("gist lookup failed", "memory_id", anchor.MemoryID, "err", err)
			continue
		}
		if existingMethod != "" && existingMethod != rollupGistMethod {
			continue
		}

		snippets := make([]string, 0, rollupMaxSnippets)
		for i, r := range group {
			if i >= rollupMaxSnippets {
				break
			}
			snippets = append(snippets, r.Content)
		}

		gistText := c.buildGist(ctx, snippets)
		if err := c.upsertGist(anchor.MemoryID, gistText); err != nil {
			log.Warn("gist upsert failed", "memory_id", anchor.MemoryID, "err", err)
			continue
		}
		report.GistUpserts++
	}
	return nil
}

func (c *Consolidator) recentFragments() ([]fragmentRow, error) {
	var out []fragmentRow
	err := c.s.ReadOnly(func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT m.id, p.domain, p.path, m.content
			FROM memories m
			JOIN paths p ON p.memory_id = m.id
			WHERE m.deprecated = 0 AND length(trim(m.content)) > 0
			ORDER BY m.created_at DESC
			LIMIT ?
		`, recentMemoriesWindow)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r fragmentRow
			if err := rows.Scan(&r.MemoryID, &r.Domain, &r.Path, &r.Content); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// buildGist produces an LLM-authored summary when a Gister is configured,
// falling back to a deterministic bullet-list extractive gist otherwise.
func (c *Consolidator) buildGist(ctx context.Context, snippets []string) string {
	return BuildGist(ctx, c.gister, snippets)
}

// BuildGist is the same LLM-with-extractive-fallback gist builder, exported
// so callers outside the sleep-consolidation job (e.g. an on-demand
// compact_context tool) can reuse it without a Consolidator.
func BuildGist(ctx context.Context, gister Gister, snippets []string) string {
	if gister != nil {
		text, err := gister.Gist(ctx, llmarbiter.GistRequest{Snippets: snippets, MaxWords: 60})
		if err == nil && text != "" {
			return text
		}
		log.Warn("llm gist failed, falling back to extractive", "err", err)
	}
	var b strings.Builder
	for _, s := range snippets {
		first := firstSentence(s)
		if first == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(first)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(s, sep); idx > 0 {
			return strings.TrimSpace(s[:idx])
		}
	}
	if len(s) > 160 {
		return s[:160]
	}
	return s
}

func (c *Consolidator) existingGistMethod(memoryID int64) (string, error) {
	var method string
	err := c.s.ReadOnly(func(db *sql.DB) error {
		row := db.QueryRow(`SELECT gist_method FROM memory_gists WHERE memory_id = ? ORDER BY created_at DESC LIMIT 1`, memoryID)
		err := row.Scan(&method)
		if err == sql.ErrNoRows {
			method = ""
			return nil
		}
		return err
	})
	return method, err
}

func (c *Consolidator) upsertGist(memoryID int64, gistText string) error {
	hash := contentHash(gistText)
	return c.s.Session(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO memory_gists (memory_id, gist_text, source_content_hash, gist_method, quality_score)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(memory_id, source_content_hash) DO UPDATE SET
				gist_text = excluded.gist_text,
				gist_method = excluded.gist_method
		`, memoryID, gistText, hash, rollupGistMethod, 0.5)
		return err
	})
}

// cleanupPreviewCount is step 4: a non-destructive count of memories that
// would currently be eligible for vitality cleanup review.
func (c *Consolidator) cleanupPreviewCount() (int, error) {
	var count int
	err := c.s.ReadOnly(func(db *sql.DB) error {
		row := db.QueryRow(`
			SELECT COUNT(*) FROM memories m
			LEFT JOIN paths p ON p.memory_id = m.id
			WHERE p.id IS NULL OR m.deprecated = 1
		`)
		return row.Scan(&count)
	})
	return count, err
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(memnode.NormalizeContent(s)))
	return hex.EncodeToString(sum[:])
}

// parentPath returns path with its final slash-segment removed, matching
// the segment boundary rule memnode.RemovePath uses for child detection.
func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func shortCause(err error) string {
	s := err.Error()
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.ReplaceAll(s, ":", "_")
}
