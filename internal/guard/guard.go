// Package guard implements the write-admission guard: before a memory is
// added or updated, decide whether the content is a near-duplicate of
// something already stored (NOOP/UPDATE), genuinely new (ADD), or, only
// ever via explicit LLM output, should replace another memory outright
// (DELETE). Both sub-calls of the candidate pool degrade independently;
// a double failure falls back to admitting the write.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/hyphamind/hyphamind/internal/embedding"
	"github.com/hyphamind/hyphamind/internal/llmarbiter"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

var log = logging.GetLogger("guard")

// Action is one of the enumerated write-guard decisions.
type Action string

const (
	ActionAdd    Action = "ADD"
	ActionUpdate Action = "UPDATE"
	ActionNoop   Action = "NOOP"
	ActionDelete Action = "DELETE"
	ActionBypass Action = "BYPASS"
)

// Method identifies which sub-system produced the Decision.
type Method string

const (
	MethodEmbedding Method = "embedding"
	MethodKeyword   Method = "keyword"
	MethodLLM       Method = "llm"
	MethodFallback  Method = "fallback"
	MethodNone      Method = "none"
)

// Decision is the write_guard contract return value.
type Decision struct {
	Action         Action
	Reason         string
	Method         Method
	TargetID       *int64
	TargetURI      string
	Degraded       bool
	DegradeReasons []string
}

// Arbiter is the subset of llmarbiter.Client the guard depends on, kept as
// an interface so tests can substitute a fake.
type Arbiter interface {
	Arbitrate(ctx context.Context, content string, candidates []llmarbiter.GuardCandidate) (*llmarbiter.GuardVerdict, error)
}

// Engine evaluates write_guard decisions.
type Engine struct {
	s         *store.Store
	mem       *memnode.Engine
	embedder  embedding.Provider
	arbiter   Arbiter
	arbiterCB *gobreaker.CircuitBreaker
}

// Options configures a new Engine.
type Options struct {
	Embedder embedding.Provider // may be nil: semantic sub-call always degrades then
	Arbiter  Arbiter            // may be nil: LLM arbitration step is skipped
}

func New(s *store.Store, mem *memnode.Engine, opts Options) *Engine {
	e := &Engine{s: s, mem: mem, embedder: opts.Embedder, arbiter: opts.Arbiter}
	if opts.Arbiter != nil {
		e.arbiterCB = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "guard-llm-arbiter",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return e
}

type candidate struct {
	MemoryID int64
	URI      string
	Content  string
	Score    float64
}

// Evaluate runs the full write_guard algorithm: candidate pool, optional
// LLM arbitration, deterministic fallback.
func (e *Engine) Evaluate(ctx context.Context, content, domain, pathPrefix string, excludeMemoryID int64) (*Decision, error) {
	var degradeReasons []string

	kwCandidates, kwErr := e.keywordCandidates(content, domain, pathPrefix, excludeMemoryID)
	if kwErr != nil {
		degradeReasons = append(degradeReasons, fmt.Sprintf("write_guard_keyword_failed:%s", shortCause(kwErr)))
	}

	semCandidates, semErr := e.semanticCandidates(ctx, content, domain, pathPrefix, excludeMemoryID)
	if semErr != nil {
		degradeReasons = append(degradeReasons, fmt.Sprintf("write_guard_semantic_failed:%s", shortCause(semErr)))
	}

	if kwErr != nil && semErr != nil {
		return &Decision{
			Action:         ActionAdd,
			Reason:         "both retrieval sub-calls failed",
			Method:         MethodFallback,
			Degraded:       true,
			DegradeReasons: degradeReasons,
		}, nil
	}

	if e.arbiter != nil {
		if d := e.tryArbitrate(ctx, content, kwCandidates, semCandidates, &degradeReasons); d != nil {
			return d, nil
		}
	}

	return e.deterministicDecision(content, kwCandidates, semCandidates, degradeReasons), nil
}

// tryArbitrate sends the top-K merged candidates to the LLM arbiter. It
// returns nil (falling through to the deterministic rule) on any failure or
// invalid action, appending the appropriate degrade reason.
func (e *Engine) tryArbitrate(ctx context.Context, content string, kw, sem []candidate, degradeReasons *[]string) *Decision {
	merged := mergeCandidates(kw, sem, topKForArbiter)
	if len(merged) == 0 {
		return nil
	}

	llmCandidates := make([]llmarbiter.GuardCandidate, len(merged))
	for i, c := range merged {
		llmCandidates[i] = llmarbiter.GuardCandidate{ID: c.MemoryID, URI: c.URI, Content: c.Content, Score: c.Score}
	}

	result, err := e.arbiterCB.Execute(func() (any, error) {
		return e.arbiter.Arbitrate(ctx, content, llmCandidates)
	})
	if err != nil {
		*degradeReasons = append(*degradeReasons, fmt.Sprintf("write_guard_llm_failed:%s", shortCause(err)))
		return nil
	}
	verdict := result.(*llmarbiter.GuardVerdict)

	action := Action(verdict.Action)
	switch action {
	case ActionAdd, ActionUpdate, ActionNoop, ActionDelete, ActionBypass:
	default:
		*degradeReasons = append(*degradeReasons, "write_guard_llm_action_invalid")
		return nil
	}

	d := &Decision{
		Action:         action,
		Reason:         verdict.Reason,
		Method:         MethodLLM,
		Degraded:       len(*degradeReasons) > 0,
		DegradeReasons: *degradeReasons,
	}
	if verdict.TargetID != nil {
		d.TargetID = verdict.TargetID
		if uri, ok := uriForCandidate(merged, *verdict.TargetID); ok {
			d.TargetURI = uri
		}
	}
	return d
}

// deterministicDecision is the no-LLM rule: NOOP/UPDATE when the top
// semantic candidate clears both TauHigh and TauKw, else ADD.
func (e *Engine) deterministicDecision(content string, kw, sem []candidate, degradeReasons []string) *Decision {
	degraded := len(degradeReasons) > 0

	if len(sem) == 0 {
		method := MethodKeyword
		if len(kw) == 0 {
			method = MethodNone
		}
		return &Decision{
			Action:         ActionAdd,
			Reason:         "no semantic candidates available",
			Method:         method,
			Degraded:       degraded,
			DegradeReasons: degradeReasons,
		}
	}

	top := sem[0]
	kwScore := kwScoreFor(kw, top.MemoryID)

	if top.Score >= TauHigh && kwScore >= TauKw {
		uri := top.URI
		id := top.MemoryID
		if memnode.NormalizeContent(content) == memnode.NormalizeContent(top.Content) {
			return &Decision{
				Action:         ActionNoop,
				Reason:         "content-normalized equality with top candidate",
				Method:         MethodEmbedding,
				TargetID:       &id,
				TargetURI:      uri,
				Degraded:       degraded,
				DegradeReasons: degradeReasons,
			}
		}
		return &Decision{
			Action:         ActionUpdate,
			Reason:         "top candidate clears semantic and keyword thresholds",
			Method:         MethodEmbedding,
			TargetID:       &id,
			TargetURI:      uri,
			Degraded:       degraded,
			DegradeReasons: degradeReasons,
		}
	}

	return &Decision{
		Action:         ActionAdd,
		Reason:         "no candidate cleared both similarity thresholds",
		Method:         MethodEmbedding,
		Degraded:       degraded,
		DegradeReasons: degradeReasons,
	}
}

func kwScoreFor(kw []candidate, memoryID int64) float64 {
	for _, c := range kw {
		if c.MemoryID == memoryID {
			return c.Score
		}
	}
	return 0
}

func mergeCandidates(kw, sem []candidate, limit int) []candidate {
	byID := make(map[int64]candidate)
	for _, c := range sem {
		byID[c.MemoryID] = c
	}
	for _, c := range kw {
		if existing, ok := byID[c.MemoryID]; !ok || c.Score > existing.Score {
			byID[c.MemoryID] = c
		}
	}
	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func uriForCandidate(cands []candidate, memoryID int64) (string, bool) {
	for _, c := range cands {
		if c.MemoryID == memoryID {
			return c.URI, true
		}
	}
	return "", false
}

func shortCause(err error) string {
	s := err.Error()
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.ReplaceAll(s, ":", "_")
}

// scopedMemoryRow is a (memory_id, uri, content) row used by both
// sub-calls' scoping query.
type scopedMemoryRow struct {
	MemoryID int64
	URI      string
	Content  string
}

func (e *Engine) scopedMemories(domain, pathPrefix string, excludeMemoryID int64, limit int) ([]scopedMemoryRow, error) {
	query := `
		SELECT DISTINCT m.id, p.domain, p.path, m.content
		FROM memories m
		JOIN paths p ON p.memory_id = m.id
		WHERE m.deprecated = 0
	`
	var args []any
	if domain != "" {
		query += ` AND p.domain = ?`
		args = append(args, domain)
	}
	if pathPrefix != "" {
		query += ` AND p.path LIKE ?`
		args = append(args, pathPrefix+"%")
	}
	if excludeMemoryID > 0 {
		query += ` AND m.id != ?`
		args = append(args, excludeMemoryID)
	}
	query += ` ORDER BY m.created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []scopedMemoryRow
	err := e.s.ReadOnly(func(db *sql.DB) error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		seen := make(map[int64]bool)
		for rows.Next() {
			var id int64
			var dom, path, content string
			if err := rows.Scan(&id, &dom, &path, &content); err != nil {
				return err
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, scopedMemoryRow{MemoryID: id, URI: dom + "://" + path, Content: content})
		}
		return rows.Err()
	})
	return out, err
}

// keywordCandidates scores scoped memories by normalized token overlap
// against content.
func (e *Engine) keywordCandidates(content, domain, pathPrefix string, excludeMemoryID int64) ([]candidate, error) {
	rows, err := e.scopedMemories(domain, pathPrefix, excludeMemoryID, candidatePoolLimit)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenSet(content)
	out := make([]candidate, 0, len(rows))
	for _, r := range rows {
		score := tokenOverlapScore(queryTokens, tokenSet(r.Content))
		if score <= 0 {
			continue
		}
		out = append(out, candidate{MemoryID: r.MemoryID, URI: r.URI, Content: r.Content, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// semanticCandidates embeds content and every scoped memory, ranking by
// cosine similarity.
func (e *Engine) semanticCandidates(ctx context.Context, content, domain, pathPrefix string, excludeMemoryID int64) ([]candidate, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}

	queryVec, _, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	rows, err := e.scopedMemories(domain, pathPrefix, excludeMemoryID, candidatePoolLimit)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(rows))
	for _, r := range rows {
		vec, _, err := e.embedder.Embed(ctx, r.Content)
		if err != nil {
			continue
		}
		score := embedding.CosineSimilarity(queryVec, vec)
		out = append(out, candidate{MemoryID: r.MemoryID, URI: r.URI, Content: r.Content, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// tokenOverlapScore is a Jaccard index over token sets.
func tokenOverlapScore(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
