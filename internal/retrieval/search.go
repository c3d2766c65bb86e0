// Package retrieval implements the tiered search_advanced pipeline:
// preprocess -> intent classification -> candidate generation
// (keyword/semantic) -> optional rerank -> merge/clip -> reinforcement.
// Every stage degrades rather than raises.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hyphamind/hyphamind/internal/embedding"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/rerank"
	"github.com/hyphamind/hyphamind/internal/store"
	"github.com/hyphamind/hyphamind/internal/vitality"
)

var log = logging.GetLogger("retrieval")

// Mode is the search_advanced calling mode.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Fixed degrade-reason literals. MUST remain stable: the observability
// layer and external consumers key off these strings.
const (
	ReasonEmptyQuery            = "empty_query"
	ReasonEmbeddingFallbackHash = "embedding_fallback_hash"
	ReasonEmbeddingFailed       = "embedding_request_failed"
	ReasonRerankFailed          = "reranker_request_failed"
	ReasonIntentUnavailable     = "intent_classification_unavailable"
	ReasonIntentNotSupported    = "intent_profile_not_supported"
	ReasonPreprocessFailed      = "query_preprocess_failed"
)

// Filters scopes candidate generation by domain, path prefix, priority
// ceiling, and recency.
type Filters struct {
	Domain       string
	PathPrefix   string
	MaxPriority  int // 0 means unset
	UpdatedAfter time.Time
}

// Result is one ranked memory in a SearchResponse.
type Result struct {
	MemoryID int64   `json:"memory_id"`
	URI      string  `json:"uri"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Metadata carries the pipeline's applied-strategy bookkeeping.
type Metadata struct {
	Intent                     string `json:"intent"`
	StrategyTemplate           string `json:"strategy_template"`
	StrategyTemplateApplied    bool   `json:"strategy_template_applied"`
	IntentApplied              bool   `json:"intent_applied"`
	CandidateMultiplierApplied int    `json:"candidate_multiplier_applied"`
}

// SearchResponse is the search_advanced contract return value.
type SearchResponse struct {
	Mode           Mode     `json:"mode"`
	QueryEffective string   `json:"query_effective"`
	Results        []Result `json:"results"`
	Degraded       bool     `json:"degraded"`
	DegradeReasons []string `json:"degrade_reasons"`
	Metadata       Metadata `json:"metadata"`
}

// Query is the full search_advanced input. IntentProfile == nil models a
// legacy caller that doesn't pass one: classification still runs for
// observability, but strategy application is not promised.
type Query struct {
	Query               string
	Mode                Mode
	MaxResults          int
	CandidateMultiplier int
	Filters             Filters
	IntentProfile       *string
}

// keyword scoring blend: 0.70 text + 0.20 recency + 0.10 priority, with
// recency decaying exponentially against a configurable half-life.
const (
	weightText     = 0.70
	weightRecency  = 0.20
	weightPriority = 0.10

	defaultRecencyHalfLifeSeconds = 21600 // 6 hours
)

// Engine runs search_advanced over a Store.
type Engine struct {
	s               *store.Store
	embedder        embedding.Provider
	reranker        rerank.Provider
	vit             *vitality.Engine
	halfLifeSeconds float64
}

// Options configures a new Engine. Embedder/Reranker may be nil: their
// respective stages then degrade for every call.
type Options struct {
	Embedder embedding.Provider
	Reranker rerank.Provider
	Vitality *vitality.Engine
	// RecencyHalfLifeSeconds drives the keyword blend's recency decay,
	// sharing RUNTIME_SESSION_CACHE_HALF_LIFE_SECONDS with the session
	// cache. Zero or negative selects the 6-hour default.
	RecencyHalfLifeSeconds int
}

func New(s *store.Store, opts Options) *Engine {
	halfLife := float64(opts.RecencyHalfLifeSeconds)
	if halfLife <= 0 {
		halfLife = defaultRecencyHalfLifeSeconds
	}
	return &Engine{
		s:               s,
		embedder:        opts.Embedder,
		reranker:        opts.Reranker,
		vit:             opts.Vitality,
		halfLifeSeconds: halfLife,
	}
}

// Search runs the full tiered retrieval pipeline.
func (e *Engine) Search(ctx context.Context, q Query) *SearchResponse {
	var degradeReasons []string

	mode := q.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	multiplier := q.CandidateMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	if strings.TrimSpace(q.Query) == "" {
		degradeReasons = append(degradeReasons, ReasonEmptyQuery)
		return &SearchResponse{
			Mode:           mode,
			Results:        nil,
			Degraded:       true,
			DegradeReasons: degradeReasons,
			Metadata:       Metadata{Intent: string(IntentUnknown), StrategyTemplate: "default"},
		}
	}

	// Stage 1: preprocess.
	pre := PreprocessQuery(q.Query)
	effectiveQuery := pre.Rewritten
	if effectiveQuery == "" {
		effectiveQuery = q.Query
		degradeReasons = append(degradeReasons, ReasonPreprocessFailed)
	}

	// Stage 2: intent classification. Always runs, for observability, even
	// for a legacy caller that passes no intent_profile.
	profile := ClassifyIntent(pre.Normalized)
	intentApplied := q.IntentProfile == nil
	strategyApplied := intentApplied
	appliedMultiplier := multiplier
	if q.IntentProfile != nil {
		// Caller pinned an explicit intent_profile; only honor it if it
		// names a known strategy template, else degrade and fall back to
		// the classifier's own profile.
		if requested, ok := findProfileByTemplate(*q.IntentProfile); ok {
			profile = requested
			strategyApplied = true
			intentApplied = true
		} else {
			degradeReasons = append(degradeReasons, ReasonIntentNotSupported)
			strategyApplied = false
		}
	}
	if strategyApplied {
		appliedMultiplier = multiplier * profile.CandidateMultiplier
	}
	if appliedMultiplier <= 0 {
		appliedMultiplier = multiplier
	}

	candidateLimit := maxResults * appliedMultiplier
	if candidateLimit <= 0 {
		candidateLimit = maxResults
	}

	// Stage 3: candidate generation.
	var kwResults, semResults []Result
	var kwErr, semErr error

	if mode == ModeKeyword || mode == ModeHybrid {
		kwResults, kwErr = e.keywordSearch(effectiveQuery, q.Filters, candidateLimit)
		if kwErr != nil {
			degradeReasons = append(degradeReasons, fmt.Sprintf("keyword_search_failed:%s", shortCause(kwErr)))
		}
	}
	if mode == ModeSemantic || mode == ModeHybrid {
		var embedDegrade string
		semResults, embedDegrade, semErr = e.semanticSearch(ctx, effectiveQuery, q.Filters, candidateLimit)
		if embedDegrade != "" {
			degradeReasons = append(degradeReasons, embedDegrade)
		}
		if semErr != nil {
			degradeReasons = append(degradeReasons, fmt.Sprintf("%s:%s", ReasonEmbeddingFailed, shortCause(semErr)))
		}
	}

	merged := mergeByURI(kwResults, semResults)

	// Stage 4: optional rerank.
	if e.reranker != nil && len(merged) > 0 {
		docs := make([]rerank.Document, len(merged))
		for i, r := range merged {
			docs[i] = rerank.Document{URI: r.URI, Text: r.Content}
		}
		reranked, err := e.reranker.Rerank(ctx, effectiveQuery, docs)
		if err != nil {
			degradeReasons = append(degradeReasons, ReasonRerankFailed)
		} else {
			applyRerankScores(merged, reranked)
		}
	}

	// Stage 5: merge & clip (dedupe already done by mergeByURI).
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}

	// Stage 6: reinforcement.
	if e.vit != nil && len(merged) > 0 {
		ids := make([]int64, 0, len(merged))
		for _, r := range merged {
			if r.MemoryID > 0 {
				ids = append(ids, r.MemoryID)
			}
		}
		e.vit.ReinforceAccess(ids)
	}

	return &SearchResponse{
		Mode:           mode,
		QueryEffective: effectiveQuery,
		Results:        merged,
		Degraded:       len(degradeReasons) > 0,
		DegradeReasons: degradeReasons,
		Metadata: Metadata{
			Intent:                     string(profile.Intent),
			StrategyTemplate:           profile.StrategyTemplate,
			StrategyTemplateApplied:    strategyApplied,
			IntentApplied:              intentApplied,
			CandidateMultiplierApplied: appliedMultiplier,
		},
	}
}

func findProfileByTemplate(name string) (StrategyProfile, bool) {
	for _, p := range strategyByIntent {
		if p.StrategyTemplate == name {
			return p, true
		}
	}
	return StrategyProfile{}, false
}

type scopedRow struct {
	MemoryID  int64
	URI       string
	Content   string
	Tags      string
	Priority  int
	UpdatedAt time.Time
}

func (e *Engine) scopedCandidates(f Filters, limit int) ([]scopedRow, error) {
	query := `
		SELECT DISTINCT m.id, p.domain, p.path, m.content, m.priority,
			COALESCE(m.last_accessed_at, m.created_at),
			COALESCE((SELECT GROUP_CONCAT(t.tag_value, ' ') FROM memory_tags t WHERE t.memory_id = m.id), '')
		FROM memories m
		JOIN paths p ON p.memory_id = m.id
		WHERE m.deprecated = 0
	`
	var args []any
	if f.Domain != "" {
		query += ` AND p.domain = ?`
		args = append(args, f.Domain)
	}
	if f.PathPrefix != "" {
		query += ` AND p.path LIKE ?`
		args = append(args, f.PathPrefix+"%")
	}
	if f.MaxPriority > 0 {
		query += ` AND m.priority <= ?`
		args = append(args, f.MaxPriority)
	}
	if !f.UpdatedAfter.IsZero() {
		query += ` AND COALESCE(m.last_accessed_at, m.created_at) >= ?`
		args = append(args, f.UpdatedAfter)
	}
	query += ` ORDER BY m.created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []scopedRow
	err := e.s.ReadOnly(func(db *sql.DB) error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		seen := make(map[int64]bool)
		for rows.Next() {
			var id int64
			var domain, path, content, tags string
			var priority int
			var updatedRaw any
			if err := rows.Scan(&id, &domain, &path, &content, &priority, &updatedRaw, &tags); err != nil {
				return err
			}
			// The COALESCE column has no declared type, so the driver may hand
			// back the stored text rather than a time.Time.
			var updatedAt time.Time
			switch v := updatedRaw.(type) {
			case time.Time:
				updatedAt = v
			case string:
				updatedAt, _ = time.Parse("2006-01-02 15:04:05", v)
			case []byte:
				updatedAt, _ = time.Parse("2006-01-02 15:04:05", string(v))
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, scopedRow{MemoryID: id, URI: domain + "://" + path, Content: content, Tags: tags, Priority: priority, UpdatedAt: updatedAt})
		}
		return rows.Err()
	})
	return out, err
}

// keywordSearch implements the keyword search mode: token-overlap scoring
// with recency + priority boosts.
func (e *Engine) keywordSearch(query string, f Filters, limit int) ([]Result, error) {
	rows, err := e.scopedCandidates(f, limit)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenSet(query)
	now := time.Now().UTC()
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		// Tag values (title and guard/consolidator topics) count toward the
		// text overlap, boosting exact-name hits.
		textScore := tokenOverlapScore(queryTokens, tokenSet(r.Content+" "+r.Tags))
		if textScore <= 0 {
			continue
		}
		ageSeconds := now.Sub(r.UpdatedAt).Seconds()
		if ageSeconds < 0 {
			ageSeconds = 0
		}
		recencyScore := math.Exp(-ageSeconds / e.halfLifeSeconds)
		priority := r.Priority
		if priority < 0 {
			priority = 0
		}
		priorityScore := 1.0 / (1.0 + float64(priority))
		score := weightText*textScore + weightRecency*recencyScore + weightPriority*priorityScore
		out = append(out, Result{MemoryID: r.MemoryID, URI: r.URI, Content: r.Content, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// semanticSearch embeds the query and every scoped candidate, ranking by
// cosine similarity. The returned degradeReason is set (and err nil) when
// the pipeline fell back to the local hash embedder because no remote
// backend is configured.
func (e *Engine) semanticSearch(ctx context.Context, query string, f Filters, limit int) ([]Result, string, error) {
	if e.embedder == nil {
		return nil, "", fmt.Errorf("no embedding provider configured")
	}

	var degradeReason string
	if e.embedder.Name() == "hash" {
		degradeReason = ReasonEmbeddingFallbackHash
	}

	queryVec, embDegrade, err := e.embedder.Embed(ctx, query)
	if embDegrade != "" {
		degradeReason = embDegrade
	}
	if err != nil {
		return nil, degradeReason, err
	}

	rows, err := e.scopedCandidates(f, limit)
	if err != nil {
		return nil, degradeReason, err
	}

	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		vec, _, embErr := e.embedder.Embed(ctx, r.Content)
		if embErr != nil {
			continue
		}
		score := embedding.CosineSimilarity(queryVec, vec)
		out = append(out, Result{MemoryID: r.MemoryID, URI: r.URI, Content: r.Content, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, degradeReason, nil
}

// mergeByURI dedupes keyword and semantic result sets by uri, keeping the
// higher score.
func mergeByURI(a, b []Result) []Result {
	byURI := make(map[string]Result, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, r := range a {
		if _, ok := byURI[r.URI]; !ok {
			order = append(order, r.URI)
		}
		byURI[r.URI] = r
	}
	for _, r := range b {
		existing, ok := byURI[r.URI]
		if !ok {
			order = append(order, r.URI)
			byURI[r.URI] = r
			continue
		}
		if r.Score > existing.Score {
			byURI[r.URI] = r
		}
	}
	out := make([]Result, 0, len(order))
	for _, uri := range order {
		out = append(out, byURI[uri])
	}
	return out
}

func applyRerankScores(results []Result, scores []rerank.Result) {
	byURI := make(map[string]float64, len(scores))
	for _, s := range scores {
		byURI[s.URI] = s.Score
	}
	for i := range results {
		if s, ok := byURI[results[i].URI]; ok {
			results[i].Score = s
		}
	}
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

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

func shortCause(err error) string {
	s := err.Error()
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.ReplaceAll(s, ":", "_")
}
