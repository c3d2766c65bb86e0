// Package observability implements rolling bounded windows over search,
// guard, and cleanup-query events, with on-demand aggregate computation
// (averages, p95, max latency, top-N degrade reasons, mode/intent
// breakdowns), persisted through internal/store's runtime_meta table so a
// restart picks up the latest snapshot.
package observability

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/store"
)

var log = logging.GetLogger("observability")

const (
	searchWindowSize  = 200
	guardWindowSize   = 300
	cleanupWindowSize = 200

	searchRuntimeMetaKey  = "observability.search_events.v1"
	guardRuntimeMetaKey   = "observability.guard_events.v1"
	cleanupRuntimeMetaKey = "observability.cleanup_query_events.v1"

	defaultSlowQueryMS = 250.0
)

// SearchEvent is one search_advanced observation.
type SearchEvent struct {
	Timestamp               time.Time `json:"timestamp"`
	ModeRequested           string    `json:"mode_requested"`
	ModeApplied             string    `json:"mode_applied"`
	LatencyMS               float64   `json:"latency_ms"`
	Degraded                bool      `json:"degraded"`
	DegradeReasons          []string  `json:"degrade_reasons"`
	SessionCount            int       `json:"session_count"`
	GlobalCount             int       `json:"global_count"`
	ReturnedCount           int       `json:"returned_count"`
	Intent                  string    `json:"intent"`
	IntentApplied           bool      `json:"intent_applied"`
	StrategyTemplate        string    `json:"strategy_template"`
	StrategyTemplateApplied bool      `json:"strategy_template_applied"`
}

// GuardEvent is one write_guard observation.
type GuardEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Operation      string    `json:"operation"`
	Action         string    `json:"action"`
	Method         string    `json:"method"`
	Reason         string    `json:"reason"`
	TargetID       *int64    `json:"target_id,omitempty"`
	Blocked        bool      `json:"blocked"`
	Degraded       bool      `json:"degraded"`
	DegradeReasons []string  `json:"degrade_reasons"`
}

// CleanupQueryEvent is one get_vitality_cleanup_candidates observation.
type CleanupQueryEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	QueryMS        float64   `json:"query_ms"`
	Slow           bool      `json:"slow"`
	CandidateCount int       `json:"candidate_count"`
	MemoryIndexHit bool      `json:"memory_index_hit"`
	PathIndexHit   bool      `json:"path_index_hit"`
	FullScan       bool      `json:"full_scan"`
	Degraded       bool      `json:"degraded"`
}

// Config configures window sizing and the slow-cleanup-query threshold.
type Config struct {
	SlowQueryMS float64 // OBSERVABILITY_CLEANUP_QUERY_SLOW_MS
}

// Recorder owns the three bounded event rings, each guarded by its own
// mutex, and persists a snapshot to runtime_meta after every insert.
type Recorder struct {
	s   *store.Store
	cfg Config

	searchMu  sync.Mutex
	search    []SearchEvent

	guardMu sync.Mutex
	guard   []GuardEvent

	cleanupMu sync.Mutex
	cleanup   []CleanupQueryEvent
}

func New(s *store.Store, cfg Config) *Recorder {
	if cfg.SlowQueryMS <= 0 {
		cfg.SlowQueryMS = defaultSlowQueryMS
	}
	r := &Recorder{s: s, cfg: cfg}
	r.restore()
	return r
}

// restore reloads the last persisted snapshot of each ring so aggregates
// survive a process restart. A missing or unparseable snapshot starts the
// ring empty.
func (r *Recorder) restore() {
	if r.s == nil {
		return
	}
	loadRing(r.s, searchRuntimeMetaKey, &r.search)
	loadRing(r.s, guardRuntimeMetaKey, &r.guard)
	loadRing(r.s, cleanupRuntimeMetaKey, &r.cleanup)
}

func loadRing[T any](s *store.Store, key string, dst *[]T) {
	raw, ok, err := s.RuntimeMetaGet(key)
	if err != nil || !ok {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		log.Warn("discarding unparseable observability snapshot", "key", key, "err", err)
	}
}

// SlowThresholdMS returns the configured slow-cleanup-query threshold.
func (r *Recorder) SlowThresholdMS() float64 { return r.cfg.SlowQueryMS }

// RecordSearch appends e to the search-event ring, trims to window size,
// and persists the full snapshot under lock.
func (r *Recorder) RecordSearch(e SearchEvent) {
	r.searchMu.Lock()
	defer r.searchMu.Unlock()
	r.search = append(r.search, e)
	if len(r.search) > searchWindowSize {
		r.search = r.search[len(r.search)-searchWindowSize:]
	}
	r.persistLocked(searchRuntimeMetaKey, r.search)
}

// RecordGuard appends e to the guard-event ring.
func (r *Recorder) RecordGuard(e GuardEvent) {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	r.guard = append(r.guard, e)
	if len(r.guard) > guardWindowSize {
		r.guard = r.guard[len(r.guard)-guardWindowSize:]
	}
	r.persistLocked(guardRuntimeMetaKey, r.guard)
}

// RecordCleanupQuery appends e to the cleanup-query-event ring, deriving
// Slow from the configured threshold if the caller left it unset.
func (r *Recorder) RecordCleanupQuery(e CleanupQueryEvent) {
	if e.QueryMS >= r.cfg.SlowQueryMS {
		e.Slow = true
	}
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.cleanup = append(r.cleanup, e)
	if len(r.cleanup) > cleanupWindowSize {
		r.cleanup = r.cleanup[len(r.cleanup)-cleanupWindowSize:]
	}
	r.persistLocked(cleanupRuntimeMetaKey, r.cleanup)
}

// persistLocked replaces the prior runtime_meta snapshot wholesale, so
// concurrent recorders cannot interleave a partial write. Must be called
// with the relevant ring's mutex held.
func (r *Recorder) persistLocked(key string, events any) {
	if r.s == nil {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		log.Warn("failed to marshal observability snapshot", "key", key, "err", err)
		return
	}
	if err := r.s.RuntimeMetaSet(key, string(data)); err != nil {
		log.Warn("failed to persist observability snapshot", "key", key, "err", err)
	}
}

// SearchEvents returns a copy of the current search-event window.
func (r *Recorder) SearchEvents() []SearchEvent {
	r.searchMu.Lock()
	defer r.searchMu.Unlock()
	out := make([]SearchEvent, len(r.search))
	copy(out, r.search)
	return out
}

// GuardEvents returns a copy of the current guard-event window.
func (r *Recorder) GuardEvents() []GuardEvent {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	out := make([]GuardEvent, len(r.guard))
	copy(out, r.guard)
	return out
}

// CleanupQueryEvents returns a copy of the current cleanup-query-event window.
func (r *Recorder) CleanupQueryEvents() []CleanupQueryEvent {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	out := make([]CleanupQueryEvent, len(r.cleanup))
	copy(out, r.cleanup)
	return out
}

// LatencyAggregate holds the derived average/p95/max of a latency sample.
type LatencyAggregate struct {
	Count   int     `json:"count"`
	AvgMS   float64 `json:"avg_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// SearchSummary is the on-demand aggregate over the search-event window.
type SearchSummary struct {
	Latency            LatencyAggregate `json:"latency"`
	DegradedRatio      float64          `json:"degraded_ratio"`
	TopDegradeReasons  []ReasonCount    `json:"top_degrade_reasons"`
	ModeBreakdown      map[string]int   `json:"mode_breakdown"`
	IntentBreakdown    map[string]int   `json:"intent_breakdown"`
}

// ReasonCount is one entry in a top-N degrade-reason breakdown.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// SearchSummaryTopN computes the search aggregate, limiting the
// degrade-reason breakdown to the topN most frequent reasons.
func (r *Recorder) SearchSummaryTopN(topN int) SearchSummary {
	events := r.SearchEvents()

	latencies := make([]float64, 0, len(events))
	degradedCount := 0
	reasonCounts := make(map[string]int)
	modeBreakdown := make(map[string]int)
	intentBreakdown := make(map[string]int)

	for _, e := range events {
		latencies = append(latencies, e.LatencyMS)
		if e.Degraded {
			degradedCount++
		}
		for _, reason := range e.DegradeReasons {
			reasonCounts[reason]++
		}
		modeBreakdown[e.ModeApplied]++
		intentBreakdown[e.Intent]++
	}

	summary := SearchSummary{
		Latency:           computeLatencyAggregate(latencies),
		ModeBreakdown:     modeBreakdown,
		IntentBreakdown:   intentBreakdown,
		TopDegradeReasons: topReasonCounts(reasonCounts, topN),
	}
	if len(events) > 0 {
		summary.DegradedRatio = float64(degradedCount) / float64(len(events))
	}
	return summary
}

// GuardSummary is the on-demand aggregate over the guard-event window.
type GuardSummary struct {
	ActionBreakdown map[string]int `json:"action_breakdown"`
	MethodBreakdown map[string]int `json:"method_breakdown"`
	BlockedRatio    float64        `json:"blocked_ratio"`
	DegradedRatio   float64        `json:"degraded_ratio"`
}

func (r *Recorder) GuardSummary() GuardSummary {
	events := r.GuardEvents()
	actionBreakdown := make(map[string]int)
	methodBreakdown := make(map[string]int)
	blocked, degraded := 0, 0
	for _, e := range events {
		actionBreakdown[e.Action]++
		methodBreakdown[e.Method]++
		if e.Blocked {
			blocked++
		}
		if e.Degraded {
			degraded++
		}
	}
	summary := GuardSummary{ActionBreakdown: actionBreakdown, MethodBreakdown: methodBreakdown}
	if len(events) > 0 {
		summary.BlockedRatio = float64(blocked) / float64(len(events))
		summary.DegradedRatio = float64(degraded) / float64(len(events))
	}
	return summary
}

// CleanupQuerySummary is the on-demand aggregate over the cleanup-query
// event window.
type CleanupQuerySummary struct {
	Latency    LatencyAggregate `json:"latency"`
	SlowRatio  float64          `json:"slow_ratio"`
	FullScanRatio float64       `json:"full_scan_ratio"`
}

func (r *Recorder) CleanupQuerySummary() CleanupQuerySummary {
	events := r.CleanupQueryEvents()
	latencies := make([]float64, 0, len(events))
	slow, fullScan := 0, 0
	for _, e := range events {
		latencies = append(latencies, e.QueryMS)
		if e.Slow {
			slow++
		}
		if e.FullScan {
			fullScan++
		}
	}
	summary := CleanupQuerySummary{Latency: computeLatencyAggregate(latencies)}
	if len(events) > 0 {
		summary.SlowRatio = float64(slow) / float64(len(events))
		summary.FullScanRatio = float64(fullScan) / float64(len(events))
	}
	return summary
}

func computeLatencyAggregate(latencies []float64) LatencyAggregate {
	if len(latencies) == 0 {
		return LatencyAggregate{}
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum, max float64
	for _, l := range sorted {
		sum += l
		if l > max {
			max = l
		}
	}
	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	return LatencyAggregate{
		Count: len(sorted),
		AvgMS: sum / float64(len(sorted)),
		P95MS: sorted[p95Index],
		MaxMS: max,
	}
}

func topReasonCounts(counts map[string]int, topN int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
