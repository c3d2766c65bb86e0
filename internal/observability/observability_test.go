package observability

import (
	"testing"
	"time"

	"github.com/hyphamind/hyphamind/internal/store"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, Config{})
}

func TestRecordSearchTrimsToWindowSize(t *testing.T) {
	r := newTestRecorder(t)
	for i := 0; i < searchWindowSize+50; i++ {
		r.RecordSearch(SearchEvent{Timestamp: time.Now(), ModeApplied: "hybrid"})
	}
	if got := len(r.SearchEvents()); got != searchWindowSize {
		t.Fatalf("expected window capped at %d, got %d", searchWindowSize, got)
	}
}

func TestRecordCleanupQueryMarksSlow(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordCleanupQuery(CleanupQueryEvent{QueryMS: 500})
	events := r.CleanupQueryEvents()
	if len(events) != 1 || !events[0].Slow {
		t.Fatalf("expected event marked slow above default threshold, got %+v", events)
	}
}

func TestSearchSummaryComputesAggregate(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordSearch(SearchEvent{LatencyMS: 10, ModeApplied: "keyword", Intent: "factual"})
	r.RecordSearch(SearchEvent{LatencyMS: 20, ModeApplied: "keyword", Intent: "factual", Degraded: true, DegradeReasons: []string{"embedding_fallback_hash"}})
	r.RecordSearch(SearchEvent{LatencyMS: 30, ModeApplied: "hybrid", Intent: "causal"})

	summary := r.SearchSummaryTopN(5)
	if summary.Latency.Count != 3 {
		t.Fatalf("expected 3 latency samples, got %d", summary.Latency.Count)
	}
	if summary.Latency.AvgMS != 20 {
		t.Fatalf("expected avg latency 20, got %f", summary.Latency.AvgMS)
	}
	if summary.ModeBreakdown["keyword"] != 2 {
		t.Fatalf("expected keyword mode count 2, got %d", summary.ModeBreakdown["keyword"])
	}
	if len(summary.TopDegradeReasons) != 1 || summary.TopDegradeReasons[0].Reason != "embedding_fallback_hash" {
		t.Fatalf("unexpected top degrade reasons: %+v", summary.TopDegradeReasons)
	}
	if summary.DegradedRatio <= 0.32 || summary.DegradedRatio >= 0.34 {
		t.Fatalf("expected degraded ratio ~0.333, got %f", summary.DegradedRatio)
	}
}

func TestGuardSummaryBreakdowns(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordGuard(GuardEvent{Action: "ADD", Method: "embedding"})
	r.RecordGuard(GuardEvent{Action: "NOOP", Method: "embedding", Blocked: true})

	summary := r.GuardSummary()
	if summary.ActionBreakdown["ADD"] != 1 || summary.ActionBreakdown["NOOP"] != 1 {
		t.Fatalf("unexpected action breakdown: %+v", summary.ActionBreakdown)
	}
	if summary.BlockedRatio != 0.5 {
		t.Fatalf("expected blocked ratio 0.5, got %f", summary.BlockedRatio)
	}
}

func TestPersistsSnapshotToRuntimeMeta(t *testing.T) {
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()
	r := New(s, Config{})

	r.RecordSearch(SearchEvent{LatencyMS: 5})

	raw, ok, err := s.RuntimeMetaGet(searchRuntimeMetaKey)
	if err != nil {
		t.Fatalf("RuntimeMetaGet: %v", err)
	}
	if !ok || raw == "" {
		t.Fatalf("expected a persisted snapshot under %s", searchRuntimeMetaKey)
	}
}
