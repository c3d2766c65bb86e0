package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/hyphamind/hyphamind/internal/embedding"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
	"github.com/hyphamind/hyphamind/internal/vitality"
)

func newTestEngine(t *testing.T) (*Engine, *memnode.Engine) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mem := memnode.New(s)
	vit := vitality.New(s, mem, vitality.DecayCoordinatorConfig{CheckInterval: time.Minute}, time.Hour, 100)
	e := New(s, Options{
		Embedder: embedding.NewHashProvider(32),
		Vitality: vit,
	})
	return e, mem
}

func TestSearchEmptyQueryDegrades(t *testing.T) {
	e, _ := newTestEngine(t)
	resp := e.Search(context.Background(), Query{Query: "  "})
	if !resp.Degraded {
		t.Fatalf("expected degraded response for empty query")
	}
	if len(resp.DegradeReasons) != 1 || resp.DegradeReasons[0] != ReasonEmptyQuery {
		t.Fatalf("expected %s degrade reason, got %v", ReasonEmptyQuery, resp.DegradeReasons)
	}
}

func TestSearchKeywordFindsCreatedMemory(t *testing.T) {
	e, mem := newTestEngine(t)
	if _, err := mem.CreateMemory("", "the quick brown fox jumps over the lazy dog", 5, "fox", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	resp := e.Search(context.Background(), Query{Query: "quick brown fox", Mode: ModeKeyword, MaxResults: 5})
	if len(resp.Results) == 0 {
		t.Fatalf("expected at least one keyword result")
	}
	if resp.Results[0].URI != "core://fox" {
		t.Fatalf("expected core://fox, got %s", resp.Results[0].URI)
	}
}

func TestSearchHybridMergesAndDedupes(t *testing.T) {
	e, mem := newTestEngine(t)
	if _, err := mem.CreateMemory("", "go concurrency patterns with channels", 5, "concurrency", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := mem.CreateMemory("", "a totally unrelated note about gardening", 5, "gardening", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	resp := e.Search(context.Background(), Query{Query: "go channels", Mode: ModeHybrid, MaxResults: 5})
	seen := make(map[string]bool)
	for _, r := range resp.Results {
		if seen[r.URI] {
			t.Fatalf("duplicate uri %s in merged results", r.URI)
		}
		seen[r.URI] = true
	}
}

func TestClassifyIntentDrivesCandidateMultiplier(t *testing.T) {
	e, mem := newTestEngine(t)
	if _, err := mem.CreateMemory("", "why did the deploy fail because of a bad config", 5, "deploy", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	resp := e.Search(context.Background(), Query{Query: "why did it fail", Mode: ModeKeyword, MaxResults: 5, CandidateMultiplier: 1})
	if resp.Metadata.Intent != string(IntentCausal) {
		t.Fatalf("expected causal intent, got %s", resp.Metadata.Intent)
	}
	if resp.Metadata.CandidateMultiplierApplied != 8 {
		t.Fatalf("expected candidate multiplier 8 for causal intent, got %d", resp.Metadata.CandidateMultiplierApplied)
	}
}

func TestSearchLegacyCallingConventionStillClassifies(t *testing.T) {
	e, mem := newTestEngine(t)
	if _, err := mem.CreateMemory("", "when did we last deploy yesterday", 5, "deploy-time", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	resp := e.Search(context.Background(), Query{Query: "when was yesterday", Mode: ModeKeyword, MaxResults: 5})
	if resp.Metadata.Intent == "" {
		t.Fatalf("expected intent classification to run under legacy calling convention")
	}
	if !resp.Metadata.IntentApplied {
		t.Fatalf("expected IntentApplied true when no intent_profile is supplied")
	}
}

func TestSearchUnsupportedIntentProfileDegrades(t *testing.T) {
	e, mem := newTestEngine(t)
	if _, err := mem.CreateMemory("", "some content", 5, "thing", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	bogus := "not_a_real_template"
	resp := e.Search(context.Background(), Query{Query: "some content", Mode: ModeKeyword, MaxResults: 5, IntentProfile: &bogus})
	found := false
	for _, r := range resp.DegradeReasons {
		if r == ReasonIntentNotSupported {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s degrade reason, got %v", ReasonIntentNotSupported, resp.DegradeReasons)
	}
}
