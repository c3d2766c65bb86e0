package vitality

import (
	"testing"
	"time"

	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *memnode.Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mem := memnode.New(s)
	e := New(s, mem, DecayCoordinatorConfig{CheckInterval: time.Millisecond}, time.Minute, 10)
	return e, mem, s
}

func TestReinforceAccess(t *testing.T) {
	e, mem, s := newTestEngine(t)
	res, err := mem.CreateMemory("", "hello world", 5, "note", "default", "")
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	e.ReinforceAccess([]int64{res.ID})

	var accessCount int64
	var vitality float64
	if err := s.DB().QueryRow(`SELECT access_count, vitality_score FROM memories WHERE id = ?`, res.ID).Scan(&accessCount, &vitality); err != nil {
		t.Fatalf("query: %v", err)
	}
	if accessCount != 1 {
		t.Fatalf("expected access_count 1, got %d", accessCount)
	}

	t.Run("CapsAtVitalityCap", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			e.ReinforceAccess([]int64{res.ID})
		}
		var vit float64
		s.DB().QueryRow(`SELECT vitality_score FROM memories WHERE id = ?`, res.ID).Scan(&vit)
		if vit > VitalityCap {
			t.Fatalf("expected vitality capped at %v, got %v", VitalityCap, vit)
		}
	})

	t.Run("SkipsNonPositiveIDs", func(t *testing.T) {
		// Should not panic or error; no-ops silently.
		e.ReinforceAccess([]int64{0, -5})
	})
}

func TestApplyVitalityDecaySingleFlight(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	if _, err := mem.CreateMemory("", "content", 5, "note", "default", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	first, err := e.ApplyVitalityDecay(false, "test")
	if err != nil {
		t.Fatalf("ApplyVitalityDecay: %v", err)
	}
	if !first.Applied {
		t.Fatalf("expected first call to apply, got %+v", first)
	}

	second, err := e.ApplyVitalityDecay(false, "test")
	if err != nil {
		t.Fatalf("ApplyVitalityDecay: %v", err)
	}
	if second.Applied || second.Reason != "already_applied_today" {
		t.Fatalf("expected second same-day call to be a no-op, got %+v", second)
	}

	forced, err := e.ApplyVitalityDecay(true, "force")
	if err != nil {
		t.Fatalf("ApplyVitalityDecay forced: %v", err)
	}
	if !forced.Applied {
		t.Fatalf("expected forced call to apply regardless of same-day guard, got %+v", forced)
	}
}

func TestCleanupCandidatesAndPrepareConfirm(t *testing.T) {
	e, mem, s := newTestEngine(t)
	res, err := mem.CreateMemory("", "stale content", 5, "note", "default", "")
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	// Push the memory below threshold and far enough in the past to qualify.
	if _, err := s.DB().Exec(
		`UPDATE memories SET vitality_score = 0.1, last_accessed_at = datetime('now', '-30 days') WHERE id = ?`,
		res.ID,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	t.Run("CandidateQueryFindsLowVitalityMemory", func(t *testing.T) {
		result, err := e.GetVitalityCleanupCandidates(1.0, 7, "", "", 10)
		if err != nil {
			t.Fatalf("GetVitalityCleanupCandidates: %v", err)
		}
		if len(result.Candidates) != 1 || result.Candidates[0].MemoryID != res.ID {
			t.Fatalf("expected one candidate for memory %d, got %+v", res.ID, result.Candidates)
		}
	})

	t.Run("PrepareConfirmDeletesOrphan", func(t *testing.T) {
		result, err := e.GetVitalityCleanupCandidates(1.0, 7, "", "", 10)
		if err != nil || len(result.Candidates) != 1 {
			t.Fatalf("candidates: %v %+v", err, result)
		}
		c := result.Candidates[0]
		if _, err := mem.RemovePath("note", "default"); err != nil {
			t.Fatalf("RemovePath: %v", err)
		}

		// State changed (orphaned) since the candidate snapshot; Prepare
		// must detect the stale hash.
		_, err = e.Prepare("delete", []CleanupSelection{{
			MemoryID: c.MemoryID, StateHash: c.StateHash, CanDelete: true,
		}}, "tester", 0)
		if err == nil {
			t.Fatal("expected prepare to reject a stale state hash")
		}

		fresh, err := mem.StateHash(c.MemoryID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		prep, err := e.Prepare("delete", []CleanupSelection{{
			MemoryID: c.MemoryID, StateHash: fresh, CanDelete: true,
		}}, "tester", 0)
		if err != nil {
			t.Fatalf("Prepare: %v", err)
		}

		outcome, err := e.Confirm(prep.Review.ReviewID, prep.Review.Token, prep.Review.ConfirmationPhrase)
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if len(outcome.Deleted) != 1 || outcome.Deleted[0] != c.MemoryID {
			t.Fatalf("expected memory %d deleted, got %+v", c.MemoryID, outcome)
		}
	})

	t.Run("ConfirmRejectsReuseOfConsumedReview", func(t *testing.T) {
		res2, err := mem.CreateMemory("", "another", 5, "note2", "default", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		hash, err := mem.StateHash(res2.ID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		prep, err := e.Prepare("keep", []CleanupSelection{{MemoryID: res2.ID, StateHash: hash}}, "tester", 0)
		if err != nil {
			t.Fatalf("Prepare: %v", err)
		}
		if _, err := e.Confirm(prep.Review.ReviewID, prep.Review.Token, prep.Review.ConfirmationPhrase); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if _, err := e.Confirm(prep.Review.ReviewID, prep.Review.Token, prep.Review.ConfirmationPhrase); err == nil {
			t.Fatal("expected second confirm of a consumed review to fail")
		}
	})
}
