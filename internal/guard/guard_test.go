package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyphamind/hyphamind/internal/embedding"
	"github.com/hyphamind/hyphamind/internal/llmarbiter"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

func newTestEngine(t *testing.T, arb Arbiter) (*Engine, *memnode.Engine) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mem := memnode.New(s)
	e := New(s, mem, Options{Embedder: embedding.NewHashProvider(32), Arbiter: arb})
	return e, mem
}

type stubArbiter struct {
	verdict *llmarbiter.GuardVerdict
	err     error
}

func (s *stubArbiter) Arbitrate(ctx context.Context, content string, candidates []llmarbiter.GuardCandidate) (*llmarbiter.GuardVerdict, error) {
	return s.verdict, s.err
}

func TestEvaluateDeterministicADD(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	d, err := e.Evaluate(context.Background(), "brand new content nobody has seen", "core", "", 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != ActionAdd {
		t.Fatalf("expected ADD with no prior candidates, got %+v", d)
	}
}

func TestEvaluateDeterministicNOOPAndSelfExclusion(t *testing.T) {
	e, mem := newTestEngine(t, nil)

	if _, err := mem.CreateMemory("", "hello world", 5, "greeting", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	t.Run("IdenticalContentIsNOOP", func(t *testing.T) {
		d, err := e.Evaluate(context.Background(), "hello world", "core", "", 0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Action != ActionNoop {
			t.Fatalf("expected NOOP for identical content, got %+v", d)
		}
	})

	t.Run("ExcludeMemoryIDSkipsSelf", func(t *testing.T) {
		m, err := mem.GetMemoryByPath("greeting", "core")
		if err != nil || m == nil {
			t.Fatalf("GetMemoryByPath: %v %+v", err, m)
		}
		d, err := e.Evaluate(context.Background(), "hello world", "core", "", m.ID)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Action != ActionAdd || d.TargetID != nil {
			t.Fatalf("expected ADD with no target when self excluded, got %+v", d)
		}
	})
}

func TestEvaluateBothSubCallsFail(t *testing.T) {
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	mem := memnode.New(s)
	e := New(s, mem, Options{Embedder: nil}) // no embedder: semantic sub-call always errors
	s.Close()                               // closed store: keyword sub-call errors too

	d, err := e.Evaluate(context.Background(), "anything", "core", "", 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != ActionAdd || d.Method != MethodFallback || !d.Degraded {
		t.Fatalf("expected fallback ADD when both sub-calls fail, got %+v", d)
	}
	var sawKeyword, sawSemantic bool
	for _, r := range d.DegradeReasons {
		if strings.HasPrefix(r, "write_guard_keyword_failed:") {
			sawKeyword = true
		}
		if strings.HasPrefix(r, "write_guard_semantic_failed:") {
			sawSemantic = true
		}
	}
	if !sawKeyword || !sawSemantic {
		t.Fatalf("expected both sub-call degrade reasons, got %v", d.DegradeReasons)
	}
}

func TestEvaluateArbitration(t *testing.T) {
	t.Run("ValidVerdictIsUsed", func(t *testing.T) {
		targetID := int64(1)
		e, mem := newTestEngine(t, &stubArbiter{verdict: &llmarbiter.GuardVerdict{
			Action: "DELETE", TargetID: &targetID, Reason: "superseded", Method: "llm",
		}})
		if _, err := mem.CreateMemory("", "existing memory", 5, "existing", "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}

		d, err := e.Evaluate(context.Background(), "new content", "core", "", 0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Action != ActionDelete || d.Method != MethodLLM {
			t.Fatalf("expected the arbiter's DELETE verdict to be used, got %+v", d)
		}
	})

	t.Run("InvalidActionFallsThroughToDeterministic", func(t *testing.T) {
		e, mem := newTestEngine(t, &stubArbiter{verdict: &llmarbiter.GuardVerdict{Action: "NOT_A_REAL_ACTION"}})
		if _, err := mem.CreateMemory("", "existing memory", 5, "existing", "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}

		d, err := e.Evaluate(context.Background(), "something unique entirely", "core", "", 0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Action != ActionAdd {
			t.Fatalf("expected fallback to deterministic ADD, got %+v", d)
		}
		found := false
		for _, r := range d.DegradeReasons {
			if r == "write_guard_llm_action_invalid" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected write_guard_llm_action_invalid degrade reason, got %+v", d.DegradeReasons)
		}
	})

	t.Run("ArbiterErrorFallsThrough", func(t *testing.T) {
		e, mem := newTestEngine(t, &stubArbiter{err: errors.New("boom")})
		if _, err := mem.CreateMemory("", "existing memory", 5, "existing", "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}

		d, err := e.Evaluate(context.Background(), "something else unique", "core", "", 0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Action != ActionAdd {
			t.Fatalf("expected fallback ADD, got %+v", d)
		}
	})
}
