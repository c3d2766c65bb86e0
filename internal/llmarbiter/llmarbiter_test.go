package llmarbiter

import (
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	t.Run("StripsSurroundingProse", func(t *testing.T) {
		got := extractJSON(`Sure, here you go: {"action":"ADD"} -- hope that helps`)
		if got != `{"action":"ADD"}` {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("PassesThroughBareJSON", func(t *testing.T) {
		got := extractJSON(`{"action":"NOOP"}`)
		if got != `{"action":"NOOP"}` {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("ReturnsInputWhenNoBracesFound", func(t *testing.T) {
		got := extractJSON("no json here")
		if got != "no json here" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestBuildGuardPrompt(t *testing.T) {
	t.Run("IncludesContentAndCandidates", func(t *testing.T) {
		prompt := buildGuardPrompt("hello world", []GuardCandidate{
			{ID: 1, URI: "core://note", Content: "hello", Score: 0.9},
		})
		if !containsAll(prompt, "hello world", "core://note", "id=1") {
			t.Fatalf("prompt missing expected fragments: %s", prompt)
		}
	})
}

func TestTruncate(t *testing.T) {
	t.Run("ShortStringsUnchanged", func(t *testing.T) {
		if truncate("hi", 10) != "hi" {
			t.Fatal("expected short string unchanged")
		}
	})

	t.Run("LongStringsGetEllipsis", func(t *testing.T) {
		got := truncate("abcdefghij", 4)
		if got != "abcd..." {
			t.Fatalf("got %q", got)
		}
	})
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
