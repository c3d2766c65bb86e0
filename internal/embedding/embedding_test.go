package embedding

import (
	"context"
	"testing"
)

func TestHashProviderEmbed(t *testing.T) {
	t.Run("DeterministicForSameInput", func(t *testing.T) {
		p := NewHashProvider(64)
		v1, _, err := p.Embed(context.Background(), "hello world")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		v2, _, err := p.Embed(context.Background(), "hello world")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if len(v1) != 64 || len(v2) != 64 {
			t.Fatalf("expected dim 64, got %d and %d", len(v1), len(v2))
		}
		for i := range v1 {
			if v1[i] != v2[i] {
				t.Fatalf("expected deterministic output, differed at index %d", i)
			}
		}
	})

	t.Run("DifferentTextsDiffer", func(t *testing.T) {
		p := NewHashProvider(64)
		v1, _, _ := p.Embed(context.Background(), "hello world")
		v2, _, _ := p.Embed(context.Background(), "goodbye moon")
		if CosineSimilarity(v1, v2) > 0.99 {
			t.Fatal("expected distinguishable embeddings for distinct texts")
		}
	})

	t.Run("DefaultsDimWhenNonPositive", func(t *testing.T) {
		p := NewHashProvider(0)
		if p.Dim != 256 {
			t.Fatalf("expected default dim 256, got %d", p.Dim)
		}
	})
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("IdenticalVectorsScoreOne", func(t *testing.T) {
		v := Vector{1, 2, 3}
		sim := CosineSimilarity(v, v)
		if sim < 0.999 {
			t.Fatalf("expected ~1.0, got %f", sim)
		}
	})

	t.Run("MismatchedLengthsScoreZero", func(t *testing.T) {
		if CosineSimilarity(Vector{1, 2}, Vector{1, 2, 3}) != 0 {
			t.Fatal("expected 0 for mismatched lengths")
		}
	})
}

func TestNormalizeBase(t *testing.T) {
	t.Run("StripsTrailingEmbeddingsSuffix", func(t *testing.T) {
		got := normalizeBase("https://api.example.com/v1/embeddings", "/embeddings")
		if got != "https://api.example.com/v1" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("LeavesBaseWithoutSuffixUnchanged", func(t *testing.T) {
		got := normalizeBase("https://api.example.com/v1", "/embeddings")
		if got != "https://api.example.com/v1" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestResolve(t *testing.T) {
	t.Run("NoneReturnsNilProvider", func(t *testing.T) {
		if Resolve("none", "", "", 0) != nil {
			t.Fatal("expected nil provider for backend none")
		}
	})

	t.Run("HashReturnsHashProvider", func(t *testing.T) {
		p := Resolve("hash", "", "", 128)
		if p == nil || p.Name() != "hash" {
			t.Fatalf("expected hash provider, got %v", p)
		}
	})

	t.Run("APIReturnsAPIProvider", func(t *testing.T) {
		p := Resolve("api", "https://example.com", "model-x", 0)
		if p == nil || p.Name() != "api" {
			t.Fatalf("expected api provider, got %v", p)
		}
	})
}
