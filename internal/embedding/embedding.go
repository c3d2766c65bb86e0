// Package embedding provides the pluggable embedding-vector interface the
// retrieval pipeline and write-guard use for semantic search: a
// deterministic hash-based local backend (no network dependency, always
// available) and a remote HTTP backend guarded by a circuit breaker and a
// rate limiter.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var log = logging.GetLogger("embedding")

// Vector is a dense embedding.
type Vector []float64

// Provider computes an embedding vector for a text, reporting a structured
// degrade reason rather than surfacing raw transport errors.
type Provider interface {
	Embed(ctx context.Context, text string) (vec Vector, degradeReason string, err error)
	Name() string
}

// CosineSimilarity computes cosine similarity between two vectors of equal
// length; mismatched lengths return 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashProvider is a deterministic, dependency-free local embedding backend:
// it hashes each lowercase whitespace-separated token into a fixed-dimension vector. It
// never fails and never degrades; it exists so write_guard/search have a
// working semantic backend with zero external configuration.
type HashProvider struct {
	Dim int
}

func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{Dim: dim}
}

func (h *HashProvider) Name() string { return "hash" }

func (h *HashProvider) Embed(_ context.Context, text string) (Vector, string, error) {
	vec := make(Vector, h.Dim)
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < 8 && i*4+4 <= len(sum); i++ {
			idx := int(sum[i*4])<<24 | int(sum[i*4+1])<<16 | int(sum[i*4+2])<<8 | int(sum[i*4+3])
			if idx < 0 {
				idx = -idx
			}
			bucket := idx % h.Dim
			sign := 1.0
			if sum[i]&1 == 1 {
				sign = -1.0
			}
			vec[bucket] += sign
		}
	}
	normalize(vec)
	return vec, "", nil
}

func normalize(v Vector) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
}

// APIProvider calls a remote embedding HTTP API, wrapped in a circuit
// breaker and a token-bucket rate limiter. Bases ending in "/embeddings"
// are normalized to their parent so appending "/embeddings" below yields
// the intended URL.
type APIProvider struct {
	base    string
	model   string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type APIProviderOptions struct {
	Base             string
	Model            string
	Timeout          time.Duration
	RequestsPerSecond float64
	Burst            int
}

func NewAPIProvider(opts APIProviderOptions) *APIProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 5
	}

	cbSettings := gobreaker.Settings{
		Name:    "embedding-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &APIProvider{
		base:    normalizeBase(opts.Base, "/embeddings"),
		model:   opts.Model,
		client:  &http.Client{Timeout: timeout},
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (a *APIProvider) Name() string { return "api" }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (a *APIProvider) Embed(ctx context.Context, text string) (Vector, string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, "embedding_request_failed:rate_limited", err
	}

	result, err := a.cb.Execute(func() (any, error) {
		body, err := json.Marshal(embedRequest{Model: a.model, Input: text})
		if err != nil {
			return nil, err
		}
		url := a.base + "/embeddings"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("embedding api status %d", resp.StatusCode)
		}

		var out embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return Vector(out.Embedding), nil
	})
	if err != nil {
		log.Warn("embedding api call failed", "err", err)
		return nil, "embedding_request_failed:" + shortCause(err), err
	}
	return result.(Vector), "", nil
}

// normalizeBase strips a trailing suffix (e.g. "/embeddings", "/rerank")
// from a configured API base so callers can always append the canonical
// suffix without doubling it.
func normalizeBase(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, suffix) {
		return strings.TrimSuffix(base, suffix)
	}
	return base
}

func shortCause(err error) string {
	msg := err.Error()
	if len(msg) > 64 {
		msg = msg[:64]
	}
	return strings.ReplaceAll(msg, " ", "_")
}

// Resolve builds the configured provider: "none" returns nil (semantic
// search is unavailable and callers must degrade), "hash" returns a
// HashProvider, "api" returns an APIProvider.
func Resolve(backend, base, model string, dim int) Provider {
	switch backend {
	case "none":
		return nil
	case "api":
		return NewAPIProvider(APIProviderOptions{Base: base, Model: model})
	default:
		return NewHashProvider(dim)
	}
}
