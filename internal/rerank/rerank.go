// Package rerank provides the optional reranker used by the retrieval
// pipeline's "optional rerank" stage: POST {query, documents} to a remote
// API, normalizing a configured base ending in "/rerank" the same way
// internal/embedding normalizes "/embeddings" bases.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var log = logging.GetLogger("rerank")

// Document is one candidate passed to the reranker, keyed by URI so the
// pipeline can re-attach scores to its original result set.
type Document struct {
	URI  string
	Text string
}

// Result is a reranked score for one document.
type Result struct {
	URI   string
	Score float64
}

// Provider reranks a result set. Failure must never be fatal: callers
// should fall back to pre-rerank order and record reranker_request_failed.
type Provider interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Result, error)
}

// APIProvider calls a remote rerank HTTP API.
type APIProvider struct {
	base    string
	model   string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type APIProviderOptions struct {
	Base              string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
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
	return &APIProvider{
		base:  normalizeBase(opts.Base, "/rerank"),
		model: opts.Model,
		client: &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "reranker-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponseItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResponseItem `json:"results"`
}

func (a *APIProvider) Rerank(ctx context.Context, query string, docs []Document) ([]Result, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("reranker rate limit wait: %w", err)
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	result, err := a.cb.Execute(func() (any, error) {
		body, err := json.Marshal(rerankRequest{Model: a.model, Query: query, Documents: texts})
		if err != nil {
			return nil, err
		}
		url := a.base + "/rerank"
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
			return nil, fmt.Errorf("reranker api status %d", resp.StatusCode)
		}

		var out rerankResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Results, nil
	})
	if err != nil {
		log.Warn("reranker api call failed", "err", err)
		return nil, err
	}

	items := result.([]rerankResponseItem)
	out := make([]Result, 0, len(items))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(docs) {
			continue
		}
		out = append(out, Result{URI: docs[it.Index].URI, Score: it.Score})
	}
	return out, nil
}

func normalizeBase(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, suffix) {
		return strings.TrimSuffix(base, suffix)
	}
	return base
}
