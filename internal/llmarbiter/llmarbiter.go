// Package llmarbiter wraps the Anthropic API for the two LLM-backed
// integration points: write-guard arbitration (structured
// ADD/UPDATE/NOOP/DELETE decisions over a candidate pool) and sleep-time
// gist generation (compact_context / fragment rollup summaries).
//
// The client wraps each call with retry-with-backoff, context-deadline
// short-circuiting, and status-code retry classification.
package llmarbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var log = logging.GetLogger("llmarbiter")

const (
	maxRetries     = 2
	initialBackoff = 500 * time.Millisecond
	defaultModel   = "claude-3-5-haiku-20241022"
)

// Client wraps an Anthropic chat-completion client for a single configured
// purpose (guard arbitration or gist generation).
type Client struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *rate.Limiter
}

// New constructs a Client. baseURL may be empty, in which case the SDK
// talks to the default Anthropic endpoint; the API key always comes from
// ANTHROPIC_API_KEY in the environment. The client self-throttles to a
// modest request rate so a burst of guard evaluations or gist requests
// cannot storm the API.
func New(baseURL, model string) *Client {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client:  anthropic.NewClient(opts...),
		model:   anthropic.Model(model),
		limiter: rate.NewLimiter(rate.Limit(3), 3),
	}
}

// GuardCandidate is one item in the write-guard candidate pool presented to
// the arbiter.
type GuardCandidate struct {
	ID      int64
	URI     string
	Content string
	Score   float64
}

// GuardVerdict is the structured decision the arbiter must emit as JSON.
type GuardVerdict struct {
	Action   string `json:"action"`
	TargetID *int64 `json:"target_id,omitempty"`
	Reason   string `json:"reason"`
	Method   string `json:"method"`
}

var validActions = map[string]bool{"ADD": true, "UPDATE": true, "NOOP": true, "DELETE": true, "BYPASS": true}

// Arbitrate sends content plus the top-K candidates to the LLM and parses
// its structured verdict. Any failure (transport, invalid JSON, invalid
// action) is returned as an error; callers fall back to the deterministic
// rule.
func (c *Client) Arbitrate(ctx context.Context, content string, candidates []GuardCandidate) (*GuardVerdict, error) {
	prompt := buildGuardPrompt(content, candidates)
	raw, err := c.callWithRetry(ctx, prompt, 256)
	if err != nil {
		return nil, fmt.Errorf("llm arbitration call failed: %w", err)
	}

	var verdict GuardVerdict
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		return nil, fmt.Errorf("llm arbitration returned unparseable json: %w", err)
	}
	if !validActions[verdict.Action] {
		return nil, fmt.Errorf("write_guard_llm_action_invalid: %q", verdict.Action)
	}
	verdict.Method = "llm"
	return &verdict, nil
}

func buildGuardPrompt(content string, candidates []GuardCandidate) string {
	var b strings.Builder
	b.WriteString("You are a memory store's write-admission arbiter. Given new content and candidate existing memories, decide whether to ADD a new memory, UPDATE an existing one, treat it as a NOOP duplicate, or DELETE a stale one.\n\n")
	fmt.Fprintf(&b, "New content:\n%s\n\n", content)
	b.WriteString("Candidates:\n")
	for _, cand := range candidates {
		fmt.Fprintf(&b, "- id=%d uri=%s score=%.3f content=%s\n", cand.ID, cand.URI, cand.Score, truncate(cand.Content, 200))
	}
	b.WriteString("\nRespond with ONLY a JSON object: {\"action\": \"ADD|UPDATE|NOOP|DELETE\", \"target_id\": <id or null>, \"reason\": \"...\"}")
	return b.String()
}

// GistRequest asks the LLM to produce a short gist for stored content.
type GistRequest struct {
	Snippets []string
	MaxWords int
}

// Gist generates an LLM-authored summary. Callers fall back to
// extractive/sentence/truncate strategies on error.
func (c *Client) Gist(ctx context.Context, req GistRequest) (string, error) {
	maxWords := req.MaxWords
	if maxWords <= 0 {
		maxWords = 60
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following memory fragments into a single gist of at most %d words. Respond with the gist text only, no preamble.\n\n", maxWords)
	for i, s := range req.Snippets {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(s, 400))
	}

	raw, err := c.callWithRetry(ctx, b.String(), 256)
	if err != nil {
		return "", fmt.Errorf("llm gist call failed: %w", err)
	}
	return strings.TrimSpace(raw), nil
}

func (c *Client) callWithRetry(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit wait: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", block.Type)
			}
			return block.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// extractJSON trims any leading/trailing prose around a JSON object, since
// models occasionally wrap the answer in a sentence despite instructions.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
