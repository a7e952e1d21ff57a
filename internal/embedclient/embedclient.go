// Package embedclient produces batch dense vectors for step text. Grounded
// on pkg/ollama/embed.go's HTTP embedding call shape, rate-limited the way
// engine/scraper/youtube.go throttles its own outbound calls, and circuit
// broken the way pkg/resilience.Breaker guards a flaky dependency.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/debian777/kairos-mcp-sub003/pkg/fn"
	"github.com/debian777/kairos-mcp-sub003/pkg/resilience"
)

// embedRetry governs retries of a single embed HTTP attempt: at most two
// attempts with a short backoff between them. Each attempt is bounded by
// the HTTP client's own timeout, so one EmbedBatch call can take up to
// about twice that timeout.
var embedRetry = fn.RetryOpts{MaxAttempts: 2, InitialWait: 100 * time.Millisecond, MaxWait: 500 * time.Millisecond, Jitter: true}

// Client calls an external embedding HTTP service with a request/response
// contract: `{model, input: []string}` -> `{embeddings: [][]float32}`.
type Client struct {
	baseURL   string
	model     string
	dimension int
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	Model       string
	Dimension   int
	RatePerSec  float64
	Burst       int
	HTTPTimeout time.Duration
}

// New builds a Client from Config, defaulting HTTPTimeout to 5s (spec §5's
// embedding-call deadline).
func New(cfg Config) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

// Dimension reports the embedding width this client produces.
func (c *Client) Dimension() int { return c.dimension }

// Healthy reports whether the embedding service looks reachable, based on
// the circuit breaker guarding EmbedBatch's HTTP calls: an open breaker
// means recent calls failed past the failure threshold.
func (c *Client) Healthy() bool {
	return c.breaker.State() != resilience.StateOpen
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds every string in texts with a single call. On any
// failure it does not error: it returns a zero-vector fallback per text so
// the caller can still store the step (spec §4.5's degrade-open policy).
// The bool return reports whether real embeddings were produced.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, bool) {
	if len(texts) == 0 {
		return nil, true
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.zeroVectors(len(texts)), false
	}

	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.Retry(ctx, embedRetry, func(ctx context.Context) fn.Result[[][]float32] {
			return c.attempt(ctx, texts)
		})
	})
	embeddings, err := result.Unwrap()
	if err != nil {
		return c.zeroVectors(len(texts)), false
	}
	return embeddings, true
}

// attempt makes a single embedding HTTP call.
func (c *Client) attempt(ctx context.Context, texts []string) fn.Result[[][]float32] {
	body, err := json.Marshal(embedReq{Model: c.model, Input: texts})
	if err != nil {
		return fn.Err[[][]float32](err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return fn.Err[[][]float32](err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fn.Err[[][]float32](err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fn.Err[[][]float32](fmt.Errorf("embedding service returned %d", resp.StatusCode))
	}

	var decoded embedResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fn.Err[[][]float32](err)
	}
	if len(decoded.Embeddings) != len(texts) {
		return fn.Err[[][]float32](fmt.Errorf("expected %d embeddings, got %d", len(texts), len(decoded.Embeddings)))
	}
	return fn.Ok(decoded.Embeddings)
}

func (c *Client) zeroVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, c.dimension)
	}
	return out
}

// Err wraps an embedding failure for callers that want to log the
// degraded-quality fallback (never surfaced to the caller as an error).
func Err(cause error) error {
	return fmt.Errorf("embedding degraded, using zero vectors: %w", cause)
}
