// Package llmfabric implements the LLM call fabric (§4.6): priority queue
// admission, rate limiting, connection pooling, circuit breaking, a
// multi-model fallback chain with prompt degradation, and cost tracking,
// composed around a pluggable Provider.
package llmfabric

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/internal/breaker"
	"github.com/contentforge/engine/internal/ledger"
	"github.com/contentforge/engine/internal/pool"
	"github.com/contentforge/engine/internal/queue"
	"github.com/contentforge/engine/infrastructure/ratelimit"
)

// Usage is provider-reported token accounting, when available.
type Usage struct {
	PromptTokens int64
	OutputTokens int64
}

// Response is a single provider call's result.
type Response struct {
	Text  string
	Usage *Usage
}

// Provider is the external LLM collaborator. A MOCK_MODE stub and a real
// HTTP-backed client both satisfy this.
type Provider interface {
	Generate(ctx context.Context, session pool.Session, prompt, model string) (Response, error)
}

// Request describes one generate() call.
type Request struct {
	ProjectID      string
	Priority       queue.Priority
	MaxRetries     int
	PreferredModel string
	Prompt         string
}

// Result is generate()'s output: the normalised text, the model that
// produced it, whether any fallback/degradation occurred, and the tokens
// billed to the ledger.
type Result struct {
	Text           string
	ModelUsed      string
	IsFallbackMode bool
	TokensUsed     int64
}

// Config wires the fallback chain and per-model strictness.
type Config struct {
	FallbackChain []string
	StrictModels  map[string]bool
	MaxRetries    int
	BaseDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FallbackChain: []string{"gemini-pro", "gemini-flash", "gemini-flash-lite"},
		StrictModels:  map[string]bool{"gemini-flash-lite": true},
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
	}
}

// Fabric composes the priority queue, rate limiter, connection pool, circuit
// breaker, and cost ledger into the single generate() entry point described
// in §4.6.
type Fabric struct {
	cfg      Config
	queue    *queue.Queue
	limiter  *ratelimit.RateLimiter
	pool     *pool.Pool
	breaker  *breaker.Breaker
	ledger   *ledger.Ledger
	provider Provider
}

func New(cfg Config, q *queue.Queue, limiter *ratelimit.RateLimiter, p *pool.Pool, cb *breaker.Breaker, led *ledger.Ledger, provider Provider) *Fabric {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if len(cfg.FallbackChain) == 0 {
		cfg.FallbackChain = DefaultConfig().FallbackChain
	}
	return &Fabric{cfg: cfg, queue: q, limiter: limiter, pool: p, breaker: cb, ledger: led, provider: provider}
}

// Generate runs a single prompt through the fabric: admission, rate
// limiting, pooled acquisition, then the model fallback loop.
func (f *Fabric) Generate(ctx context.Context, req Request) (*Result, error) {
	release, err := f.queue.Enqueue(req.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	session, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(ctx, session)

	chain := f.orderedChain(req.PreferredModel)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = f.cfg.MaxRetries
	}

	var lastErr error
	for idx, model := range chain {
		isFallback := idx > 0
		strict := f.cfg.StrictModels[model]
		prompt := req.Prompt
		if isFallback || strict {
			prompt = degradePrompt(prompt, strict)
		}

		text, usage, err := f.callWithRetry(ctx, session, prompt, model, maxRetries)
		if err == nil {
			tokens := countTokens(prompt, text, usage)
			f.ledger.Record(model, tokens)
			return &Result{
				Text:           normalizeResponse(text),
				ModelUsed:      model,
				IsFallbackMode: isFallback,
				TokensUsed:     tokens,
			}, nil
		}
		lastErr = err
	}

	return nil, svcerrors.ExternalAPIError("llm_fabric", fmt.Errorf("all models failed, last error: %w", lastErr))
}

// orderedChain rotates the configured fallback chain to start at
// preferredModel (or the head of the chain, if unset or unrecognised).
func (f *Fabric) orderedChain(preferredModel string) []string {
	chain := f.cfg.FallbackChain
	if preferredModel == "" {
		return chain
	}
	for i, m := range chain {
		if m == preferredModel {
			ordered := make([]string, 0, len(chain))
			ordered = append(ordered, chain[i:]...)
			ordered = append(ordered, chain[:i]...)
			return ordered
		}
	}
	return chain
}

// callWithRetry retries a single model up to maxRetries times with
// decorrelated-jitter exponential backoff: base · 2^(n−1) · [0.5,1.0).
func (f *Fabric) callWithRetry(ctx context.Context, session pool.Session, prompt, model string, maxRetries int) (string, *Usage, error) {
	var text string
	var usage *Usage

	withMax := backoff.WithMaxRetries(&decorrelatedJitterBackOff{base: f.cfg.BaseDelay}, uint64(maxRetries-1))
	withCtx := backoff.WithContext(withMax, ctx)

	op := func() error {
		return f.breaker.Execute(ctx, func() error {
			r, callErr := f.provider.Generate(ctx, session, prompt, model)
			if callErr != nil {
				return callErr
			}
			text = r.Text
			usage = r.Usage
			return nil
		})
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		return "", nil, err
	}
	return text, usage, nil
}

// decorrelatedJitterBackOff implements backoff.BackOff with the fabric's
// exact per-attempt formula instead of cenkalti/backoff's own
// randomisation model.
type decorrelatedJitterBackOff struct {
	base    time.Duration
	attempt int
}

func (d *decorrelatedJitterBackOff) NextBackOff() time.Duration {
	d.attempt++
	factor := 0.5 + rand.Float64()*0.5
	delay := float64(d.base) * math.Pow(2, float64(d.attempt-1)) * factor
	return time.Duration(delay)
}

func (d *decorrelatedJitterBackOff) Reset() {
	d.attempt = 0
}

const degradationDirective = "Respond in plain language only. Follow the exact schema requested. " +
	"Keep every field within its stated length bound. Use only the enumerated values listed " +
	"for enum fields. Never emit a null value for a required field.\n\n"

const strictDirectiveSuffix = "Enumerate every allowed enum value and every field's length limit " +
	"explicitly before answering.\n\n"

// degradePrompt prepends the fixed degradation directive block described in
// §4.6, adding the stricter suffix for models marked "strict".
func degradePrompt(prompt string, strict bool) string {
	var b strings.Builder
	b.WriteString(degradationDirective)
	if strict {
		b.WriteString(strictDirectiveSuffix)
	}
	b.WriteString(prompt)
	return b.String()
}

// normalizeResponse strips a single optional leading "```json" / trailing
// "```" fenced-code wrapper.
func normalizeResponse(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	lines := strings.SplitN(t, "\n", 2)
	if len(lines) != 2 {
		return t
	}
	body := lines[1]
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

// countTokens prefers provider-reported usage; otherwise estimates
// ⌈(|prompt|+|response|)/4⌉.
func countTokens(prompt, response string, usage *Usage) int64 {
	if usage != nil {
		return usage.PromptTokens + usage.OutputTokens
	}
	total := len(prompt) + len(response)
	return int64((total + 3) / 4)
}
