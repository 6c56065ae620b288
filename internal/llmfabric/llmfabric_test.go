package llmfabric

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contentforge/engine/infrastructure/ratelimit"
	"github.com/contentforge/engine/infrastructure/state"
	"github.com/contentforge/engine/internal/breaker"
	"github.com/contentforge/engine/internal/ledger"
	"github.com/contentforge/engine/internal/pool"
	"github.com/contentforge/engine/internal/queue"
)

type fakeSession struct{}

type fakeFactory struct{}

func (fakeFactory) Create(ctx context.Context) (pool.Session, error) { return &fakeSession{}, nil }
func (fakeFactory) Destroy(ctx context.Context, s pool.Session) error { return nil }
func (fakeFactory) Validate(ctx context.Context, s pool.Session) bool { return true }

type scriptedProvider struct {
	// failuresPerModel counts down failures per model before succeeding.
	failuresPerModel map[string]int
	calls            int32
}

func (p *scriptedProvider) Generate(ctx context.Context, session pool.Session, prompt, model string) (Response, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.failuresPerModel[model] > 0 {
		p.failuresPerModel[model]--
		return Response{}, fmt.Errorf("simulated failure for %s", model)
	}
	return Response{Text: "```json\n{\"ok\":true}\n```", Usage: &Usage{PromptTokens: 10, OutputTokens: 5}}, nil
}

func newTestFabric(t *testing.T, provider Provider) *Fabric {
	t.Helper()
	q := queue.New(queue.DefaultConfig())
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000})
	p := pool.New(pool.Config{Min: 1, Max: 2, AcquireTimeout: time.Second}, fakeFactory{})
	_ = p.WarmUp(context.Background())
	cb := breaker.New(breaker.DefaultConfig())
	led := ledger.New(state.NewMemoryBackend(0), ledger.DefaultPriceTable())

	cfg := Config{
		FallbackChain: []string{"gemini-pro", "gemini-flash", "gemini-flash-lite"},
		StrictModels:  map[string]bool{"gemini-flash-lite": true},
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
	}
	return New(cfg, q, limiter, p, cb, led, provider)
}

func TestGenerate_SucceedsOnFirstModel(t *testing.T) {
	provider := &scriptedProvider{failuresPerModel: map[string]int{}}
	f := newTestFabric(t, provider)

	result, err := f.Generate(context.Background(), Request{Prompt: "hello", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.ModelUsed != "gemini-pro" {
		t.Errorf("ModelUsed = %q, want gemini-pro", result.ModelUsed)
	}
	if result.IsFallbackMode {
		t.Error("expected IsFallbackMode=false on first model success")
	}
	if result.Text != `{"ok":true}` {
		t.Errorf("Text = %q, want normalised JSON body", result.Text)
	}
	if result.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15 (provider-reported usage)", result.TokensUsed)
	}
}

func TestGenerate_FallsBackAfterRetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{failuresPerModel: map[string]int{"gemini-pro": 5}}
	f := newTestFabric(t, provider)

	result, err := f.Generate(context.Background(), Request{Prompt: "hello", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.ModelUsed != "gemini-flash" {
		t.Errorf("ModelUsed = %q, want gemini-flash", result.ModelUsed)
	}
	if !result.IsFallbackMode {
		t.Error("expected IsFallbackMode=true after falling back")
	}
}

func TestGenerate_ReturnsErrorWhenAllModelsFail(t *testing.T) {
	provider := &scriptedProvider{failuresPerModel: map[string]int{
		"gemini-pro": 99, "gemini-flash": 99, "gemini-flash-lite": 99,
	}}
	f := newTestFabric(t, provider)

	_, err := f.Generate(context.Background(), Request{Prompt: "hello", MaxRetries: 1})
	if err == nil {
		t.Fatal("expected an error when every model in the chain fails")
	}
}

func TestGenerate_PreferredModelReordersChain(t *testing.T) {
	provider := &scriptedProvider{failuresPerModel: map[string]int{}}
	f := newTestFabric(t, provider)

	result, err := f.Generate(context.Background(), Request{Prompt: "hi", MaxRetries: 1, PreferredModel: "gemini-flash"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.ModelUsed != "gemini-flash" {
		t.Errorf("ModelUsed = %q, want gemini-flash (preferred head)", result.ModelUsed)
	}
	if result.IsFallbackMode {
		t.Error("expected IsFallbackMode=false when the preferred model is used directly")
	}
}

func TestNormalizeResponse_StripsFencedCodeWrapper(t *testing.T) {
	got := normalizeResponse("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Errorf("normalizeResponse() = %q", got)
	}
}

func TestNormalizeResponse_PassesThroughUnwrapped(t *testing.T) {
	got := normalizeResponse("plain text")
	if got != "plain text" {
		t.Errorf("normalizeResponse() = %q", got)
	}
}

func TestCountTokens_EstimatesWhenUsageAbsent(t *testing.T) {
	got := countTokens("1234", "5678", nil)
	if got != 2 {
		t.Errorf("countTokens() = %d, want 2 (8 chars / 4)", got)
	}
}

func TestDegradePrompt_StrictAddsEnumDirective(t *testing.T) {
	base := degradePrompt("write a script", false)
	strict := degradePrompt("write a script", true)
	if len(strict) <= len(base) {
		t.Error("expected the strict directive to be longer than the base degradation block")
	}
}
