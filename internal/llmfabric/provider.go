package llmfabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/contentforge/engine/internal/pool"
)

// GeminiProvider calls the Gemini generateContent REST endpoint. It ignores
// the pool.Session argument entirely and sends every request through its
// own client; sessions in this domain are HTTP keep-alive placeholders rather than
// stateful connections, matching the pool's own "opaque handle" contract.
type GeminiProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewGeminiProvider builds a provider against the public Gemini REST API.
// baseURL defaults to the public endpoint when empty, so tests can point
// it at an httptest.Server instead.
func NewGeminiProvider(client *http.Client, baseURL, apiKey string) *GeminiProvider {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	return &GeminiProvider{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GeminiProvider) Generate(ctx context.Context, _ pool.Session, prompt, model string) (Response, error) {
	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}})
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", p.baseURL, model, url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, fmt.Errorf("gemini response had no candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return Response{
		Text: text.String(),
		Usage: &Usage{
			PromptTokens: parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// HTTPSessionFactory hands out the shared *http.Client as an opaque
// pool.Session. There is no per-session state to open or close for an
// HTTP-backed provider, so Create/Destroy/Validate are all effectively
// no-ops — the pool still bounds concurrency and enforces acquire
// timeouts even though sessions carry no connection state of their own.
type HTTPSessionFactory struct {
	Client *http.Client
}

func (f HTTPSessionFactory) Create(ctx context.Context) (pool.Session, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return client, nil
}

func (f HTTPSessionFactory) Destroy(ctx context.Context, s pool.Session) error { return nil }

func (f HTTPSessionFactory) Validate(ctx context.Context, s pool.Session) bool {
	_, ok := s.(*http.Client)
	return ok
}

// MockProvider echoes a fixed, schema-shaped response for every call,
// letting the whole pipeline run end to end with MOCK_MODE=true and no
// network access or API key.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (MockProvider) Generate(ctx context.Context, _ pool.Session, prompt, model string) (Response, error) {
	return Response{
		Text: mockResponseFor(prompt),
		Usage: &Usage{
			PromptTokens: int64(len(prompt) / 4),
			OutputTokens: 32,
		},
	}, nil
}

// mockResponseFor returns a canned JSON document shaped like whichever
// stage is calling, inferred from a keyword in the prompt. This lets a
// MOCK_MODE run exercise script generation, SEO, and shorts extraction
// without guessing the caller's intent out of band.
func mockResponseFor(prompt string) string {
	switch {
	case strings.Contains(prompt, `"hooks"`):
		return `{"hooks":[{"start_timestamp":"00:00","end_timestamp":"00:08","emotional_trigger":"curiosity","cta":"subscribe"}]}`
	case strings.Contains(prompt, `"regions"`):
		return `{"regions":[{"locale":"en-US","title":"Mock Title","description":"Mock description.","tags":["mock"]}]}`
	default:
		return `{"segments":[{"timestamp":"00:00","voiceover":"This is a mock script segment.","visual_hint":"talking_head","estimated_duration_seconds":6}]}`
	}
}
