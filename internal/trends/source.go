package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NoopSource is the Source used when no external trend collaborator is
// configured. It always returns an empty candidate list rather than an
// error, per §6's "failures degrade gracefully (empty list, logged warn)"
// note — an absent collaborator is just the degenerate case of a failing
// one.
type NoopSource struct{}

func (NoopSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return nil, nil
}

// HTTPSource fetches trend candidates from an external HTTP endpoint,
// grounded on the same fetcher shape internal/services/pricefeed uses in
// the teacher.
type HTTPSource struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
}

func NewHTTPSource(client *http.Client, endpoint, apiKey string) (*HTTPSource, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("trend source endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{client: client, endpoint: u, apiKey: strings.TrimSpace(apiKey)}, nil
}

func (h *HTTPSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	reqURL := *h.endpoint
	q := reqURL.Query()
	q.Set("topic", topic)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trends: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload.Keywords, nil
}
