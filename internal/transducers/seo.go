// Package transducers implements the SEO, Shorts, Voice-matching, and
// Monetization stage handlers (§4.15, §4.16): the pure, domain-specific
// transformations the Pipeline Driver invokes but which carry no systems
// engineering of their own.
package transducers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contentforge/engine/internal/llmfabric"
	"github.com/contentforge/engine/internal/models"
	"github.com/contentforge/engine/internal/queue"
	"github.com/contentforge/engine/internal/trends"
)

// Generator is the subset of the LLM Fabric the transducers call.
type Generator interface {
	Generate(ctx context.Context, req llmfabric.Request) (*llmfabric.Result, error)
}

// TrendSource is the subset of the Trend Authority Store the SEO
// transducer consults.
type TrendSource interface {
	GetHot(ctx context.Context, topic string) ([]trends.Entry, error)
}

// SEOTransducer derives multi-region SEO metadata from a script, pulling
// current trend keywords into the prompt.
type SEOTransducer struct {
	fabric Generator
	trends TrendSource
}

func NewSEOTransducer(fabric Generator, trendStore TrendSource) *SEOTransducer {
	return &SEOTransducer{fabric: fabric, trends: trendStore}
}

type seoResponse struct {
	Regions []models.SEORegion `json:"regions"`
}

// Generate calls the Trend Store then the LLM Fabric, validating the
// result into a SEOMetadata value.
func (t *SEOTransducer) Generate(ctx context.Context, script []models.ScriptSegment, topic string) (*models.SEOMetadata, error) {
	hot, err := t.trends.GetHot(ctx, topic)
	if err != nil {
		return nil, err
	}

	trendKeywords := make([]string, 0, len(hot))
	for _, e := range hot {
		trendKeywords = append(trendKeywords, e.Keyword)
	}

	prompt := buildSEOPrompt(script, trendKeywords)
	result, err := t.fabric.Generate(ctx, llmfabric.Request{
		Priority: queue.Medium,
		Prompt:   prompt,
	})
	if err != nil {
		return nil, err
	}

	var parsed seoResponse
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return nil, &seoValidationError{code: "invalid_type", path: "seo", cause: err}
	}
	if len(parsed.Regions) == 0 {
		return nil, &seoValidationError{code: "too_small", path: "seo.regions"}
	}
	for _, region := range parsed.Regions {
		if region.Locale == "" {
			return nil, &seoValidationError{code: "invalid_type", path: "seo.regions.locale"}
		}
	}

	return &models.SEOMetadata{Regions: parsed.Regions, TrendsUsed: trendKeywords}, nil
}

func buildSEOPrompt(script []models.ScriptSegment, trendKeywords []string) string {
	var b strings.Builder
	b.WriteString("Produce multi-region SEO metadata as JSON: {\"regions\":[{\"locale\":\"...\",\"title\":\"...\",\"description\":\"...\",\"tags\":[\"...\"]}]}.\n")
	b.WriteString("Trending keywords to weave in where relevant: ")
	b.WriteString(strings.Join(trendKeywords, ", "))
	b.WriteString("\nScript segments:\n")
	for _, seg := range script {
		fmt.Fprintf(&b, "- [%s] %s\n", seg.Timestamp, seg.Voiceover)
	}
	return b.String()
}

// seoValidationError satisfies internal/classify's ValidationError
// interface so a malformed model response degrades instead of simply
// failing the project, per §4.11.
type seoValidationError struct {
	code  string
	path  string
	cause error
}

func (e *seoValidationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("seo validation: %s: %v", e.code, e.cause)
	}
	return "seo validation: " + e.code
}

func (e *seoValidationError) IssueCode() string { return e.code }
func (e *seoValidationError) IssuePath() string { return e.path }
func (e *seoValidationError) Unwrap() error      { return e.cause }
