package transducers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contentforge/engine/internal/llmfabric"
	"github.com/contentforge/engine/internal/models"
	"github.com/contentforge/engine/internal/queue"
)

const maxShortHooks = 5

// ShortsTransducer extracts short-form hook clip candidates from a script.
type ShortsTransducer struct {
	fabric Generator
}

func NewShortsTransducer(fabric Generator) *ShortsTransducer {
	return &ShortsTransducer{fabric: fabric}
}

type shortsResponse struct {
	Hooks []models.ShortHook `json:"hooks"`
}

// Extract calls the LLM Fabric at low priority and validates at most 5
// hook candidates.
func (t *ShortsTransducer) Extract(ctx context.Context, script []models.ScriptSegment) ([]models.ShortHook, error) {
	result, err := t.fabric.Generate(ctx, llmfabric.Request{
		Priority: queue.Low,
		Prompt:   buildShortsPrompt(script),
	})
	if err != nil {
		return nil, err
	}

	var parsed shortsResponse
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return nil, &seoValidationError{code: "invalid_type", path: "shorts", cause: err}
	}

	hooks := parsed.Hooks
	if len(hooks) > maxShortHooks {
		hooks = hooks[:maxShortHooks]
	}
	for _, h := range hooks {
		if h.StartTimestamp == "" || h.EndTimestamp == "" {
			return nil, &seoValidationError{code: "invalid_type", path: "shorts.hooks.timestamp"}
		}
	}
	return hooks, nil
}

func buildShortsPrompt(script []models.ScriptSegment) string {
	var b strings.Builder
	b.WriteString("Identify at most 5 short-form hook clips as JSON: ")
	b.WriteString(`{"hooks":[{"start_timestamp":"...","end_timestamp":"...","emotional_trigger":"...","cta":"..."}]}`)
	b.WriteString("\nScript segments:\n")
	for _, seg := range script {
		fmt.Fprintf(&b, "- [%s] %s\n", seg.Timestamp, seg.Voiceover)
	}
	return b.String()
}
