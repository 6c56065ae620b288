package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.QueueDepth.WithLabelValues("high").Set(3)
	m.RecordCost(1.25, map[string]int64{"gemini-pro": 100})
	m.RecordStage("SCRIPT_GENERATION", 0.5, "")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"contentengine_queue_depth",
		"contentengine_cost_total_usd",
		"contentengine_cost_tokens_total",
		"contentengine_pipeline_stage_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestRecordStage_IncrementsFailureCounterOnlyWhenKindGiven(t *testing.T) {
	m := New()
	m.RecordStage("VOICE_MATCHING", 0.1, "validation")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `contentengine_pipeline_stage_failures_total{kind="validation",stage="VOICE_MATCHING"} 1`) {
		t.Errorf("expected a failure counter sample, got:\n%s", rec.Body.String())
	}
}
