package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/contentforge/engine/infrastructure/logging"
	core "github.com/contentforge/engine/internal/app/core/service"
)

func newTestTracker(buf *bytes.Buffer) *Tracker {
	logger := logging.New("test", "debug", "json")
	logger.SetOutput(buf)
	return New(logger, "proj-1", "trace-1")
}

func TestStartStage_EmitsProjectAndTraceID(t *testing.T) {
	buf := &bytes.Buffer{}
	tr := newTestTracker(buf)

	tr.StartStage(context.Background(), StageInit)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v (%s)", err, buf.String())
	}
	if entry["project_id"] != "proj-1" {
		t.Errorf("project_id = %v, want proj-1", entry["project_id"])
	}
	if entry["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v, want trace-1", entry["trace_id"])
	}
	if entry["stage"] != string(StageInit) {
		t.Errorf("stage = %v, want %v", entry["stage"], StageInit)
	}
}

func TestCompleteStage_IncludesDurationAndContext(t *testing.T) {
	buf := &bytes.Buffer{}
	tr := newTestTracker(buf)

	tr.StartStage(context.Background(), StageScriptGeneration)
	buf.Reset()
	tr.CompleteStage(context.Background(), map[string]interface{}{"tokens_used": 42})

	output := buf.String()
	if !strings.Contains(output, "stage_duration_ms") {
		t.Error("expected stage_duration_ms in completion event")
	}
	if !strings.Contains(output, "tokens_used") {
		t.Error("expected caller context to be merged into completion event")
	}
}

func TestObservationHooks_FireOnCompleteAndFailStage(t *testing.T) {
	buf := &bytes.Buffer{}
	var completeErr error
	var completed bool
	tr := newTestTracker(buf).WithObservationHooks(core.ObservationHooks{
		OnComplete: func(_ context.Context, meta map[string]string, err error, _ time.Duration) {
			completed = true
			completeErr = err
			if meta["stage"] != string(StageInit) {
				t.Errorf("meta[stage] = %v, want %v", meta["stage"], StageInit)
			}
		},
	})

	tr.StartStage(context.Background(), StageInit)
	tr.CompleteStage(context.Background(), nil)

	if !completed || completeErr != nil {
		t.Errorf("expected OnComplete to fire with a nil error, got completed=%v err=%v", completed, completeErr)
	}

	completed = false
	tr.StartStage(context.Background(), StageScriptGeneration)
	tr.FailStage(errors.New("boom"))

	if !completed || completeErr == nil {
		t.Error("expected OnComplete to fire with the stage's error via FailStage")
	}
}

func TestLogPipelineError_RoutesToErrorLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	tr := newTestTracker(buf)

	tr.LogPipelineError(context.Background(), errors.New("boom"), nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
}
