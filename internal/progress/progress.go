// Package progress implements the trace-id-scoped pipeline progress
// tracker (§4.12): nine ordered stages, elapsed timers, and structured
// newline-delimited JSON event emission.
package progress

import (
	"context"
	"time"

	"github.com/contentforge/engine/infrastructure/logging"
	core "github.com/contentforge/engine/internal/app/core/service"
)

// Stage is one of the pipeline's ordered lifecycle stages.
type Stage string

const (
	StageInit             Stage = "INIT"
	StageScriptGeneration Stage = "SCRIPT_GENERATION"
	StageTrendAnalysis    Stage = "TREND_ANALYSIS"
	StageSEOGeneration    Stage = "SEO_GENERATION"
	StageShortsExtraction Stage = "SHORTS_EXTRACTION"
	StageVoiceMatching    Stage = "VOICE_MATCHING"
	StageAudioScript      Stage = "AUDIO_SCRIPT_GENERATION" // optional, inserted before MANIFEST_UPDATE
	StageManifestUpdate   Stage = "MANIFEST_UPDATE"
	StageFinalization     Stage = "FINALIZATION"
)

// Tracker threads a trace id through a single project's pipeline run.
type Tracker struct {
	logger     *logging.Logger
	projectID  string
	traceID    string
	start      time.Time
	stageStart time.Time
	stage      Stage
	hooks      core.ObservationHooks
	finish     func(error)
}

func New(logger *logging.Logger, projectID, traceID string) *Tracker {
	return &Tracker{logger: logger, projectID: projectID, traceID: traceID, start: time.Now(), hooks: core.NoopObservationHooks}
}

// WithObservationHooks attaches start/complete timing hooks (e.g. metrics
// emitters) that fire around every stage in addition to the structured log
// events.
func (t *Tracker) WithObservationHooks(hooks core.ObservationHooks) *Tracker {
	t.hooks = hooks
	return t
}

func (t *Tracker) baseFields() map[string]interface{} {
	return map[string]interface{}{
		"project_id":      t.projectID,
		"trace_id":        t.traceID,
		"elapsed_ms":      time.Since(t.start).Milliseconds(),
	}
}

// StartStage records the beginning of a stage, emits a structured event, and
// arms the observation hooks for this stage's duration.
func (t *Tracker) StartStage(ctx context.Context, stage Stage) {
	t.stage = stage
	t.stageStart = time.Now()

	fields := t.baseFields()
	fields["stage"] = string(stage)
	t.logger.Info(ctx, "stage started", fields)

	t.finish = core.StartObservation(ctx, t.hooks, map[string]string{
		"project_id": t.projectID,
		"stage":      string(stage),
	})
}

// CompleteStage emits a structured event with the stage's duration and any
// caller-supplied context, then fires the observation hooks' completion
// callback with a nil error.
func (t *Tracker) CompleteStage(ctx context.Context, stageContext map[string]interface{}) {
	fields := t.baseFields()
	fields["stage"] = string(t.stage)
	fields["stage_duration_ms"] = time.Since(t.stageStart).Milliseconds()
	for k, v := range stageContext {
		fields[k] = v
	}
	t.logger.Info(ctx, "stage completed", fields)

	if t.finish != nil {
		t.finish(nil)
		t.finish = nil
	}
}

// FailStage fires the observation hooks' completion callback with the
// stage's terminal error. Call once per StartStage when the stage does not
// reach CompleteStage.
func (t *Tracker) FailStage(err error) {
	if t.finish != nil {
		t.finish(err)
		t.finish = nil
	}
}

// LogSubStep emits a lower-level, in-stage progress marker.
func (t *Tracker) LogSubStep(ctx context.Context, message string, fields map[string]interface{}) {
	merged := t.baseFields()
	merged["stage"] = string(t.stage)
	for k, v := range fields {
		merged[k] = v
	}
	t.logger.Debug(ctx, message, merged)
}

// LogPipelineStart emits the pipeline-level start event.
func (t *Tracker) LogPipelineStart(ctx context.Context) {
	t.logger.Info(ctx, "pipeline started", t.baseFields())
}

// LogPipelineComplete emits the pipeline-level completion event.
func (t *Tracker) LogPipelineComplete(ctx context.Context, fields map[string]interface{}) {
	merged := t.baseFields()
	for k, v := range fields {
		merged[k] = v
	}
	t.logger.Info(ctx, "pipeline completed", merged)
}

// LogPipelineError routes a terminal pipeline failure to the error level.
func (t *Tracker) LogPipelineError(ctx context.Context, err error, fields map[string]interface{}) {
	merged := t.baseFields()
	merged["stage"] = string(t.stage)
	for k, v := range fields {
		merged[k] = v
	}
	t.logger.Error(ctx, "pipeline error", err, merged)
}
