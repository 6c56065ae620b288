// Package pipeline implements the Pipeline Driver (§4.14): one goroutine
// per in-flight project, walking the ordered progress stages (all but the
// optional AUDIO_SCRIPT_GENERATION, which it never enters) and forwarding
// any stage failure to the State Machine's error handler.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/engine/infrastructure/logging"
	core "github.com/contentforge/engine/internal/app/core/service"
	"github.com/contentforge/engine/internal/hashindex"
	"github.com/contentforge/engine/internal/ingress"
	"github.com/contentforge/engine/internal/ledger"
	"github.com/contentforge/engine/internal/llmfabric"
	"github.com/contentforge/engine/internal/manifeststore"
	"github.com/contentforge/engine/internal/models"
	"github.com/contentforge/engine/internal/progress"
	"github.com/contentforge/engine/internal/queue"
	"github.com/contentforge/engine/internal/statemachine"
	"github.com/contentforge/engine/internal/transducers"
)

// Fabric is the subset of the LLM Fabric the driver calls directly (for
// script generation; the SEO/Shorts transducers call it themselves).
type Fabric interface {
	Generate(ctx context.Context, req llmfabric.Request) (*llmfabric.Result, error)
}

// Config wires the driver's collaborators and feature toggles.
type Config struct {
	AudioEnabled  bool
	FallbackChain []string
	VoiceCatalog  []transducers.Voice
}

// Driver composes every other component to run one project end to end.
type Driver struct {
	cfg     Config
	fabric  Fabric
	store   *manifeststore.Store
	sm      *statemachine.StateMachine
	ledger  *ledger.Ledger
	hashIdx *hashindex.Index
	seo     *transducers.SEOTransducer
	shorts  *transducers.ShortsTransducer
	logger  *logging.Logger
	hooks   core.ObservationHooks
}

func New(cfg Config, fabric Fabric, store *manifeststore.Store, sm *statemachine.StateMachine, led *ledger.Ledger, hashIdx *hashindex.Index, seo *transducers.SEOTransducer, shorts *transducers.ShortsTransducer, logger *logging.Logger) *Driver {
	if len(cfg.FallbackChain) == 0 {
		cfg.FallbackChain = []string{"gemini-pro", "gemini-flash", "gemini-flash-lite"}
	}
	return &Driver{cfg: cfg, fabric: fabric, store: store, sm: sm, ledger: led, hashIdx: hashIdx, seo: seo, shorts: shorts, logger: logger, hooks: core.NoopObservationHooks}
}

// WithObservationHooks attaches the per-stage timing hooks every Run's
// Tracker is armed with (e.g. mirroring stage duration into Prometheus).
func (d *Driver) WithObservationHooks(hooks core.ObservationHooks) *Driver {
	d.hooks = hooks
	return d
}

// Dispatch is the ingress.Handler entry point: it creates a brand-new
// pending project from a ready document and spawns its pipeline goroutine.
func (d *Driver) Dispatch(ctx context.Context, doc ingress.Document) error {
	id := uuid.New().String()
	traceID := logging.NewTraceID()
	now := time.Now()

	manifest := &models.Manifest{
		Project: models.Project{
			ID:        id,
			TraceID:   traceID,
			CreatedAt: now,
			UpdatedAt: now,
			InputSource: models.InputSource{
				Path:      doc.Path,
				Content:   doc.Content,
				Language:  doc.Language,
				WordCount: doc.WordCount,
			},
			Meta: models.Meta{CurrentModel: d.cfg.FallbackChain[0]},
		},
		Status: models.StatusPending,
	}

	if err := d.store.Create(ctx, manifest); err != nil {
		return err
	}

	go d.Run(ctx, id)
	return nil
}

// Run executes every stage for one project, in order, forwarding any
// failure to the State Machine's error handler and returning.
func (d *Driver) Run(ctx context.Context, projectID string) {
	m, err := d.store.Load(ctx, projectID)
	if err != nil {
		return
	}

	tracker := progress.New(d.logger, projectID, m.Project.TraceID).WithObservationHooks(d.hooks)
	tracker.LogPipelineStart(ctx)

	startSnapshot := d.ledger.Snapshot()

	script, ok := d.runInit(ctx, tracker, projectID, m)
	if !ok {
		return
	}

	scriptSegments, ok := d.runScriptGeneration(ctx, tracker, projectID, script)
	if !ok {
		return
	}

	seoMeta, ok := d.runSEO(ctx, tracker, projectID, scriptSegments)
	if !ok {
		return
	}

	hooks, ok := d.runShorts(ctx, tracker, projectID, scriptSegments)
	if !ok {
		return
	}

	voiceMatch, ok := d.runVoiceMatching(ctx, tracker, projectID, m.Project.InputSource.Language)
	if !ok {
		return
	}

	if !d.runManifestUpdate(ctx, tracker, projectID, scriptSegments, seoMeta, hooks, voiceMatch, startSnapshot) {
		return
	}

	if !d.runFinalization(ctx, tracker, projectID, m.Project.InputSource) {
		return
	}

	tracker.LogPipelineComplete(ctx, map[string]interface{}{"status": "rendering"})
}

// runInit transitions pending -> analyzing and resolves the current model.
func (d *Driver) runInit(ctx context.Context, tracker *progress.Tracker, projectID string, m *models.Manifest) (string, bool) {
	tracker.StartStage(ctx, progress.StageInit)

	currentModel := m.Project.Meta.CurrentModel
	if currentModel == "" {
		currentModel = d.cfg.FallbackChain[0]
	}

	if err := d.sm.Transition(ctx, projectID, models.StatusAnalyzing); err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageInit))
		return "", false
	}

	tracker.CompleteStage(ctx, map[string]interface{}{"current_model": currentModel})
	return currentModel, true
}

// runScriptGeneration calls the LLM Fabric at high priority and
// schema-validates the response into a script.
func (d *Driver) runScriptGeneration(ctx context.Context, tracker *progress.Tracker, projectID, currentModel string) ([]models.ScriptSegment, bool) {
	tracker.StartStage(ctx, progress.StageScriptGeneration)

	result, err := d.fabric.Generate(ctx, llmfabric.Request{
		ProjectID:      projectID,
		Priority:       queue.High,
		PreferredModel: currentModel,
		Prompt:         scriptPrompt(),
	})
	if err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageScriptGeneration))
		return nil, false
	}

	var parsed struct {
		Segments []models.ScriptSegment `json:"segments"`
	}
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		d.fail(ctx, tracker, projectID, &scriptValidationError{code: "invalid_type", path: "script", cause: err}, string(progress.StageScriptGeneration))
		return nil, false
	}
	for _, seg := range parsed.Segments {
		if _, err := time.Parse("15:04", seg.Timestamp); err != nil {
			d.fail(ctx, tracker, projectID, &scriptValidationError{code: "invalid_format", path: "script.timestamp", cause: err}, string(progress.StageScriptGeneration))
			return nil, false
		}
		if seg.EstimatedDurationSeconds <= 0 {
			d.fail(ctx, tracker, projectID, &scriptValidationError{code: "too_small", path: "script.estimated_duration_seconds"}, string(progress.StageScriptGeneration))
			return nil, false
		}
		if seg.VisualHint != "" && !models.AllowedVisualHints[seg.VisualHint] {
			d.fail(ctx, tracker, projectID, &scriptValidationError{code: "invalid_enum_value", path: "script.visual_hint"}, string(progress.StageScriptGeneration))
			return nil, false
		}
	}

	tracker.CompleteStage(ctx, map[string]interface{}{"segment_count": len(parsed.Segments), "model_used": result.ModelUsed})
	return parsed.Segments, true
}

// runSEO covers TREND_ANALYSIS + SEO_GENERATION (§4.14 step 3).
// TREND_ANALYSIS is emitted as an immediately completed stage, since the
// SEO transducer internally calls the Trend Store before the Fabric during
// SEO_GENERATION.
func (d *Driver) runSEO(ctx context.Context, tracker *progress.Tracker, projectID string, script []models.ScriptSegment) (*models.SEOMetadata, bool) {
	tracker.StartStage(ctx, progress.StageTrendAnalysis)
	tracker.CompleteStage(ctx, nil)

	tracker.StartStage(ctx, progress.StageSEOGeneration)
	seoMeta, err := d.seo.Generate(ctx, script, topicFromScript(script))
	if err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageSEOGeneration))
		return nil, false
	}
	tracker.CompleteStage(ctx, map[string]interface{}{"region_count": len(seoMeta.Regions)})
	return seoMeta, true
}

func (d *Driver) runShorts(ctx context.Context, tracker *progress.Tracker, projectID string, script []models.ScriptSegment) ([]models.ShortHook, bool) {
	tracker.StartStage(ctx, progress.StageShortsExtraction)
	hooks, err := d.shorts.Extract(ctx, script)
	if err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageShortsExtraction))
		return nil, false
	}
	tracker.CompleteStage(ctx, map[string]interface{}{"hook_count": len(hooks)})
	return hooks, true
}

func (d *Driver) runVoiceMatching(ctx context.Context, tracker *progress.Tracker, projectID, language string) (*models.VoiceMatch, bool) {
	tracker.StartStage(ctx, progress.StageVoiceMatching)
	match, err := transducers.Match(language, d.cfg.VoiceCatalog)
	if err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageVoiceMatching))
		return nil, false
	}
	tracker.CompleteStage(ctx, map[string]interface{}{"voice_id": match.VoiceID})
	return match, true
}

// runManifestUpdate computes the per-project cost delta and persists every
// stage's output into content_engine.
func (d *Driver) runManifestUpdate(ctx context.Context, tracker *progress.Tracker, projectID string, script []models.ScriptSegment, seoMeta *models.SEOMetadata, hooks []models.ShortHook, voice *models.VoiceMatch, startSnapshot models.CostSnapshot) bool {
	tracker.StartStage(ctx, progress.StageManifestUpdate)

	endSnapshot := d.ledger.Snapshot()
	delta := ledger.Delta(startSnapshot, endSnapshot)
	monetization := transducers.DeriveMonetizationHint(seoMeta, hooks)

	_, err := d.store.Update(ctx, projectID, func(m *models.Manifest) error {
		m.ContentEngine.Script = script
		m.ContentEngine.SEO = seoMeta
		m.ContentEngine.Shorts = hooks
		m.ContentEngine.VoiceProfile = voice
		m.ContentEngine.Monetization = monetization
		m.Project.Meta.Cost = delta
		return nil
	})
	if err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageManifestUpdate))
		return false
	}

	tracker.CompleteStage(ctx, map[string]interface{}{"tokens_used": delta.TotalTokens})
	return true
}

// runFinalization transitions to rendering (or pending_audio) and marks
// the source content processed in the Hash Index.
func (d *Driver) runFinalization(ctx context.Context, tracker *progress.Tracker, projectID string, input models.InputSource) bool {
	tracker.StartStage(ctx, progress.StageFinalization)

	target := models.StatusRendering
	if d.cfg.AudioEnabled {
		target = models.StatusPendingAudio
	}
	if err := d.sm.Transition(ctx, projectID, target); err != nil {
		d.fail(ctx, tracker, projectID, err, string(progress.StageFinalization))
		return false
	}

	if d.hashIdx != nil {
		hash := sha256.Sum256([]byte(input.Content))
		d.hashIdx.MarkProcessed(input.Path, hex.EncodeToString(hash[:]), int64(len(input.Content)), projectID)
	}

	tracker.CompleteStage(ctx, map[string]interface{}{"status": string(target)})
	return true
}

func (d *Driver) fail(ctx context.Context, tracker *progress.Tracker, projectID string, err error, stage string) {
	d.logger.WithContext(ctx).WithError(err).WithField("project_id", projectID).WithField("stage", stage).Error("pipeline stage failed")
	tracker.FailStage(err)
	d.sm.HandleError(ctx, projectID, err, stage)
}

func scriptPrompt() string {
	return "Produce a video script as JSON: " +
		`{"segments":[{"timestamp":"HH:MM","voiceover":"...","visual_hint":"b_roll|talking_head|graphic|text_overlay|archival","estimated_duration_seconds":5}]}.`
}

func topicFromScript(script []models.ScriptSegment) string {
	var b strings.Builder
	for i, seg := range script {
		if i >= 3 {
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(seg.Voiceover)
	}
	return b.String()
}

// scriptValidationError satisfies internal/classify's ValidationError
// marker interface so a malformed script response is eligible for model
// degradation rather than a flat failure.
type scriptValidationError struct {
	code  string
	path  string
	cause error
}

func (e *scriptValidationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("script validation: %s: %v", e.code, e.cause)
	}
	return "script validation: " + e.code
}

func (e *scriptValidationError) IssueCode() string { return e.code }
func (e *scriptValidationError) IssuePath() string { return e.path }
func (e *scriptValidationError) Unwrap() error      { return e.cause }
