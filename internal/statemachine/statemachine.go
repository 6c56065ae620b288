// Package statemachine implements the project State Machine (§4.10): the
// allowed-transition table, stale-project recovery on a heartbeat, and
// error handling with degrade/retry/dead-letter routing.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/infrastructure/logging"
	"github.com/contentforge/engine/internal/classify"
	"github.com/contentforge/engine/internal/manifeststore"
	"github.com/contentforge/engine/internal/models"
)

// allowedTransitions is the §4.10 transition table; an absent key, or a
// target missing from its slice, is disallowed.
var allowedTransitions = map[models.ProjectStatus][]models.ProjectStatus{
	models.StatusPending: {models.StatusAnalyzing},
	models.StatusAnalyzing: {
		models.StatusPendingAudio, models.StatusRendering, models.StatusFailed,
		models.StatusStaleRecovered, models.StatusDegradedRetry, models.StatusDeadLetter,
	},
	models.StatusPendingAudio: {
		models.StatusRendering, models.StatusFailed, models.StatusStaleRecovered, models.StatusDeadLetter,
	},
	models.StatusRendering: {
		models.StatusUploading, models.StatusFailed, models.StatusStaleRecovered, models.StatusDeadLetter,
	},
	models.StatusUploading: {
		models.StatusCompleted, models.StatusFailed, models.StatusStaleRecovered, models.StatusDeadLetter,
	},
	models.StatusFailed:        {models.StatusPending, models.StatusDeadLetter},
	models.StatusStaleRecovered: {models.StatusPending},
	models.StatusDegradedRetry: {models.StatusAnalyzing, models.StatusFailed, models.StatusDeadLetter},
	models.StatusCompleted:     {},
	models.StatusDeadLetter:    {},
}

// staleThresholds maps a status to the heartbeat's staleness cutoff.
// Absence from the map means the status is not monitored.
var staleThresholds = map[models.ProjectStatus]time.Duration{
	models.StatusAnalyzing:     10 * time.Minute,
	models.StatusRendering:     30 * time.Minute,
	models.StatusUploading:     5 * time.Minute,
	models.StatusDegradedRetry: 15 * time.Minute,
}

// defaultMaxRetries bounds meta.retry_count before a project is
// dead-lettered, and defaultMaxStaleRecoveryCount bounds recoverStale
// attempts before giving up, when Config leaves either at zero.
const (
	defaultMaxRetries            = 3
	defaultMaxStaleRecoveryCount = 3
)

// Config wires the heartbeat schedule, fallback chain, and filesystem
// locations the state machine writes to.
type Config struct {
	HeartbeatCron string
	FallbackChain []string
	StrictModels  map[string]bool
	DeadLetterDir string
	AlertLogPath  string
	// MaxRetries bounds meta.retry_count before a project is dead-lettered.
	// Zero selects defaultMaxRetries.
	MaxRetries int
	// MaxStaleRecoveries bounds recoverStale attempts before giving up.
	// Zero selects defaultMaxStaleRecoveryCount.
	MaxStaleRecoveries int
	// AudioReadyProbe is the external audio side-channel collaborator
	// (§4.10's heartbeat note); nil disables the probe.
	AudioReadyProbe func(ctx context.Context, projectID string) bool
}

// RecoveryCallback re-enters the pipeline driver for a project that has
// just transitioned back to pending/analyzing.
type RecoveryCallback func(ctx context.Context, projectID string)

// StateMachine is the sole mutator of manifest status and error state.
type StateMachine struct {
	store    *manifeststore.Store
	cfg      Config
	logger   *logging.Logger
	onRecovered RecoveryCallback
	cron     *cron.Cron
}

func New(store *manifeststore.Store, cfg Config, logger *logging.Logger, onRecovered RecoveryCallback) *StateMachine {
	if cfg.HeartbeatCron == "" {
		cfg.HeartbeatCron = "@every 60s"
	}
	if len(cfg.FallbackChain) == 0 {
		cfg.FallbackChain = []string{"gemini-pro", "gemini-flash", "gemini-flash-lite"}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxStaleRecoveries <= 0 {
		cfg.MaxStaleRecoveries = defaultMaxStaleRecoveryCount
	}
	return &StateMachine{store: store, cfg: cfg, logger: logger, onRecovered: onRecovered}
}

// Transition moves a project to target, failing if the move is not in the
// allowed-transitions table.
func (sm *StateMachine) Transition(ctx context.Context, id string, target models.ProjectStatus) error {
	_, err := sm.store.Update(ctx, id, func(m *models.Manifest) error {
		allowed := allowedTransitions[m.Status]
		ok := false
		for _, t := range allowed {
			if t == target {
				ok = true
				break
			}
		}
		if !ok {
			return svcerrors.Conflict(fmt.Sprintf("transition %s -> %s not allowed", m.Status, target))
		}
		from := m.Status
		m.Status = target
		sm.logger.LogStageTransition(ctx, id, string(from), string(target), nil)
		return nil
	})
	return err
}

// StartHeartbeat schedules the stale-project sweep per cfg.HeartbeatCron.
func (sm *StateMachine) StartHeartbeat(ctx context.Context) error {
	sm.cron = cron.New()
	_, err := sm.cron.AddFunc(sm.cfg.HeartbeatCron, func() { sm.tick(ctx) })
	if err != nil {
		return svcerrors.Internal("schedule heartbeat", err)
	}
	sm.cron.Start()
	return nil
}

// StopHeartbeat stops the scheduler and waits for any in-flight tick.
func (sm *StateMachine) StopHeartbeat() {
	if sm.cron != nil {
		sm.cron.Stop()
	}
}

// tick is the heartbeat's per-interval work: O(active projects), with
// recovery dispatched asynchronously so slow I/O never blocks the next
// scheduled tick.
func (sm *StateMachine) tick(ctx context.Context) {
	ids, err := sm.store.List(ctx)
	if err != nil {
		return
	}
	for _, id := range ids {
		m, err := sm.store.Load(ctx, id)
		if err != nil {
			continue
		}
		threshold, monitored := staleThresholds[m.Status]
		if !monitored {
			continue
		}
		if time.Since(m.Project.UpdatedAt) > threshold {
			go sm.recoverStale(ctx, id)
		}
		if m.Status == models.StatusPendingAudio && sm.cfg.AudioReadyProbe != nil {
			if sm.cfg.AudioReadyProbe(ctx, id) {
				go sm.Transition(ctx, id, models.StatusRendering)
			}
		}
	}
}

// recoverStale implements §4.10's recovery policy.
func (sm *StateMachine) recoverStale(ctx context.Context, id string) {
	m, err := sm.store.Load(ctx, id)
	if err != nil {
		return
	}

	if m.Project.Meta.StaleRecoveryCount >= sm.cfg.MaxStaleRecoveries {
		sm.store.Update(ctx, id, func(mf *models.Manifest) error {
			mf.Status = models.StatusFailed
			mf.Error = &models.StageError{
				Stage:     string(mf.Status),
				Message:   "exceeded MAX_STALE_RECOVERY_COUNT",
				Timestamp: time.Now(),
			}
			return nil
		})
		return
	}

	sm.store.Update(ctx, id, func(mf *models.Manifest) error {
		mf.Project.Meta.StaleRecoveryCount++
		mf.Status = models.StatusStaleRecovered
		return nil
	})

	if err := sm.Transition(ctx, id, models.StatusPending); err != nil {
		return
	}
	if sm.onRecovered != nil {
		sm.onRecovered(ctx, id)
	}
}

// HandleError implements §4.10's handleError: classify, record, then
// degrade/retry/dead-letter.
func (sm *StateMachine) HandleError(ctx context.Context, id string, callErr error, stage string) error {
	fp := classify.Classify(callErr)

	var shouldDegrade bool
	sm.store.Update(ctx, id, func(m *models.Manifest) error {
		m.Project.Meta.ErrorHistory = append(m.Project.Meta.ErrorHistory, fp)
		m.Project.Meta.ErrorFingerprint = &fp
		m.Error = &models.StageError{
			Stage:     stage,
			Message:   callErr.Error(),
			Retries:   m.Project.Meta.RetryCount,
			Timestamp: time.Now(),
		}
		shouldDegrade = classify.ShouldDegrade(fp, m.Project.Meta.UsedModels, len(sm.cfg.FallbackChain))
		return nil
	})

	if shouldDegrade {
		return sm.attemptDegradedRetry(ctx, id)
	}

	var deadLetter bool
	sm.store.Update(ctx, id, func(m *models.Manifest) error {
		m.Project.Meta.RetryCount++
		if m.Project.Meta.RetryCount >= sm.cfg.MaxRetries {
			deadLetter = true
			return nil
		}
		m.Status = models.StatusFailed
		return nil
	})

	if deadLetter {
		return sm.moveToDeadLetter(ctx, id, "retry_count exceeded MAX_RETRIES")
	}
	return nil
}

// attemptDegradedRetry implements §4.10's degraded-retry transition.
func (sm *StateMachine) attemptDegradedRetry(ctx context.Context, id string) error {
	m, err := sm.store.Load(ctx, id)
	if err != nil {
		return err
	}

	// The current model counts as used, so the pick is never the model that
	// just failed.
	used := append(append([]string(nil), m.Project.Meta.UsedModels...), m.Project.Meta.CurrentModel)
	next := sm.nextUnusedModel(used)
	if next == "" {
		return sm.moveToDeadLetter(ctx, id, "fallback chain exhausted")
	}

	sm.store.Update(ctx, id, func(mf *models.Manifest) error {
		mf.Project.Meta.UsedModels = append(mf.Project.Meta.UsedModels, mf.Project.Meta.CurrentModel)
		mf.Project.Meta.CurrentModel = next
		mf.Project.Meta.IsDegraded = sm.cfg.StrictModels[next]
		mf.Project.Meta.IsFallbackMode = true
		mf.Status = models.StatusDegradedRetry
		return nil
	})

	if err := sm.Transition(ctx, id, models.StatusAnalyzing); err != nil {
		return err
	}
	if sm.onRecovered != nil {
		sm.onRecovered(ctx, id)
	}
	return nil
}

func (sm *StateMachine) nextUnusedModel(used []string) string {
	usedSet := make(map[string]bool, len(used))
	for _, m := range used {
		usedSet[m] = true
	}
	for _, candidate := range sm.cfg.FallbackChain {
		if !usedSet[candidate] {
			return candidate
		}
	}
	return ""
}

// alertRecord is one line of logs/alerts.log, per §6.
type alertRecord struct {
	ProjectID  string                  `json:"project_id"`
	TraceID    string                  `json:"trace_id"`
	Reason     string                  `json:"reason"`
	Fingerprint *models.ErrorFingerprint `json:"fingerprint,omitempty"`
	RetryCount int                     `json:"retry_count"`
	UsedModels []string                `json:"used_models"`
	Timestamp  time.Time               `json:"timestamp"`
	Severity   string                  `json:"severity"`
}

// moveToDeadLetter implements §4.10's dead-letter handling: status update,
// a full manifest snapshot on disk, and an appended alert line. External
// alert dispatch is deliberately a no-op integration point per §4.10.
func (sm *StateMachine) moveToDeadLetter(ctx context.Context, id string, reason string) error {
	m, err := sm.store.Update(ctx, id, func(mf *models.Manifest) error {
		mf.Status = models.StatusDeadLetter
		mf.Project.Meta.IsDeadLetter = true
		return nil
	})
	if err != nil {
		return err
	}

	if sm.cfg.DeadLetterDir != "" {
		if err := os.MkdirAll(sm.cfg.DeadLetterDir, 0o755); err == nil {
			data, _ := json.MarshalIndent(m, "", "  ")
			snapshotPath := filepath.Join(sm.cfg.DeadLetterDir, fmt.Sprintf("%s_%d.json", id, time.Now().Unix()))
			_ = os.WriteFile(snapshotPath, data, 0o644)
		}
	}

	if sm.cfg.AlertLogPath != "" {
		sm.appendAlert(alertRecord{
			ProjectID:   id,
			TraceID:     m.Project.TraceID,
			Reason:      reason,
			Fingerprint: m.Project.Meta.ErrorFingerprint,
			RetryCount:  m.Project.Meta.RetryCount,
			UsedModels:  m.Project.Meta.UsedModels,
			Timestamp:   time.Now(),
			Severity:    "critical",
		})
	}
	return nil
}

func (sm *StateMachine) appendAlert(rec alertRecord) {
	if err := os.MkdirAll(filepath.Dir(sm.cfg.AlertLogPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(sm.cfg.AlertLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}
