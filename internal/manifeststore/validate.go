package manifeststore

import (
	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/internal/models"
)

var allowedStatuses = map[models.ProjectStatus]bool{
	models.StatusPending:        true,
	models.StatusAnalyzing:      true,
	models.StatusPendingAudio:   true,
	models.StatusRendering:      true,
	models.StatusUploading:      true,
	models.StatusCompleted:      true,
	models.StatusFailed:         true,
	models.StatusStaleRecovered: true,
	models.StatusDegradedRetry:  true,
	models.StatusDeadLetter:     true,
}

// MaxRetries bounds meta.retry_count outside of dead_letter, per the
// manifest invariant in §3(iv).
const MaxRetries = 3

// Validate enforces the manifest invariants from §3: a known status,
// updated_at ≥ created_at, the retry-count bound, and basic structural
// sanity on script segments.
func Validate(m *models.Manifest) error {
	if !allowedStatuses[m.Status] {
		return svcerrors.SchemaViolation("status", "unrecognized status: "+string(m.Status))
	}

	if m.Project.UpdatedAt.Before(m.Project.CreatedAt) {
		return svcerrors.SchemaViolation("updated_at", "must be >= created_at")
	}

	if m.Project.Meta.RetryCount > MaxRetries && m.Status != models.StatusDeadLetter {
		return svcerrors.SchemaViolation("meta.retry_count", "exceeds MAX_RETRIES outside dead_letter")
	}

	for _, seg := range m.ContentEngine.Script {
		if seg.EstimatedDurationSeconds <= 0 {
			return svcerrors.SchemaViolation("content_engine.script", "estimated_duration_seconds must be > 0")
		}
		if seg.VisualHint != "" && !models.AllowedVisualHints[seg.VisualHint] {
			return svcerrors.SchemaViolation("content_engine.script", "invalid visual_hint enum value")
		}
	}

	return nil
}
