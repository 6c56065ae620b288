package manifeststore

import (
	"context"
	"testing"
	"time"

	"github.com/contentforge/engine/internal/models"
)

func newManifest(id string) *models.Manifest {
	now := time.Now()
	return &models.Manifest{
		Project: models.Project{
			ID:        id,
			TraceID:   "trace-" + id,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status: models.StatusPending,
	}
}

func TestCreate_ThenLoad_RoundTrips(t *testing.T) {
	store := New(t.TempDir())
	m := newManifest("proj-1")

	if err := store.Create(context.Background(), m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	loaded, err := store.Load(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status != models.StatusPending {
		t.Errorf("Status = %v, want pending", loaded.Status)
	}
}

func TestCreate_FailsIfAlreadyExists(t *testing.T) {
	store := New(t.TempDir())
	m := newManifest("proj-1")
	store.Create(context.Background(), m)

	if err := store.Create(context.Background(), m); err == nil {
		t.Fatal("expected second Create() to fail")
	}
}

func TestLoad_MissingManifest(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Load(context.Background(), "nope"); err == nil {
		t.Fatal("expected Load() of missing manifest to fail")
	}
}

func TestUpdate_AppliesClosureAndStampsUpdatedAt(t *testing.T) {
	store := New(t.TempDir())
	m := newManifest("proj-1")
	store.Create(context.Background(), m)

	before := m.Project.UpdatedAt
	time.Sleep(time.Millisecond)

	updated, err := store.Update(context.Background(), "proj-1", func(mf *models.Manifest) error {
		mf.Status = models.StatusAnalyzing
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != models.StatusAnalyzing {
		t.Errorf("Status = %v, want analyzing", updated.Status)
	}
	if !updated.Project.UpdatedAt.After(before) {
		t.Error("expected UpdatedAt to advance")
	}
}

func TestValidate_RejectsUnknownStatus(t *testing.T) {
	m := newManifest("proj-1")
	m.Status = models.ProjectStatus("not_a_status")

	if err := Validate(m); err == nil {
		t.Fatal("expected Validate() to reject unknown status")
	}
}

func TestValidate_RejectsUpdatedBeforeCreated(t *testing.T) {
	m := newManifest("proj-1")
	m.Project.UpdatedAt = m.Project.CreatedAt.Add(-time.Hour)

	if err := Validate(m); err == nil {
		t.Fatal("expected Validate() to reject updated_at < created_at")
	}
}

func TestValidate_RejectsExcessRetryCountOutsideDeadLetter(t *testing.T) {
	m := newManifest("proj-1")
	m.Project.Meta.RetryCount = MaxRetries + 1
	m.Status = models.StatusFailed

	if err := Validate(m); err == nil {
		t.Fatal("expected Validate() to reject retry_count > MAX_RETRIES outside dead_letter")
	}
}

func TestValidate_AllowsExcessRetryCountInDeadLetter(t *testing.T) {
	m := newManifest("proj-1")
	m.Project.Meta.RetryCount = MaxRetries + 1
	m.Status = models.StatusDeadLetter

	if err := Validate(m); err != nil {
		t.Errorf("Validate() error = %v, want nil for dead_letter", err)
	}
}

func TestValidate_RejectsInvalidVisualHint(t *testing.T) {
	m := newManifest("proj-1")
	m.ContentEngine.Script = []models.ScriptSegment{
		{Timestamp: "00:00", VisualHint: "not_a_real_hint", EstimatedDurationSeconds: 5},
	}

	if err := Validate(m); err == nil {
		t.Fatal("expected Validate() to reject unrecognized visual_hint")
	}
}
