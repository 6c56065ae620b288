// Package manifeststore implements the Manifest Store (§4.9): durable
// per-project JSON with schema validation on every load.
package manifeststore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
	"github.com/contentforge/engine/internal/models"
)

const manifestFileName = "manifest.json"

// Store persists one manifest.json per project under <projects_dir>/<id>/.
type Store struct {
	projectsDir string
}

func New(projectsDir string) *Store {
	return &Store{projectsDir: projectsDir}
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.projectsDir, id, manifestFileName)
}

// Create writes a brand-new manifest, failing if one already exists.
func (s *Store) Create(ctx context.Context, m *models.Manifest) error {
	dir := filepath.Join(s.projectsDir, m.ID())
	if _, err := os.Stat(s.pathFor(m.ID())); err == nil {
		return svcerrors.AlreadyExists("manifest", m.ID())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return svcerrors.FilesystemError(dir, err)
	}
	return s.Save(ctx, m.ID(), m)
}

// Load reads and schema-validates a manifest from disk.
func (s *Store) Load(ctx context.Context, id string) (*models.Manifest, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, svcerrors.NotFound("manifest", id)
		}
		return nil, svcerrors.FilesystemError(s.pathFor(id), err)
	}

	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, svcerrors.SchemaViolation(id, "invalid JSON: "+err.Error())
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Update loads the manifest, applies updater, stamps UpdatedAt, and saves.
func (s *Store) Update(ctx context.Context, id string, updater func(*models.Manifest) error) (*models.Manifest, error) {
	m, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := updater(m); err != nil {
		return nil, err
	}
	m.Project.UpdatedAt = time.Now()
	if err := s.Save(ctx, id, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns every project id with a manifest under the store's root,
// for the heartbeat's stale sweep.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, svcerrors.FilesystemError(s.projectsDir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.projectsDir, entry.Name(), manifestFileName)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// Save performs a whole-file write-then-rename, per §5(c).
func (s *Store) Save(ctx context.Context, id string, m *models.Manifest) error {
	if err := Validate(m); err != nil {
		return err
	}

	dir := filepath.Join(s.projectsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return svcerrors.FilesystemError(dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return svcerrors.Internal("marshal manifest", err)
	}

	final := s.pathFor(id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return svcerrors.FilesystemError(tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return svcerrors.FilesystemError(final, err)
	}
	return nil
}
