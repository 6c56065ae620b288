package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend persists each key as its own JSON file under a root
// directory, using the write-then-rename idiom the rest of this codebase
// uses for whole-file writes (see internal/manifeststore.Store.Save).
// It backs the long-lived singletons (cost ledger, trend store, hash
// index) that §3.1 names explicit on-disk paths for.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend roots a backend at dir, creating it if absent.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) pathFor(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	final := f.pathFor(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (f *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) Close(ctx context.Context) error {
	return nil
}
