// Package hashindex implements the Content-Hash Index (§4.8): persistent
// hash → HashEntry storage with a derived size → [hash...] reverse index
// for O(1) negative lookups, and age/LRU-bounded cleanup.
package hashindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/contentforge/engine/infrastructure/state"
)

const storeKey = "processed_hashes"

// Method describes how isProcessed reached its verdict.
type Method string

const (
	MethodSizeMismatch Method = "size_mismatch"
	MethodHashMatch    Method = "hash_match"
	MethodHashMismatch Method = "hash_mismatch"
)

// Entry records one processed file's content hash.
type Entry struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	ProjectID   string    `json:"project_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Path        string    `json:"path"`
}

// Result is the outcome of an isProcessed check.
type Result struct {
	Processed bool
	Method    Method
	Existing  *Entry
}

// Index is the process-owned content-hash deduplication singleton.
type Index struct {
	mu       sync.Mutex
	once     sync.Once
	backend  state.PersistenceBackend
	byHash   map[string]*Entry
	bySize   map[int64]map[string]bool
	loaded   bool
}

func New(backend state.PersistenceBackend) *Index {
	idx := &Index{
		backend: backend,
		byHash:  make(map[string]*Entry),
		bySize:  make(map[int64]map[string]bool),
	}
	idx.ensureLoaded(context.Background())
	return idx
}

// ensureLoaded is guarded by a one-shot lock to prevent torn concurrent
// loads, per §4.8's initialisation requirement.
func (idx *Index) ensureLoaded(ctx context.Context) {
	idx.once.Do(func() {
		data, err := idx.backend.Load(ctx, storeKey)
		if err != nil {
			idx.loaded = true
			return
		}
		var entries map[string]*Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			idx.loaded = true
			return
		}
		idx.mu.Lock()
		idx.byHash = entries
		for hash, entry := range entries {
			idx.indexSizeLocked(entry.Size, hash)
		}
		idx.loaded = true
		idx.mu.Unlock()
	})
}

func (idx *Index) indexSizeLocked(size int64, hash string) {
	if idx.bySize[size] == nil {
		idx.bySize[size] = make(map[string]bool)
	}
	idx.bySize[size][hash] = true
}

// IsProcessed checks whether a file at path has already been processed, per
// the two-stage size-then-hash lookup.
func (idx *Index) IsProcessed(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	size := info.Size()

	idx.mu.Lock()
	hashesForSize := idx.bySize[size]
	idx.mu.Unlock()

	if len(hashesForSize) == 0 {
		return Result{Processed: false, Method: MethodSizeMismatch}, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return Result{}, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if entry, ok := idx.byHash[hash]; ok {
		return Result{Processed: true, Method: MethodHashMatch, Existing: entry}, nil
	}
	return Result{Processed: false, Method: MethodHashMismatch}, nil
}

// MarkProcessed inserts or refreshes an entry and persists.
func (idx *Index) MarkProcessed(path, hash string, size int64, projectID string) {
	idx.mu.Lock()
	idx.byHash[hash] = &Entry{
		Hash:        hash,
		Size:        size,
		ProjectID:   projectID,
		ProcessedAt: time.Now(),
		Path:        path,
	}
	idx.indexSizeLocked(size, hash)
	idx.persistLocked()
	idx.mu.Unlock()
}

func (idx *Index) persistLocked() {
	data, err := json.Marshal(idx.byHash)
	if err != nil {
		return
	}
	_ = idx.backend.Save(context.Background(), storeKey, data)
}

// Cleanup removes age-expired entries, then LRU-by-ProcessedAt trims to the
// entry cap.
func (idx *Index) Cleanup(maxAgeDays int, maxEntries int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	for hash, entry := range idx.byHash {
		if entry.ProcessedAt.Before(cutoff) {
			idx.removeLocked(hash, entry.Size)
		}
	}

	if maxEntries > 0 && len(idx.byHash) > maxEntries {
		type kv struct {
			hash  string
			entry *Entry
		}
		all := make([]kv, 0, len(idx.byHash))
		for hash, entry := range idx.byHash {
			all = append(all, kv{hash, entry})
		}
		sort.Slice(all, func(i, j int) bool {
			return all[i].entry.ProcessedAt.Before(all[j].entry.ProcessedAt)
		})
		excess := len(all) - maxEntries
		for i := 0; i < excess; i++ {
			idx.removeLocked(all[i].hash, all[i].entry.Size)
		}
	}

	idx.persistLocked()
}

func (idx *Index) removeLocked(hash string, size int64) {
	delete(idx.byHash, hash)
	if set, ok := idx.bySize[size]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(idx.bySize, size)
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
