// Package ingress implements the Ingress Watcher (§4.13): a poll-based
// stable-write directory watcher with language/wordcount pre-analysis and
// an atomic move into the processed directory before dispatch.
package ingress

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/contentforge/engine/infrastructure/logging"
	"github.com/contentforge/engine/infrastructure/utils"
	"github.com/contentforge/engine/internal/hashindex"
)

// Document is the pre-analysed payload handed to the dispatch handler.
type Document struct {
	Path               string
	Content            string
	Language           string
	WordCount          int
	ReadingTimeMinutes float64
}

// Handler processes one ready document. Its error is reported but never
// rewinds the already-completed move, per §4.13 step 3.
type Handler func(ctx context.Context, doc Document) error

// Config parameterises the watcher.
type Config struct {
	IncomingDir  string
	ProcessedDir string
	Extensions   []string
	StableDelay  time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Extensions:   []string{".md", ".txt", ".markdown"},
		StableDelay:  2 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

type candidate struct {
	size        int64
	lastChanged time.Time
}

// Watcher polls IncomingDir for stable-write-ready files, deduplicates
// against the content-hash index, and dispatches each ready document.
type Watcher struct {
	cfg     Config
	handler Handler
	index   *hashindex.Index
	logger  *logging.Logger

	mu         sync.Mutex
	candidates map[string]*candidate

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, index *hashindex.Index, logger *logging.Logger, handler Handler) *Watcher {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultConfig().Extensions
	}
	if cfg.StableDelay <= 0 {
		cfg.StableDelay = DefaultConfig().StableDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		cfg:        cfg,
		handler:    handler,
		index:      index,
		logger:     logger,
		candidates: make(map[string]*candidate),
	}
}

// Start begins polling in its own goroutine. Must be called only after the
// connection pool's WarmUp has completed, per §4.3.
func (w *Watcher) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) poll(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.IncomingDir)
	if err != nil {
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !w.hasAllowedExtension(name) {
			continue
		}
		path := filepath.Join(w.cfg.IncomingDir, name)
		if w.isUnderProcessedDir(path) {
			continue
		}
		seen[path] = true
		w.trackAndMaybeProcess(ctx, path)
	}

	w.forgetMissing(seen)
}

func (w *Watcher) hasAllowedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return utils.Contains(w.cfg.Extensions, ext)
}

func (w *Watcher) isUnderProcessedDir(path string) bool {
	if w.cfg.ProcessedDir == "" {
		return false
	}
	rel, err := filepath.Rel(w.cfg.ProcessedDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// trackAndMaybeProcess implements the stable-write rule: a file is ready
// only once its size has been unchanged for StableDelay.
func (w *Watcher) trackAndMaybeProcess(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	size := info.Size()

	w.mu.Lock()
	c, tracked := w.candidates[path]
	if !tracked || c.size != size {
		w.candidates[path] = &candidate{size: size, lastChanged: time.Now()}
		w.mu.Unlock()
		return
	}
	stableFor := time.Since(c.lastChanged)
	w.mu.Unlock()

	if stableFor < w.cfg.StableDelay {
		return
	}

	w.mu.Lock()
	delete(w.candidates, path)
	w.mu.Unlock()

	w.processReady(ctx, path)
}

func (w *Watcher) forgetMissing(seen map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.candidates {
		if !seen[path] {
			delete(w.candidates, path)
		}
	}
}

// processReady implements §4.13 steps 1-3: dedup check, read + classify,
// atomic move, then dispatch.
func (w *Watcher) processReady(ctx context.Context, path string) {
	var duplicateOf *hashindex.Entry
	if w.index != nil {
		if result, err := w.index.IsProcessed(path); err == nil && result.Processed {
			duplicateOf = result.Existing
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return
	}

	language := ClassifyLanguage(string(content))
	wordCount := CountWords(string(content), language)
	readingTime := EstimateReadingMinutes(wordCount, language)

	if err := os.MkdirAll(w.cfg.ProcessedDir, 0o755); err != nil {
		return
	}
	dest := filepath.Join(w.cfg.ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return
	}

	// The file is moved regardless of the duplicate verdict — §4.13's
	// contract is that incoming/ never accumulates already-seen content,
	// even when dispatch is skipped.
	if duplicateOf != nil {
		if w.logger != nil {
			w.logger.WithContext(ctx).
				WithField("existing_project_id", duplicateOf.ProjectID).
				WithField("path", dest).
				Info("duplicate content, skipping dispatch")
		}
		return
	}

	doc := Document{
		Path:               dest,
		Content:            string(content),
		Language:           language,
		WordCount:          wordCount,
		ReadingTimeMinutes: readingTime,
	}

	if err := w.handler(ctx, doc); err != nil && w.logger != nil {
		w.logger.WithContext(ctx).WithError(err).WithField("path", dest).Error("ingress handler failed")
	}
}

// ClassifyLanguage returns "zh" when at least 30% of runes fall in the CJK
// Unicode blocks, else "en".
func ClassifyLanguage(content string) string {
	total := 0
	han := 0
	for _, r := range content {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if isHan(r) {
			han++
		}
	}
	if total == 0 {
		return "en"
	}
	if float64(han)/float64(total) >= 0.3 {
		return "zh"
	}
	return "en"
}

func isHan(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// CountWords counts Han characters for zh, whitespace-delimited tokens for
// en.
func CountWords(content, language string) int {
	if language == "zh" {
		count := 0
		for _, r := range content {
			if isHan(r) {
				count++
			}
		}
		return count
	}
	return len(strings.Fields(content))
}

// EstimateReadingMinutes applies 300 characters/minute for zh, 200
// words/minute for en.
func EstimateReadingMinutes(count int, language string) float64 {
	if language == "zh" {
		return float64(count) / 300.0
	}
	return float64(count) / 200.0
}
