// Package trends implements the Trend Authority Store (§4.7): a persistent
// keyword → TrendEntry map with consecutive-window promotion and
// time-decay demotion.
package trends

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/contentforge/engine/infrastructure/cache"
	"github.com/contentforge/engine/infrastructure/state"
)

const (
	refreshWindow  = 6 * time.Hour
	decayThreshold = 24 * time.Hour
	storeKey       = "trends_authority"

	// fetchCacheTTL bounds how often the same topic hits the external
	// Source between GetHot calls, independent of the window/decay math.
	fetchCacheTTL = 5 * time.Minute
)

// Entry is one keyword's trend history.
type Entry struct {
	Keyword            string    `json:"keyword"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	ConsecutiveWindows int       `json:"consecutive_windows"`
}

// Authority is the derived rank of a trend keyword.
type Authority string

const (
	Established Authority = "established"
	Emerging    Authority = "emerging"
	Fleeting    Authority = "fleeting"
)

// DeriveAuthority maps a consecutive-window count to its authority label.
func DeriveAuthority(consecutiveWindows int) Authority {
	switch {
	case consecutiveWindows >= 3:
		return Established
	case consecutiveWindows == 2:
		return Emerging
	default:
		return Fleeting
	}
}

// Source fetches raw trend candidates for a topic from an external
// collaborator (mocked in dev; failures degrade gracefully per §6).
type Source interface {
	Fetch(ctx context.Context, topic string) ([]string, error)
}

// Store is the process-owned trend authority singleton.
type Store struct {
	mu         sync.Mutex
	backend    state.PersistenceBackend
	source     Source
	entries    map[string]*Entry
	now        func() time.Time
	fetchCache *cache.TTLCache
}

func New(backend state.PersistenceBackend, source Source) *Store {
	s := &Store{
		backend:    backend,
		source:     source,
		entries:    make(map[string]*Entry),
		now:        time.Now,
		fetchCache: cache.NewTTLCache(fetchCacheTTL),
	}
	s.restore(context.Background())
	return s
}

func (s *Store) restore(ctx context.Context) {
	data, err := s.backend.Load(ctx, storeKey)
	if err != nil {
		return
	}
	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

func (s *Store) persistLocked() {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return
	}
	_ = s.backend.Save(context.Background(), storeKey, data)
}

// GetHot runs the decay pass, fetches candidates, promotes them, persists,
// and returns the candidates sorted by derived authority.
func (s *Store) GetHot(ctx context.Context, topic string) ([]Entry, error) {
	s.mu.Lock()
	s.decayLocked()
	s.mu.Unlock()

	candidates, err := s.fetchCached(ctx, topic)
	if err != nil {
		// External collaborator failures degrade gracefully: empty list.
		candidates = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := make([]Entry, 0, len(candidates))
	for _, keyword := range candidates {
		entry, exists := s.entries[keyword]
		if !exists {
			entry = &Entry{Keyword: keyword, FirstSeen: now, LastSeen: now, ConsecutiveWindows: 1}
			s.entries[keyword] = entry
		} else {
			if now.Sub(entry.LastSeen) >= refreshWindow {
				entry.ConsecutiveWindows++
			}
			entry.LastSeen = now
		}
		result = append(result, *entry)
	}

	s.persistLocked()

	sort.SliceStable(result, func(i, j int) bool {
		return authorityRank(result[i].ConsecutiveWindows) < authorityRank(result[j].ConsecutiveWindows)
	})
	return result, nil
}

// fetchCached serves a topic's candidate list from the in-process TTL
// cache when available, only calling the Source on a miss.
func (s *Store) fetchCached(ctx context.Context, topic string) ([]string, error) {
	if cached, ok := s.fetchCache.Get(ctx, topic); ok {
		return cached.([]string), nil
	}
	candidates, err := s.source.Fetch(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.fetchCache.Set(ctx, topic, candidates)
	return candidates, nil
}

// authorityRank orders established before emerging before fleeting.
func authorityRank(consecutiveWindows int) int {
	switch DeriveAuthority(consecutiveWindows) {
	case Established:
		return 0
	case Emerging:
		return 1
	default:
		return 2
	}
}

// decayLocked must be called with s.mu held.
func (s *Store) decayLocked() {
	now := s.now()
	for keyword, entry := range s.entries {
		if now.Sub(entry.LastSeen) > decayThreshold {
			entry.ConsecutiveWindows--
			if entry.ConsecutiveWindows <= 0 {
				delete(s.entries, keyword)
			}
		}
	}
}

// Established returns the list of durable (established) keywords.
func (s *Store) Established() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for keyword, entry := range s.entries {
		if DeriveAuthority(entry.ConsecutiveWindows) == Established {
			out = append(out, keyword)
		}
	}
	sort.Strings(out)
	return out
}
