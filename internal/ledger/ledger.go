// Package ledger tracks per-model token usage and dollar cost, persisting
// a snapshot to a single JSON file asynchronously on each record.
package ledger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/contentforge/engine/infrastructure/state"
	"github.com/contentforge/engine/internal/models"
)

// PriceTable maps model name to dollars per 1000 tokens.
type PriceTable map[string]float64

// DefaultPriceTable is a static per-model pricing table.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"gemini-pro":         0.0025,
		"gemini-flash":       0.00035,
		"gemini-flash-lite":  0.0001,
	}
}

const ledgerKey = "global"

// Ledger is an in-memory additive counter set, persisted best-effort.
type Ledger struct {
	mu      sync.Mutex
	backend state.PersistenceBackend
	prices  PriceTable
	snap    models.CostSnapshot
}

func New(backend state.PersistenceBackend, prices PriceTable) *Ledger {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	l := &Ledger{
		backend: backend,
		prices:  prices,
		snap: models.CostSnapshot{
			TokensByModel: make(map[string]int64),
		},
	}
	l.restore(context.Background())
	return l
}

func (l *Ledger) restore(ctx context.Context) {
	data, err := l.backend.Load(ctx, ledgerKey)
	if err != nil {
		return
	}
	var snap models.CostSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	if snap.TokensByModel == nil {
		snap.TokensByModel = make(map[string]int64)
	}
	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
}

// Record updates totals, call count, and the dollar estimate for one
// provider call, then persists asynchronously (best-effort, per §5(b)).
func (l *Ledger) Record(model string, tokens int64) {
	l.mu.Lock()
	l.snap.TotalTokens += tokens
	l.snap.TokensByModel[model] += tokens
	l.snap.APICalls++
	l.snap.EstimatedCostUSD += float64(tokens) / 1000.0 * l.prices[model]
	snapCopy := l.copySnapshotLocked()
	l.mu.Unlock()

	go l.persist(snapCopy)
}

func (l *Ledger) persist(snap models.CostSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = l.backend.Save(context.Background(), ledgerKey, data)
}

// Snapshot returns an immutable view of current ledger state.
func (l *Ledger) Snapshot() models.CostSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copySnapshotLocked()
}

func (l *Ledger) copySnapshotLocked() models.CostSnapshot {
	byModel := make(map[string]int64, len(l.snap.TokensByModel))
	for k, v := range l.snap.TokensByModel {
		byModel[k] = v
	}
	return models.CostSnapshot{
		TotalTokens:      l.snap.TotalTokens,
		TokensByModel:    byModel,
		APICalls:         l.snap.APICalls,
		EstimatedCostUSD: l.snap.EstimatedCostUSD,
	}
}

// Delta computes the per-project cost delta between two global snapshots.
// Per the spec's documented open question (§9.i), api_calls_count is taken
// from the current global snapshot rather than being delta'd against the
// start snapshot — this mild inconsistency is preserved intentionally, not
// silently fixed, since concurrent projects interleaving calls would
// otherwise require a per-project lock the specification never asked for.
func Delta(start, end models.CostSnapshot) models.CostSnapshot {
	byModel := make(map[string]int64, len(end.TokensByModel))
	for model, endCount := range end.TokensByModel {
		byModel[model] = endCount - start.TokensByModel[model]
	}
	return models.CostSnapshot{
		TotalTokens:      end.TotalTokens - start.TotalTokens,
		TokensByModel:    byModel,
		APICalls:         end.APICalls,
		EstimatedCostUSD: end.EstimatedCostUSD - start.EstimatedCostUSD,
	}
}
