// ============================================================================
// Falcon-Monitor Statistics Accumulator
// ============================================================================
//
// Package: internal/stats
// File: stats.go
// Purpose: Derives pass/fail/pass-rate counters per batch incrementally
// from terminal run outcomes, independent of snapshot refresh cycles.
//
// Idempotence per logical run is the reconciler's job: it invokes
// ObserveCompletion exactly once per terminal event per execution epoch,
// never per snapshot poll. The accumulator itself only counts.
//
// ============================================================================

package stats

import (
	"sync"

	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// Accumulator holds per-batch run statistics. Counters only grow; Reset is
// the explicit administrative exception.
type Accumulator struct {
	mu       sync.RWMutex
	perBatch map[types.BatchID]*types.BatchStatistics
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		perBatch: make(map[types.BatchID]*types.BatchStatistics),
	}
}

// ObserveCompletion records one terminal run outcome for a batch.
func (a *Accumulator) ObserveCompletion(id types.BatchID, passed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.perBatch[id]
	if !ok {
		st = &types.BatchStatistics{}
		a.perBatch[id] = st
	}

	st.Total++
	if passed {
		st.Pass++
	} else {
		st.Fail++
	}
	st.PassRate = float64(st.Pass) / float64(st.Total)
}

// Get returns the statistics for one batch.
func (a *Accumulator) Get(id types.BatchID) (types.BatchStatistics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.perBatch[id]
	if !ok {
		return types.BatchStatistics{}, false
	}
	return *st, true
}

// Snapshot returns a copy of all per-batch statistics.
func (a *Accumulator) Snapshot() map[types.BatchID]types.BatchStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[types.BatchID]types.BatchStatistics, len(a.perBatch))
	for id, st := range a.perBatch {
		out[id] = *st
	}
	return out
}

// Reset clears the counters for one batch. Administrative use only.
func (a *Accumulator) Reset(id types.BatchID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.perBatch, id)
}
