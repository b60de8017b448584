// ============================================================================
// Falcon-Monitor Execution State Reconciler
// ============================================================================
//
// Package: internal/reconciler
// File: reconciler.go
// Purpose: Merges the two unsynchronized state sources (push channel events
// and periodic snapshot polls) into one consistent, monotonically
// progressing view per batch.
//
// Design:
//   1. batches map - the authoritative in-memory store, single source of
//      truth. The reconciler is the only writer.
//   2. Copy-on-write publication - every update clones the touched record
//      and replaces the map, so concurrent readers always observe a
//      consistent point-in-time view and never a partial update.
//   3. Merge rules (merge.go) - status lattice + execution-epoch fencing +
//      progress monotonicity decide which source owns which field.
//
// Field ownership:
//   - While a batch is active (starting/running/stopping) the steps array
//     and step-derived fields belong to channel events; snapshots only
//     contribute descriptive metadata (name, unknown totals).
//   - Once a batch is terminal, ownership flips to the snapshot, which is
//     the durable record - except that an empty snapshot steps list never
//     clears a non-empty stored one (snapshot reads can race persistence).
//
// Concurrency:
//   - One mutex serializes all writers; the channel and the poller call in
//     from independent goroutines without external locking.
//   - Stale and duplicate updates are an expected race outcome, not an
//     error: they are logged at debug level and counted, never returned as
//     failures.
//
// ============================================================================

package reconciler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// phantomName marks a record synthesized from an event that arrived before
// the first snapshot described the batch.
const phantomName = "Loading…"

// Config carries the reconciler's collaborators. All fields are optional.
type Config struct {
	// OnCompletion is invoked exactly once per terminal outcome per
	// execution epoch (never per snapshot poll). The statistics
	// accumulator hangs off this hook.
	OnCompletion func(id types.BatchID, passed bool)

	Metrics *metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
}

// Reconciler owns the authoritative batch map and applies the merge rules
// to whichever input arrives.
type Reconciler struct {
	mu      sync.RWMutex
	batches map[types.BatchID]*types.BatchRecord // published map, never mutated in place

	// counted remembers the last execution id whose terminal outcome was
	// forwarded to OnCompletion, per batch. Guards idempotence.
	counted map[types.BatchID]string

	onCompletion func(types.BatchID, bool)
	metrics      *metrics.Collector
	log          *slog.Logger
	now          func() time.Time
}

// NewReconciler creates an empty reconciler.
func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		batches:      make(map[types.BatchID]*types.BatchRecord),
		counted:      make(map[types.BatchID]string),
		onCompletion: cfg.OnCompletion,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          cfg.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// View returns the current reconciled map. The returned map and the records
// it holds are immutable: callers must treat them as read-only.
func (r *Reconciler) View() map[types.BatchID]*types.BatchRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batches
}

// Get returns the current record for one batch, or nil if unknown.
func (r *Reconciler) Get(id types.BatchID) *types.BatchRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batches[id]
}

// Len returns the number of reconciled batches.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

// ============================================================================
// Event inputs (channel side)
// ============================================================================

// ApplyStatus merges a coarse status ping. A new execution id is evidence
// of a fresh run and is honored even when the transition looks regressive;
// otherwise the status lattice rejects backward moves, protecting the
// record against stale snapshots and late pings.
func (r *Reconciler) ApplyStatus(ev types.BatchStatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.mutable(ev.BatchID, ev.Status)
	outcome := compareEpoch(cp.ExecutionID, ev.ExecutionID)
	newEpoch := outcome == epochNew

	if !acceptStatus(cp.Status, ev.Status, newEpoch) {
		r.dropStale("batch_status", ev.BatchID, cp.Status, ev.Status, cp.ExecutionID, ev.ExecutionID)
		return
	}

	if newEpoch {
		r.resetEpoch(cp, ev.ExecutionID)
	} else if outcome == epochAdopt {
		cp.ExecutionID = ev.ExecutionID
	}

	cp.Status = ev.Status
	if ev.CurrentStep != nil {
		cp.CurrentStep = *ev.CurrentStep
	}
	if ev.StepIndex != nil {
		cp.StepIndex = *ev.StepIndex
	}
	if ev.Progress != nil {
		merged, regressive := mergeProgress(cp.Progress, *ev.Progress, newEpoch)
		if regressive {
			r.log.Debug("Progress regression dropped",
				"batch_id", ev.BatchID, "stored", cp.Progress, "incoming", *ev.Progress)
			r.metrics.RecordDroppedStale()
		}
		cp.Progress = merged
	}
	if ev.ElapsedSec != nil {
		cp.ElapsedSec = *ev.ElapsedSec
	}

	r.publish(cp)
	r.metrics.RecordEventApplied()
}

// StartStep marks a step running. Fenced by execution id: an event from a
// superseded run leaves the record unchanged.
func (r *Reconciler) StartStep(ev types.StepStartEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.mutable(ev.BatchID, types.StatusRunning)
	if fenced(cp.ExecutionID, ev.ExecutionID) {
		r.dropFenced("step_start", ev.BatchID, cp.ExecutionID, ev.ExecutionID)
		return
	}
	if cp.ExecutionID == "" {
		cp.ExecutionID = ev.ExecutionID
	}

	cp.Steps = upsertStep(cp.Steps, types.StepResult{
		Order:  ev.Index,
		Name:   ev.Step,
		Status: types.StepRunning,
	})
	cp.CurrentStep = ev.Step
	cp.StepIndex = ev.Index
	if ev.Total > 0 {
		cp.TotalSteps = ev.Total
	}
	// A step starting implies the run is underway.
	if acceptStatus(cp.Status, types.StatusRunning, false) {
		cp.Status = types.StatusRunning
	}

	r.publish(cp)
	r.metrics.RecordEventApplied()
}

// CompleteStep upserts a finished step and recomputes progress from the
// completed-step count. Step-derived progress is authoritative over less
// precise status-ping estimates, so the monotonic rule applies on top.
func (r *Reconciler) CompleteStep(ev types.StepCompleteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.mutable(ev.BatchID, types.StatusRunning)
	if fenced(cp.ExecutionID, ev.ExecutionID) {
		r.dropFenced("step_complete", ev.BatchID, cp.ExecutionID, ev.ExecutionID)
		return
	}
	if cp.ExecutionID == "" {
		cp.ExecutionID = ev.ExecutionID
	}

	dur := ev.DurationMs
	cp.Steps = upsertStep(cp.Steps, types.StepResult{
		Order:      ev.Index,
		Name:       ev.Step,
		Status:     types.StepCompleted,
		Pass:       ev.Pass,
		DurationMs: &dur,
		Result:     ev.Result,
	})

	if cp.TotalSteps > 0 {
		incoming := float64(completedSteps(cp.Steps)) / float64(cp.TotalSteps)
		merged, regressive := mergeProgress(cp.Progress, incoming, false)
		if regressive {
			r.log.Debug("Progress regression dropped",
				"batch_id", ev.BatchID, "stored", cp.Progress, "incoming", incoming)
			r.metrics.RecordDroppedStale()
		}
		cp.Progress = merged
	}

	r.publish(cp)
	r.metrics.RecordEventApplied()
	r.metrics.ObserveStepDuration(ev.DurationMs / 1000)
}

// CompleteSequence ends the run epoch: status goes terminal, the outcome is
// recorded, and the statistics hook fires exactly once for this epoch.
func (r *Reconciler) CompleteSequence(ev types.SequenceCompleteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.mutable(ev.BatchID, types.StatusCompleted)
	if fenced(cp.ExecutionID, ev.ExecutionID) {
		r.dropFenced("sequence_complete", ev.BatchID, cp.ExecutionID, ev.ExecutionID)
		return
	}
	if cp.ExecutionID == "" {
		cp.ExecutionID = ev.ExecutionID
	}

	cp.Status = types.StatusCompleted
	passed := ev.OverallPass
	cp.LastRunPassed = &passed
	cp.ElapsedSec = ev.DurationMs / 1000
	if ev.OverallPass {
		cp.Progress, _ = mergeProgress(cp.Progress, 1, false)
	}

	r.publish(cp)
	r.metrics.RecordEventApplied()
	r.countCompletion(ev.BatchID, cp.ExecutionID, ev.OverallPass)
}

// RecordError attaches an execution error and, lattice permitting, moves
// the batch to the error status. A terminal error counts as a failed run
// under the same once-per-epoch guard as CompleteSequence.
func (r *Reconciler) RecordError(ev types.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.mutable(ev.BatchID, types.StatusError)
	if fenced(cp.ExecutionID, ev.ExecutionID) {
		r.dropFenced("error", ev.BatchID, cp.ExecutionID, ev.ExecutionID)
		return
	}
	if cp.ExecutionID == "" {
		cp.ExecutionID = ev.ExecutionID
	}

	cp.LastError = &types.ExecError{
		Code:      ev.Code,
		Message:   ev.Message,
		Step:      ev.Step,
		Timestamp: ev.Timestamp,
	}
	if acceptStatus(cp.Status, types.StatusError, false) {
		cp.Status = types.StatusError
		failed := false
		cp.LastRunPassed = &failed
		r.countCompletion(ev.BatchID, cp.ExecutionID, false)
	}

	r.publish(cp)
	r.metrics.RecordEventApplied()
}

// ============================================================================
// Snapshot input (poll side)
// ============================================================================

// ApplySnapshot merges one poll result. Overlapping and duplicate snapshots
// are expected; the merge rules make them harmless. The whole poll is
// published as a single copy-on-write swap.
func (r *Reconciler) ApplySnapshot(summaries []types.BatchSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[types.BatchID]*types.BatchRecord, len(r.batches))
	for id, rec := range r.batches {
		next[id] = rec
	}

	for i := range summaries {
		s := &summaries[i]
		if s.Removed {
			delete(next, s.ID)
			delete(r.counted, s.ID)
			r.log.Info("Batch removed by snapshot", "batch_id", s.ID)
			continue
		}

		stored, ok := next[s.ID]
		if !ok {
			next[s.ID] = r.recordFromSummary(s)
			continue
		}
		next[s.ID] = r.mergeSummary(stored, s)
	}

	r.batches = next
	r.metrics.SetBatchesActive(len(next))
}

// mergeSummary applies one summary onto a stored record and returns the
// replacement record.
func (r *Reconciler) mergeSummary(stored *types.BatchRecord, s *types.BatchSummary) *types.BatchRecord {
	cp := stored.Clone()

	outcome := compareEpoch(cp.ExecutionID, s.ExecutionID)
	newEpoch := outcome == epochNew

	// Descriptive metadata merges regardless of run state. This is what
	// fills in a phantom-hydrated record without disturbing its numbers.
	if s.Name != "" {
		cp.Name = s.Name
	}
	if s.TotalSteps != nil && cp.TotalSteps == 0 {
		cp.TotalSteps = *s.TotalSteps
	}

	if !acceptStatus(cp.Status, s.Status, newEpoch) {
		// The whole summary is stale for this batch. Descriptive metadata
		// above is all it may contribute.
		r.dropStale("snapshot", s.ID, cp.Status, s.Status, cp.ExecutionID, s.ExecutionID)
		r.stamp(cp)
		return cp
	}

	if newEpoch {
		r.resetEpoch(cp, s.ExecutionID)
	} else if outcome == epochAdopt {
		cp.ExecutionID = s.ExecutionID
	}
	cp.Status = s.Status

	if cp.Status.IsActive() {
		// Events own steps and step-derived fields during execution; the
		// poll is known to lag here.
		r.stamp(cp)
		return cp
	}

	// Terminal or idle: the snapshot is the durable record.
	if len(s.Steps) > 0 {
		cp.Steps = cloneSteps(s.Steps)
	} else if len(cp.Steps) > 0 {
		r.log.Debug("Snapshot with empty steps ignored for steps field",
			"batch_id", s.ID)
	}
	if s.CurrentStep != nil {
		cp.CurrentStep = *s.CurrentStep
	}
	if s.StepIndex != nil {
		cp.StepIndex = *s.StepIndex
	}
	if s.TotalSteps != nil {
		cp.TotalSteps = *s.TotalSteps
	}
	if s.Progress != nil {
		merged, regressive := mergeProgress(cp.Progress, *s.Progress, newEpoch)
		if regressive {
			r.metrics.RecordDroppedStale()
		}
		cp.Progress = merged
	}
	if s.ElapsedSec != nil {
		cp.ElapsedSec = *s.ElapsedSec
	}
	if s.LastRunPassed != nil {
		v := *s.LastRunPassed
		cp.LastRunPassed = &v
	}

	r.stamp(cp)
	return cp
}

// recordFromSummary builds a fresh record for a batch first seen by poll.
func (r *Reconciler) recordFromSummary(s *types.BatchSummary) *types.BatchRecord {
	rec := &types.BatchRecord{
		ID:          s.ID,
		Name:        s.Name,
		Status:      s.Status,
		ExecutionID: s.ExecutionID,
		Steps:       cloneSteps(s.Steps),
	}
	if rec.Status == "" {
		rec.Status = types.StatusIdle
	}
	if s.CurrentStep != nil {
		rec.CurrentStep = *s.CurrentStep
	}
	if s.StepIndex != nil {
		rec.StepIndex = *s.StepIndex
	}
	if s.TotalSteps != nil {
		rec.TotalSteps = *s.TotalSteps
	}
	if s.Progress != nil {
		rec.Progress, _ = mergeProgress(0, *s.Progress, true)
	}
	if s.ElapsedSec != nil {
		rec.ElapsedSec = *s.ElapsedSec
	}
	if s.LastRunPassed != nil {
		v := *s.LastRunPassed
		rec.LastRunPassed = &v
	}
	r.stamp(rec)
	return rec
}

// ============================================================================
// Internals (callers hold r.mu)
// ============================================================================

// mutable returns a clone of the stored record ready for mutation,
// synthesizing a phantom placeholder when an event references a batch the
// map has never seen. No update is ever lost to an unknown id.
func (r *Reconciler) mutable(id types.BatchID, inferred types.BatchStatus) *types.BatchRecord {
	if stored, ok := r.batches[id]; ok {
		return stored.Clone()
	}
	r.log.Debug("Phantom hydration", "batch_id", id, "status", inferred)
	return &types.BatchRecord{
		ID:     id,
		Name:   phantomName,
		Status: inferred,
	}
}

// resetEpoch clears run-scoped state for a fresh execution id.
func (r *Reconciler) resetEpoch(cp *types.BatchRecord, execID string) {
	cp.ExecutionID = execID
	cp.Steps = nil
	cp.Progress = 0
	cp.CurrentStep = ""
	cp.StepIndex = 0
	cp.ElapsedSec = 0
	cp.LastError = nil
}

// publish swaps in a new map containing the updated record.
func (r *Reconciler) publish(cp *types.BatchRecord) {
	r.stamp(cp)
	next := make(map[types.BatchID]*types.BatchRecord, len(r.batches)+1)
	for id, rec := range r.batches {
		next[id] = rec
	}
	next[cp.ID] = cp
	r.batches = next
	r.metrics.SetBatchesActive(len(next))
}

func (r *Reconciler) stamp(cp *types.BatchRecord) {
	cp.UpdatedAt = r.now().UnixMilli()
}

// countCompletion forwards a terminal outcome once per execution epoch.
func (r *Reconciler) countCompletion(id types.BatchID, execID string, passed bool) {
	if prev, ok := r.counted[id]; ok && prev == execID {
		return
	}
	r.counted[id] = execID
	if r.onCompletion != nil {
		r.onCompletion(id, passed)
	}
	r.metrics.RecordRunCompleted(passed)
}

func (r *Reconciler) dropStale(source string, id types.BatchID, stored, incoming types.BatchStatus, storedExec, incomingExec string) {
	r.log.Debug("Regressive status dropped",
		"source", source, "batch_id", id,
		"stored_status", stored, "incoming_status", incoming,
		"stored_execution_id", storedExec, "incoming_execution_id", incomingExec)
	r.metrics.RecordDroppedStale()
}

func (r *Reconciler) dropFenced(kind string, id types.BatchID, storedExec, incomingExec string) {
	r.log.Debug("Fenced event discarded",
		"kind", kind, "batch_id", id,
		"stored_execution_id", storedExec, "incoming_execution_id", incomingExec)
	r.metrics.RecordDroppedStale()
}
