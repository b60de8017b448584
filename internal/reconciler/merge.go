// ============================================================================
// Falcon-Monitor Reconciler - pure merge rules
// ============================================================================
//
// Package: internal/reconciler
// File: merge.go
// Purpose: The ordering and staleness rules of the reconciler, expressed as
// pure functions over (stored, incoming) so they can be unit tested without
// any transport.
//
// Why these rules exist:
//   The channel and the snapshot poll are never linearized with respect to
//   each other and there is no global clock. "Last writer wins only if it is
//   not stale" is therefore approximated by:
//     1. a partial order over statuses (the lattice), rejecting writes that
//        move a batch backwards, and
//     2. execution-epoch comparison, where a new execution id is evidence of
//        a fresh run and overrides the lattice.
//
// ============================================================================

package reconciler

import "github.com/ChuLiYu/falcon-monitor/pkg/types"

// statusRank orders statuses along the lattice:
//
//	idle(0) -> starting(1) -> running(2) -> stopping(3) -> completed|error(4)
//
// completed and error share the terminal rank: the durable snapshot may flip
// one into the other for a finished run.
func statusRank(s types.BatchStatus) int {
	switch s {
	case types.StatusStarting:
		return 1
	case types.StatusRunning:
		return 2
	case types.StatusStopping:
		return 3
	case types.StatusCompleted, types.StatusError:
		return 4
	default: // idle and anything unknown
		return 0
	}
}

// epochOutcome classifies an incoming execution id against the stored one.
type epochOutcome int

const (
	// epochSame: same run, or the incoming write carries no execution id.
	// A write with no execution id always loses epoch comparisons: it can
	// neither fence out events nor install a new epoch.
	epochSame epochOutcome = iota
	// epochAdopt: the stored record has no execution id yet; the incoming
	// one is adopted.
	epochAdopt
	// epochNew: both sides carry different, non-empty ids. Evidence of a
	// fresh run; honored even when the status looks like a regression.
	epochNew
)

func compareEpoch(stored, incoming string) epochOutcome {
	switch {
	case incoming == "":
		return epochSame
	case stored == "":
		return epochAdopt
	case stored == incoming:
		return epochSame
	default:
		return epochNew
	}
}

// fenced reports whether a step-level event must be discarded: the stored
// record already belongs to a different, non-empty epoch, so the event was
// produced by a run that has since been superseded.
func fenced(stored, incoming string) bool {
	return stored != "" && incoming != "" && stored != incoming
}

// acceptStatus decides whether a status write is applied. A regression is
// accepted only with a new epoch. Equal ranks are accepted so duplicate
// terminal reports and completed<->error flips merge cleanly.
func acceptStatus(stored, incoming types.BatchStatus, newEpoch bool) bool {
	if newEpoch {
		return true
	}
	return statusRank(incoming) >= statusRank(stored)
}

// mergeProgress applies the monotonicity rule: within one epoch progress
// only moves forward; a lower incoming value is reported as regressive and
// kept out. A new epoch resets progress to the incoming value.
func mergeProgress(stored, incoming float64, newEpoch bool) (merged float64, regressive bool) {
	if incoming < 0 {
		incoming = 0
	} else if incoming > 1 {
		incoming = 1
	}
	if newEpoch {
		return incoming, false
	}
	if incoming < stored {
		return stored, true
	}
	return incoming, false
}

// upsertStep appends or replaces a step entry by (order, name). Existing
// outcome fields survive unless the incoming entry carries replacements, so
// a step restarting keeps its previous duration/result until a fresh
// completion overwrites them. The sequence is never reordered.
func upsertStep(steps []types.StepResult, entry types.StepResult) []types.StepResult {
	for i := range steps {
		if steps[i].Name == entry.Name && steps[i].Order == entry.Order {
			if entry.DurationMs == nil {
				entry.DurationMs = steps[i].DurationMs
			}
			if entry.Result == "" {
				entry.Result = steps[i].Result
			}
			if entry.Status == types.StepRunning && steps[i].Status == types.StepCompleted {
				// Re-running a finished step keeps the old pass flag visible
				// until the new completion arrives.
				entry.Pass = steps[i].Pass
			}
			steps[i] = entry
			return steps
		}
	}
	return append(steps, entry)
}

// completedSteps counts entries with a completed status.
func completedSteps(steps []types.StepResult) int {
	n := 0
	for i := range steps {
		if steps[i].Status == types.StepCompleted {
			n++
		}
	}
	return n
}

// cloneSteps deep-copies a step slice for copy-on-write publication.
func cloneSteps(steps []types.StepResult) []types.StepResult {
	if steps == nil {
		return nil
	}
	cp := make([]types.StepResult, len(steps))
	copy(cp, steps)
	for i := range cp {
		if d := steps[i].DurationMs; d != nil {
			v := *d
			cp[i].DurationMs = &v
		}
	}
	return cp
}
