// Package types defines the core domain model shared by the falcon-monitor
// subsystems: reconciled batch records, snapshot summaries, connection state
// and the typed inbound events produced by the channel.
package types

// BatchID uniquely identifies one monitored execution batch.
// It is assigned externally at creation and never changes.
type BatchID string

// BatchStatus is the lifecycle status of a batch.
type BatchStatus string

// Batch lifecycle statuses. Allowed transitions:
//
//	idle|completed|error -> starting -> running -> stopping -> completed|error
//
// A transition that moves backwards is rejected unless the write carries a
// new execution epoch (see internal/reconciler).
const (
	StatusIdle      BatchStatus = "idle"
	StatusStarting  BatchStatus = "starting"
	StatusRunning   BatchStatus = "running"
	StatusStopping  BatchStatus = "stopping"
	StatusCompleted BatchStatus = "completed"
	StatusError     BatchStatus = "error"
)

// IsActive reports whether a run is in flight for this status.
// While active, the steps array is owned by channel events, not snapshots.
func (s BatchStatus) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// IsTerminal reports whether the status ends a run epoch.
func (s BatchStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// StepStatus is the status of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
)

// StepResult is one entry of a batch's ordered step sequence.
// Entries are appended or replaced by (Order, Name), never reordered.
type StepResult struct {
	Order      int        `json:"order"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Pass       bool       `json:"pass"`
	DurationMs *float64   `json:"duration_ms,omitempty"` // nil until the step completes
	Result     string     `json:"result,omitempty"`
}

// ExecError is the last error reported for a batch, kept for display.
type ExecError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// BatchRecord is the reconciled view of one execution batch. The
// reconciler is the sole writer; consumers hold read-only copies.
type BatchRecord struct {
	ID   BatchID `json:"id"`
	Name string  `json:"name"`

	Status BatchStatus `json:"status"`

	// ExecutionID is the opaque token of the current run epoch. Empty when
	// idle. Every step event is fenced against it.
	ExecutionID string `json:"execution_id,omitempty"`

	CurrentStep string `json:"current_step,omitempty"`
	StepIndex   int    `json:"step_index"`
	TotalSteps  int    `json:"total_steps"`

	// Progress is in [0,1] and non-decreasing while ExecutionID is unchanged.
	Progress float64 `json:"progress"`

	Steps []StepResult `json:"steps,omitempty"`

	LastRunPassed *bool      `json:"last_run_passed,omitempty"`
	ElapsedSec    float64    `json:"elapsed_sec"`
	LastError     *ExecError `json:"last_error,omitempty"`

	UpdatedAt int64 `json:"updated_at"` // Unix milliseconds
}

// Clone returns a deep copy of the record. Used by the reconciler's
// copy-on-write publication so readers never observe partial updates.
func (r *BatchRecord) Clone() *BatchRecord {
	cp := *r
	if r.Steps != nil {
		cp.Steps = make([]StepResult, len(r.Steps))
		copy(cp.Steps, r.Steps)
		for i := range cp.Steps {
			if d := r.Steps[i].DurationMs; d != nil {
				v := *d
				cp.Steps[i].DurationMs = &v
			}
		}
	}
	if r.LastRunPassed != nil {
		v := *r.LastRunPassed
		cp.LastRunPassed = &v
	}
	if r.LastError != nil {
		e := *r.LastError
		cp.LastError = &e
	}
	return &cp
}

// BatchSummary is one element of the snapshot source's batch list.
// Pointer fields distinguish "absent" (unknown, do not touch the stored
// value) from an explicit zero.
type BatchSummary struct {
	ID          BatchID     `json:"id"`
	Name        string      `json:"name"`
	Status      BatchStatus `json:"status"`
	ExecutionID string      `json:"execution_id,omitempty"`

	CurrentStep   *string      `json:"current_step,omitempty"`
	StepIndex     *int         `json:"step_index,omitempty"`
	TotalSteps    *int         `json:"total_steps,omitempty"`
	Progress      *float64     `json:"progress,omitempty"`
	ElapsedSec    *float64     `json:"elapsed_sec,omitempty"`
	LastRunPassed *bool        `json:"last_run_passed,omitempty"`
	Steps         []StepResult `json:"steps,omitempty"`

	// Removed is the explicit deletion signal. Absence of a batch from the
	// snapshot list does not delete its record.
	Removed bool `json:"removed,omitempty"`
}

// ConnStatus is the lifecycle status of the push channel connection.
type ConnStatus string

const (
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
	ConnError        ConnStatus = "error"
)

// ConnectionState is a point-in-time copy of the channel supervisor's
// state. The supervisor is its sole writer.
type ConnectionState struct {
	Status            ConnStatus `json:"status"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastHeartbeat     int64      `json:"last_heartbeat"` // Unix milliseconds
	SubscribedIDs     []BatchID  `json:"subscribed_ids"`
}

// BatchStatistics accumulates run outcomes for one batch. Counters only
// grow; reset is an external administrative action.
type BatchStatistics struct {
	Total    int     `json:"total"`
	Pass     int     `json:"pass"`
	Fail     int     `json:"fail"`
	PassRate float64 `json:"pass_rate"`
}

// ============================================================================
// Inbound channel events
// ============================================================================
//
// The dispatcher decodes wire envelopes into these shapes and forwards them
// synchronously, in arrival order. All ordering and staleness decisions are
// made by the reconciler.

// EventKind is the closed set of wire tags the dispatcher understands.
type EventKind string

const (
	KindBatchStatus      EventKind = "batch_status"
	KindStepStart        EventKind = "step_start"
	KindStepComplete     EventKind = "step_complete"
	KindSequenceComplete EventKind = "sequence_complete"
	KindLog              EventKind = "log"
	KindError            EventKind = "error"
	KindSubscribed       EventKind = "subscribed"
	KindUnsubscribed     EventKind = "unsubscribed"
)

// BatchStatusEvent is a coarse status ping for a batch. Optional fields are
// pointers: an absent field must not disturb the stored value.
type BatchStatusEvent struct {
	BatchID     BatchID     `json:"batch_id"`
	Status      BatchStatus `json:"status"`
	ExecutionID string      `json:"execution_id,omitempty"`
	CurrentStep *string     `json:"current_step,omitempty"`
	StepIndex   *int        `json:"step_index,omitempty"`
	Progress    *float64    `json:"progress,omitempty"`
	ElapsedSec  *float64    `json:"elapsed_sec,omitempty"`
}

// StepStartEvent marks a step entering the running state.
type StepStartEvent struct {
	BatchID     BatchID `json:"batch_id"`
	ExecutionID string  `json:"execution_id"`
	Step        string  `json:"step"`
	Index       int     `json:"index"`
	Total       int     `json:"total"`
}

// StepCompleteEvent carries the outcome of a finished step.
type StepCompleteEvent struct {
	BatchID     BatchID `json:"batch_id"`
	ExecutionID string  `json:"execution_id"`
	Step        string  `json:"step"`
	Index       int     `json:"index"`
	Pass        bool    `json:"pass"`
	DurationMs  float64 `json:"duration_ms"`
	Result      string  `json:"result,omitempty"`
}

// SequenceCompleteEvent ends a run epoch.
type SequenceCompleteEvent struct {
	BatchID     BatchID `json:"batch_id"`
	ExecutionID string  `json:"execution_id"`
	OverallPass bool    `json:"overall_pass"`
	DurationMs  float64 `json:"duration_ms"`
}

// LogEvent is a free-form log line attached to a batch. Not stored in the
// reconciled record (no session history); surfaced via logging only.
type LogEvent struct {
	BatchID   BatchID `json:"batch_id"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

// ErrorEvent reports an execution error for a batch.
type ErrorEvent struct {
	BatchID     BatchID `json:"batch_id"`
	ExecutionID string  `json:"execution_id,omitempty"`
	Code        string  `json:"code"`
	Message     string  `json:"message"`
	Step        string  `json:"step,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}
