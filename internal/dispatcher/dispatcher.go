// ============================================================================
// Falcon-Monitor Event Dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Classifies raw channel envelopes into the closed set of typed
// events and forwards each one, synchronously and in arrival order, to the
// reconciler.
//
// Rules:
//   - Unknown tags are ignored (forward compatible).
//   - Malformed payloads are logged with their raw content and dropped; a
//     single bad message never stops the stream.
//   - No buffering, no reordering: all ordering logic lives in the
//     reconciler.
//
// ============================================================================

package dispatcher

import (
	"encoding/json"
	"log/slog"

	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// Sink consumes typed events. Implemented by the reconciler.
type Sink interface {
	ApplyStatus(types.BatchStatusEvent)
	StartStep(types.StepStartEvent)
	CompleteStep(types.StepCompleteEvent)
	CompleteSequence(types.SequenceCompleteEvent)
	RecordError(types.ErrorEvent)
}

// Dispatcher decodes wire envelopes and routes them to the sink.
type Dispatcher struct {
	sink    Sink
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewDispatcher creates a dispatcher feeding the given sink.
func NewDispatcher(sink Sink, mc *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sink: sink, metrics: mc, log: logger}
}

// envelope carries only the tag; payload fields live flat beside it and are
// decoded per kind.
type envelope struct {
	Type types.EventKind `json:"type"`
}

// Dispatch classifies one raw message. Matches channel.Handler.
func (d *Dispatcher) Dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.dropMalformed(raw, err)
		return
	}

	switch env.Type {
	case types.KindBatchStatus:
		var ev types.BatchStatusEvent
		if !d.decode(raw, &ev) {
			return
		}
		d.sink.ApplyStatus(ev)

	case types.KindStepStart:
		var ev types.StepStartEvent
		if !d.decode(raw, &ev) {
			return
		}
		d.sink.StartStep(ev)

	case types.KindStepComplete:
		var ev types.StepCompleteEvent
		if !d.decode(raw, &ev) {
			return
		}
		d.sink.CompleteStep(ev)

	case types.KindSequenceComplete:
		var ev types.SequenceCompleteEvent
		if !d.decode(raw, &ev) {
			return
		}
		d.sink.CompleteSequence(ev)

	case types.KindError:
		var ev types.ErrorEvent
		if !d.decode(raw, &ev) {
			return
		}
		d.sink.RecordError(ev)

	case types.KindLog:
		var ev types.LogEvent
		if !d.decode(raw, &ev) {
			return
		}
		// Log lines are surfaced, not stored (no session history).
		d.logLine(ev)

	case types.KindSubscribed, types.KindUnsubscribed:
		// Server acknowledgments; nothing to merge.
		d.log.Debug("Subscription acknowledged", "type", env.Type)

	default:
		d.log.Debug("Unknown event tag ignored", "type", env.Type)
	}
}

// decode unmarshals the flat payload. Failures are dropped, never fatal.
func (d *Dispatcher) decode(raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		d.dropMalformed(raw, err)
		return false
	}
	return true
}

func (d *Dispatcher) dropMalformed(raw []byte, err error) {
	d.log.Warn("Malformed payload dropped", "error", err, "raw", string(raw))
	d.metrics.RecordDroppedMalformed()
}

func (d *Dispatcher) logLine(ev types.LogEvent) {
	switch ev.Level {
	case "error":
		d.log.Error("Batch log", "batch_id", ev.BatchID, "message", ev.Message)
	case "warn", "warning":
		d.log.Warn("Batch log", "batch_id", ev.BatchID, "message", ev.Message)
	default:
		d.log.Info("Batch log", "batch_id", ev.BatchID, "message", ev.Message)
	}
}
