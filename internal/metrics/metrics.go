// ============================================================================
// Falcon-Monitor Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes runtime metrics for the monitor.
//
// Metric groups:
//
//   1. Event counters (Counter):
//      - monitor_events_applied_total: channel events accepted by the reconciler
//      - monitor_events_dropped_stale_total: events fenced out as stale/duplicate
//      - monitor_events_dropped_malformed_total: payloads that failed to parse
//
//   2. Run outcome counters (Counter):
//      - monitor_runs_passed_total / monitor_runs_failed_total
//
//   3. Channel health:
//      - monitor_channel_reconnects_total (Counter)
//      - monitor_channel_up (Gauge, 0/1)
//
//   4. Snapshot polling:
//      - monitor_snapshot_polls_total / monitor_snapshot_failures_total
//
//   5. State gauges:
//      - monitor_batches_active, monitor_batches_subscribed
//
//   6. monitor_step_duration_seconds (Histogram): per-step execution time
//
// Exposed on /metrics in Prometheus text format, scraped on an interval.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the monitor's Prometheus metrics.
type Collector struct {
	eventsApplied          prometheus.Counter
	eventsDroppedStale     prometheus.Counter
	eventsDroppedMalformed prometheus.Counter

	runsPassed prometheus.Counter
	runsFailed prometheus.Counter

	channelReconnects prometheus.Counter
	channelUp         prometheus.Gauge

	snapshotPolls    prometheus.Counter
	snapshotFailures prometheus.Counter

	batchesActive     prometheus.Gauge
	batchesSubscribed prometheus.Gauge

	stepDuration prometheus.Histogram
}

// NewCollector creates the collector and registers all metrics with the
// default registry.
func NewCollector() *Collector {
	c := &Collector{
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_events_applied_total",
			Help: "Total number of channel events accepted by the reconciler",
		}),
		eventsDroppedStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_events_dropped_stale_total",
			Help: "Total number of updates discarded as stale or duplicate",
		}),
		eventsDroppedMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_events_dropped_malformed_total",
			Help: "Total number of inbound payloads dropped for parse failures",
		}),
		runsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_runs_passed_total",
			Help: "Total number of batch runs that completed with a pass",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_runs_failed_total",
			Help: "Total number of batch runs that completed with a fail or error",
		}),
		channelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_channel_reconnects_total",
			Help: "Total number of channel reconnect attempts",
		}),
		channelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_channel_up",
			Help: "Whether the push channel is currently connected (0/1)",
		}),
		snapshotPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_snapshot_polls_total",
			Help: "Total number of snapshot poll attempts",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_snapshot_failures_total",
			Help: "Total number of snapshot polls that returned an error",
		}),
		batchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_batches_active",
			Help: "Current number of batches held in the reconciled view",
		}),
		batchesSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_batches_subscribed",
			Help: "Current size of the channel subscription set",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_step_duration_seconds",
			Help:    "Reported duration of completed steps in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.eventsApplied)
	prometheus.MustRegister(c.eventsDroppedStale)
	prometheus.MustRegister(c.eventsDroppedMalformed)
	prometheus.MustRegister(c.runsPassed)
	prometheus.MustRegister(c.runsFailed)
	prometheus.MustRegister(c.channelReconnects)
	prometheus.MustRegister(c.channelUp)
	prometheus.MustRegister(c.snapshotPolls)
	prometheus.MustRegister(c.snapshotFailures)
	prometheus.MustRegister(c.batchesActive)
	prometheus.MustRegister(c.batchesSubscribed)
	prometheus.MustRegister(c.stepDuration)

	return c
}

// RecordEventApplied records an event accepted by the reconciler.
// All Record/Set methods are nil-safe so components can run without metrics.
func (c *Collector) RecordEventApplied() {
	if c == nil {
		return
	}
	c.eventsApplied.Inc()
}

// RecordDroppedStale records a fenced or regressive update.
func (c *Collector) RecordDroppedStale() {
	if c == nil {
		return
	}
	c.eventsDroppedStale.Inc()
}

// RecordDroppedMalformed records an unparseable inbound payload.
func (c *Collector) RecordDroppedMalformed() {
	if c == nil {
		return
	}
	c.eventsDroppedMalformed.Inc()
}

// RecordRunCompleted records a terminal run outcome.
func (c *Collector) RecordRunCompleted(passed bool) {
	if c == nil {
		return
	}
	if passed {
		c.runsPassed.Inc()
	} else {
		c.runsFailed.Inc()
	}
}

// RecordReconnect records a reconnect attempt.
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.channelReconnects.Inc()
}

// SetChannelUp sets the channel-up gauge.
func (c *Collector) SetChannelUp(up bool) {
	if c == nil {
		return
	}
	if up {
		c.channelUp.Set(1)
	} else {
		c.channelUp.Set(0)
	}
}

// RecordSnapshotPoll records one poll attempt and whether it failed.
func (c *Collector) RecordSnapshotPoll(failed bool) {
	if c == nil {
		return
	}
	c.snapshotPolls.Inc()
	if failed {
		c.snapshotFailures.Inc()
	}
}

// SetBatchesActive sets the reconciled-batch-count gauge.
func (c *Collector) SetBatchesActive(n int) {
	if c == nil {
		return
	}
	c.batchesActive.Set(float64(n))
}

// SetBatchesSubscribed sets the subscription-set-size gauge.
func (c *Collector) SetBatchesSubscribed(n int) {
	if c == nil {
		return
	}
	c.batchesSubscribed.Set(float64(n))
}

// ObserveStepDuration records a completed step's duration.
func (c *Collector) ObserveStepDuration(seconds float64) {
	if c == nil {
		return
	}
	c.stepDuration.Observe(seconds)
}

// StartServer starts the Prometheus metrics HTTP server. Blocks.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
