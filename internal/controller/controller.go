// ============================================================================
// Falcon-Monitor Controller
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Composes the monitor pipeline and owns its lifecycle.
//
// Wiring:
//   channel supervisor -> dispatcher -> reconciler <- snapshot poller
//                                           |
//                                           +-> statistics accumulator
//
// The reconciler is the single writer of batch state; the controller only
// assembles the pieces and exposes read-side accessors.
//
// ============================================================================

package controller

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-monitor/internal/channel"
	"github.com/ChuLiYu/falcon-monitor/internal/dispatcher"
	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/internal/poller"
	"github.com/ChuLiYu/falcon-monitor/internal/reconciler"
	"github.com/ChuLiYu/falcon-monitor/internal/stats"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// Config configures a Controller. Transport and Source default to the
// production WebSocket and HTTP implementations built from the URLs; tests
// inject fakes directly.
type Config struct {
	ChannelURL  string
	SnapshotURL string

	// BatchIDs are subscribed before the first connect.
	BatchIDs []types.BatchID

	BackoffBase time.Duration
	BackoffCap  time.Duration

	PollInterval         time.Duration
	PollFallbackInterval time.Duration
	PollTimeout          time.Duration

	Transport channel.Transport
	Source    poller.Source
	Scheduler channel.Scheduler

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Controller owns the assembled monitor pipeline.
type Controller struct {
	supervisor *channel.Supervisor
	recon      *reconciler.Reconciler
	poll       *poller.Poller
	stats      *stats.Accumulator
	log        *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewController assembles the pipeline without starting it.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Transport == nil && cfg.ChannelURL == "" {
		return nil, errors.New("controller: channel URL or transport required")
	}
	if cfg.Source == nil && cfg.SnapshotURL == "" {
		return nil, errors.New("controller: snapshot URL or source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	acc := stats.NewAccumulator()
	recon := reconciler.NewReconciler(reconciler.Config{
		OnCompletion: acc.ObserveCompletion,
		Metrics:      cfg.Metrics,
		Logger:       logger,
	})
	disp := dispatcher.NewDispatcher(recon, cfg.Metrics, logger)

	transport := cfg.Transport
	if transport == nil {
		transport = channel.NewWebSocketTransport(cfg.ChannelURL)
	}
	sup := channel.NewSupervisor(channel.Config{
		Transport:   transport,
		Handler:     disp.Dispatch,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Scheduler:   cfg.Scheduler,
		Metrics:     cfg.Metrics,
		Logger:      logger,
	})

	source := cfg.Source
	if source == nil {
		source = poller.NewHTTPSource(cfg.SnapshotURL)
	}
	poll := poller.NewPoller(poller.Config{
		Source:           source,
		Apply:            recon.ApplySnapshot,
		Health:           sup.Status,
		Interval:         cfg.PollInterval,
		FallbackInterval: cfg.PollFallbackInterval,
		FetchTimeout:     cfg.PollTimeout,
		Metrics:          cfg.Metrics,
		Logger:           logger,
	})

	c := &Controller{
		supervisor: sup,
		recon:      recon,
		poll:       poll,
		stats:      acc,
		log:        logger,
	}
	c.supervisor.Subscribe(cfg.BatchIDs...)
	return c, nil
}

// Start connects the channel and launches the poller. A dial failure is not
// fatal: the supervisor retries with backoff and the poller covers the gap.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if err := c.supervisor.Connect(); err != nil {
		c.log.Warn("Initial channel connect failed, reconnect scheduled", "error", err)
	}
	c.poll.Start()
	c.log.Info("Monitor started")
}

// Stop shuts the pipeline down. The poller stops before the channel so no
// snapshot apply races a closing supervisor.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.poll.Stop()
	c.supervisor.Close()
	c.log.Info("Monitor stopped")
}

// View returns the current immutable batch map.
func (c *Controller) View() map[types.BatchID]*types.BatchRecord {
	return c.recon.View()
}

// Get returns one batch record, or nil if unknown.
func (c *Controller) Get(id types.BatchID) *types.BatchRecord {
	return c.recon.Get(id)
}

// ConnectionState returns a point-in-time copy of the channel state.
func (c *Controller) ConnectionState() types.ConnectionState {
	return c.supervisor.State()
}

// Statistics returns a copy of the per-batch run statistics.
func (c *Controller) Statistics() map[types.BatchID]types.BatchStatistics {
	return c.stats.Snapshot()
}

// BatchStatistics returns the statistics for one batch.
func (c *Controller) BatchStatistics(id types.BatchID) (types.BatchStatistics, bool) {
	return c.stats.Get(id)
}

// Subscribe adds batches to the live subscription set.
func (c *Controller) Subscribe(ids ...types.BatchID) {
	c.supervisor.Subscribe(ids...)
}

// Unsubscribe removes batches from the subscription set. Their records stay
// in the view until the snapshot source reports them removed.
func (c *Controller) Unsubscribe(ids ...types.BatchID) {
	c.supervisor.Unsubscribe(ids...)
}

// PollNow forces an immediate snapshot refresh.
func (c *Controller) PollNow() error {
	return c.poll.PollNow()
}

// GetStatus reports a coarse operational summary for the CLI.
func (c *Controller) GetStatus() map[string]interface{} {
	conn := c.supervisor.State()
	view := c.recon.View()

	active := 0
	for _, rec := range view {
		if rec.Status.IsActive() {
			active++
		}
	}

	return map[string]interface{}{
		"connection":         string(conn.Status),
		"reconnect_attempts": conn.ReconnectAttempts,
		"subscribed":         len(conn.SubscribedIDs),
		"batches":            len(view),
		"active":             active,
	}
}
