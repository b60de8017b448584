// ============================================================================
// Falcon-Monitor Snapshot Poller
// ============================================================================
//
// Package: internal/poller
// File: poller.go
// Purpose: Periodically fetches the authoritative batch summary list and
// hands it to the reconciler. The cadence adapts to channel health: the
// baseline interval while the push channel is connected, a faster fallback
// interval while it is down (polling is then the only data source).
//
// A failed fetch keeps the last known good state untouched; the poller
// logs, counts, and waits for the next cycle.
//
// ============================================================================

package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

const (
	defaultInterval         = 30 * time.Second
	defaultFallbackInterval = 5 * time.Second
	defaultFetchTimeout     = 10 * time.Second
)

// Health reports the current channel status. Implemented by the channel
// supervisor's Status method.
type Health func() types.ConnStatus

// Config configures a Poller.
type Config struct {
	Source Source
	// Apply receives each successfully fetched summary list.
	Apply  func([]types.BatchSummary)
	Health Health

	Interval         time.Duration // default 30s
	FallbackInterval time.Duration // default 5s
	FetchTimeout     time.Duration // default 10s

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Poller runs the periodic snapshot fetch loop.
type Poller struct {
	source   Source
	apply    func([]types.BatchSummary)
	health   Health
	interval time.Duration
	fallback time.Duration
	timeout  time.Duration
	metrics  *metrics.Collector
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller. It does not start polling.
func NewPoller(cfg Config) *Poller {
	p := &Poller{
		source:   cfg.Source,
		apply:    cfg.Apply,
		health:   cfg.Health,
		interval: cfg.Interval,
		fallback: cfg.FallbackInterval,
		timeout:  cfg.FetchTimeout,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.fallback <= 0 {
		p.fallback = defaultFallbackInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultFetchTimeout
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Start launches the poll loop. The first poll fires immediately so the
// view hydrates without waiting a full interval.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.stopCh)
	p.log.Info("Snapshot poller started", "interval", p.interval, "fallback_interval", p.fallback)
}

// Stop halts the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("Snapshot poller stopped")
}

// PollNow performs one fetch-and-apply cycle outside the loop schedule.
func (p *Poller) PollNow() error {
	return p.pollOnce()
}

func (p *Poller) run(stopCh chan struct{}) {
	defer p.wg.Done()

	_ = p.pollOnce()
	for {
		// The delay is re-evaluated every cycle so a channel outage switches
		// the cadence on the very next tick.
		timer := time.NewTimer(p.currentInterval())
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			_ = p.pollOnce()
		}
	}
}

// currentInterval picks the baseline interval while the channel is healthy
// and the fallback interval otherwise.
func (p *Poller) currentInterval() time.Duration {
	if p.health != nil && p.health() == types.ConnConnected {
		return p.interval
	}
	return p.fallback
}

func (p *Poller) pollOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	summaries, err := p.source.Fetch(ctx)
	p.metrics.RecordSnapshotPoll(err != nil)
	if err != nil {
		p.log.Warn("Snapshot poll failed, keeping last known state", "error", err)
		return err
	}

	p.apply(summaries)
	p.log.Debug("Snapshot applied", "batches", len(summaries))
	return nil
}
