// ============================================================================
// Falcon-Monitor Channel Supervisor
// ============================================================================
//
// Package: internal/channel
// File: supervisor.go
// Purpose: Owns the single push-channel connection and its ConnectionState.
//
// Contract:
//   - Connect is idempotent while a connection is open.
//   - On open: reconnect attempts reset, status becomes connected, the
//     heartbeat is stamped, and ONE subscribe message covering the full
//     current subscribed-id set is sent (server-side subscriptions do not
//     survive a transport reset).
//   - On close: status becomes disconnected and a reconnect is scheduled
//     with exponential backoff, delay = min(base * 2^attempts, cap).
//     Attempts grow without bound; the supervisor always retries.
//   - Subscribe/Unsubscribe mutate the local set unconditionally and send
//     the wire message only while connected; a disconnected mutation is
//     queued implicitly by being in the set for the next replay.
//   - Every inbound frame stamps the heartbeat regardless of content, so
//     consumers can detect silent staleness.
//
// Transport errors are never surfaced as failures to the rest of the
// system, only as connection-status changes.
//
// ============================================================================

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// ErrSupervisorClosed is returned by operations after Close.
var ErrSupervisorClosed = errors.New("channel supervisor is closed")

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// Handler receives every inbound frame, synchronously and in arrival order.
type Handler func(raw []byte)

// Config configures a Supervisor.
type Config struct {
	Transport Transport
	Handler   Handler

	BackoffBase time.Duration // default 500ms
	BackoffCap  time.Duration // default 30s

	Scheduler Scheduler // default SystemScheduler
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Now       func() time.Time
}

// Supervisor owns one channel connection. It is the exclusive writer of the
// connection state; readers get copies via State.
type Supervisor struct {
	mu sync.Mutex

	transport Transport
	handler   Handler
	base      time.Duration
	cap       time.Duration
	sched     Scheduler
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time

	status        types.ConnStatus
	attempts      int
	lastHeartbeat time.Time
	subscribed    map[types.BatchID]struct{}

	conn            Conn
	gen             int // connection generation, fences stale loop exits
	cancelReconnect func()
	closed          bool

	wg sync.WaitGroup
}

// controlMessage is the outbound wire shape for subscription changes.
type controlMessage struct {
	Type     string          `json:"type"`
	BatchIDs []types.BatchID `json:"batch_ids"`
}

// NewSupervisor creates a supervisor. It does not connect.
func NewSupervisor(cfg Config) *Supervisor {
	s := &Supervisor{
		transport:  cfg.Transport,
		handler:    cfg.Handler,
		base:       cfg.BackoffBase,
		cap:        cfg.BackoffCap,
		sched:      cfg.Scheduler,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		now:        cfg.Now,
		status:     types.ConnDisconnected,
		subscribed: make(map[types.BatchID]struct{}),
	}
	if s.base <= 0 {
		s.base = defaultBackoffBase
	}
	if s.cap <= 0 {
		s.cap = defaultBackoffCap
	}
	if s.sched == nil {
		s.sched = SystemScheduler{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Connect establishes the channel. Idempotent if already open. A dial
// failure is returned for visibility but recovery is already scheduled;
// callers need not retry.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.status = types.ConnConnecting
	transport := s.transport
	s.mu.Unlock()

	conn, err := transport.Dial(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if err == nil {
			conn.Close()
		}
		return ErrSupervisorClosed
	}
	if err != nil {
		s.status = types.ConnDisconnected
		s.metrics.SetChannelUp(false)
		s.log.Warn("Channel dial failed", "error", err, "attempts", s.attempts)
		s.scheduleReconnectLocked()
		return err
	}
	if s.conn != nil {
		// A concurrent Connect won the race.
		conn.Close()
		return nil
	}

	s.gen++
	s.conn = conn
	s.attempts = 0
	s.status = types.ConnConnected
	s.lastHeartbeat = s.now()
	s.metrics.SetChannelUp(true)
	s.log.Info("Channel connected")

	s.replaySubscriptionsLocked()

	s.wg.Add(1)
	go s.readLoop(conn, s.gen)
	return nil
}

// Subscribe adds ids to the subscription set and, if connected, sends the
// subscribe message for them.
func (s *Supervisor) Subscribe(ids ...types.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]types.BatchID, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.subscribed[id]; !ok {
			s.subscribed[id] = struct{}{}
			added = append(added, id)
		}
	}
	s.metrics.SetBatchesSubscribed(len(s.subscribed))
	if len(added) == 0 || s.conn == nil {
		return
	}
	s.sendLocked(controlMessage{Type: "subscribe", BatchIDs: added})
}

// Unsubscribe removes ids from the replay set. The batches' records are
// intentionally untouched: a later resubscribe resumes from last known
// state, not from zero.
func (s *Supervisor) Unsubscribe(ids ...types.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]types.BatchID, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.subscribed[id]; ok {
			delete(s.subscribed, id)
			removed = append(removed, id)
		}
	}
	s.metrics.SetBatchesSubscribed(len(s.subscribed))
	if len(removed) == 0 || s.conn == nil {
		return
	}
	s.sendLocked(controlMessage{Type: "unsubscribe", BatchIDs: removed})
}

// State returns a point-in-time copy of the connection state.
func (s *Supervisor) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.BatchID, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	st := types.ConnectionState{
		Status:            s.status,
		ReconnectAttempts: s.attempts,
		SubscribedIDs:     ids,
	}
	if !s.lastHeartbeat.IsZero() {
		st.LastHeartbeat = s.lastHeartbeat.UnixMilli()
	}
	return st
}

// Status returns the current connection status. Used by the polling
// fallback coordinator to pick its cadence.
func (s *Supervisor) Status() types.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close shuts the supervisor down. No reconnects after Close.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.status = types.ConnDisconnected
	s.metrics.SetChannelUp(false)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Channel supervisor closed")
}

// ============================================================================
// Internals
// ============================================================================

// readLoop pumps one connection until it errors. Frames are delivered to
// the handler synchronously so arrival order is preserved end to end.
func (s *Supervisor) readLoop(conn Conn, gen int) {
	defer s.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(gen, err)
			return
		}

		s.mu.Lock()
		stale := gen != s.gen || s.closed
		if !stale {
			s.lastHeartbeat = s.now()
		}
		s.mu.Unlock()
		if stale {
			return
		}

		if s.handler != nil {
			s.handler(data)
		}
	}
}

// handleDisconnect transitions to disconnected and schedules the retry,
// unless this loop belongs to an already-superseded connection.
func (s *Supervisor) handleDisconnect(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.status = types.ConnDisconnected
	s.metrics.SetChannelUp(false)
	s.log.Warn("Channel disconnected", "error", err)
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer. Caller holds s.mu.
func (s *Supervisor) scheduleReconnectLocked() {
	delay := s.backoffDelay(s.attempts)
	s.attempts++
	s.log.Info("Reconnect scheduled", "delay", delay, "attempt", s.attempts)
	s.cancelReconnect = s.sched.After(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.cancelReconnect = nil
		s.mu.Unlock()

		s.metrics.RecordReconnect()
		// Connect schedules the next retry itself on failure.
		_ = s.Connect()
	})
}

// backoffDelay computes min(base * 2^attempts, cap).
func (s *Supervisor) backoffDelay(attempts int) time.Duration {
	// Shifting past 30 doubles beyond any sane cap; clamp early to avoid
	// overflow on unbounded attempt counts.
	if attempts > 30 {
		return s.cap
	}
	d := s.base << uint(attempts)
	if d > s.cap || d <= 0 {
		return s.cap
	}
	return d
}

// replaySubscriptionsLocked sends the single full-set subscribe message
// required after every (re)connect. Caller holds s.mu.
func (s *Supervisor) replaySubscriptionsLocked() {
	if len(s.subscribed) == 0 {
		return
	}
	ids := make([]types.BatchID, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.sendLocked(controlMessage{Type: "subscribe", BatchIDs: ids})
}

// sendLocked writes a control message; a write failure is left for the
// read loop to detect as a disconnect. Caller holds s.mu.
func (s *Supervisor) sendLocked(msg controlMessage) {
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Warn("Control message send failed", "type", msg.Type, "error", err)
	}
}
