package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-monitor/internal/channel"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type subscribeMsg struct {
	Type     string          `json:"type"`
	BatchIDs []types.BatchID `json:"batch_ids"`
}

type fakeConn struct {
	in        chan []byte
	writes    chan subscribeMsg
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), writes: make(chan subscribeMsg, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg subscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.writes <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, raw string) {
	t.Helper()
	c.in <- []byte(raw)
}

func (c *fakeConn) expectWrite(t *testing.T) subscribeMsg {
	t.Helper()
	select {
	case msg := <-c.writes:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return subscribeMsg{}
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (tr *fakeTransport) Dial(ctx context.Context) (channel.Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	c := newFakeConn()
	tr.conns = append(tr.conns, c)
	return c, nil
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conns[i]
}

type fakeSource struct {
	mu        sync.Mutex
	summaries []types.BatchSummary
	err       error
}

func (s *fakeSource) Fetch(ctx context.Context) ([]types.BatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.BatchSummary, len(s.summaries))
	copy(out, s.summaries)
	return out, nil
}

func (s *fakeSource) set(summaries []types.BatchSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = summaries
	s.err = err
}

type manualScheduler struct {
	mu    sync.Mutex
	armed chan *manualTimer
}

type manualTimer struct {
	delay time.Duration
	fn    func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{armed: make(chan *manualTimer, 16)}
}

func (s *manualScheduler) After(d time.Duration, fn func()) func() {
	tm := &manualTimer{delay: d, fn: fn}
	s.armed <- tm
	return func() {}
}

func (s *manualScheduler) waitArmed(t *testing.T) *manualTimer {
	t.Helper()
	select {
	case tm := <-s.armed:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scheduled timer")
		return nil
	}
}

func newTestController(t *testing.T, tr *fakeTransport, src *fakeSource, sched channel.Scheduler, ids ...types.BatchID) *Controller {
	t.Helper()
	ctrl, err := NewController(Config{
		Transport:            tr,
		Source:               src,
		Scheduler:            sched,
		BatchIDs:             ids,
		PollInterval:         time.Hour, // first poll is immediate, the rest are manual
		PollFallbackInterval: time.Hour,
	})
	require.NoError(t, err)
	return ctrl
}

func waitForBatch(t *testing.T, ctrl *Controller, id types.BatchID, cond func(*types.BatchRecord) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := ctrl.Get(id)
		return rec != nil && cond(rec)
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Tests
// ============================================================================

func TestControllerConfigValidation(t *testing.T) {
	_, err := NewController(Config{SnapshotURL: "http://x/api"})
	assert.Error(t, err, "channel transport or URL is required")

	_, err = NewController(Config{ChannelURL: "ws://x/ws"})
	assert.Error(t, err, "snapshot source or URL is required")
}

func TestControllerFullRunLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{}
	sched := newManualScheduler()
	src.set([]types.BatchSummary{{ID: "batch-1", Name: "Alpha", Status: types.StatusIdle}}, nil)

	ctrl := newTestController(t, tr, src, sched, "batch-1")
	ctrl.Start()
	defer ctrl.Stop()

	// Connect replays the startup subscription.
	msg := tr.conn(0).expectWrite(t)
	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-1"}, msg.BatchIDs)

	// The immediate first poll hydrates the view.
	waitForBatch(t, ctrl, "batch-1", func(r *types.BatchRecord) bool { return r.Name == "Alpha" })

	// A full run arrives over the channel.
	conn := tr.conn(0)
	conn.deliver(t, `{"type":"batch_status","batch_id":"batch-1","status":"starting","execution_id":"e1"}`)
	conn.deliver(t, `{"type":"step_start","batch_id":"batch-1","execution_id":"e1","step":"flash","index":0,"total":2}`)
	conn.deliver(t, `{"type":"step_complete","batch_id":"batch-1","execution_id":"e1","step":"flash","index":0,"pass":true,"duration_ms":100}`)
	conn.deliver(t, `{"type":"step_start","batch_id":"batch-1","execution_id":"e1","step":"selftest","index":1,"total":2}`)
	conn.deliver(t, `{"type":"step_complete","batch_id":"batch-1","execution_id":"e1","step":"selftest","index":1,"pass":true,"duration_ms":200}`)
	conn.deliver(t, `{"type":"sequence_complete","batch_id":"batch-1","execution_id":"e1","overall_pass":true,"duration_ms":300}`)

	waitForBatch(t, ctrl, "batch-1", func(r *types.BatchRecord) bool {
		return r.Status == types.StatusCompleted && r.Progress == 1
	})

	rec := ctrl.Get("batch-1")
	assert.Len(t, rec.Steps, 2)
	require.NotNil(t, rec.LastRunPassed)
	assert.True(t, *rec.LastRunPassed)

	st, ok := ctrl.BatchStatistics("batch-1")
	require.True(t, ok)
	assert.Equal(t, types.BatchStatistics{Total: 1, Pass: 1, Fail: 0, PassRate: 1}, st)

	// A duplicate terminal report changes nothing.
	conn.deliver(t, `{"type":"sequence_complete","batch_id":"batch-1","execution_id":"e1","overall_pass":true,"duration_ms":300}`)
	conn.deliver(t, `{"type":"log","batch_id":"batch-1","level":"info","message":"done"}`)
	waitForBatch(t, ctrl, "batch-1", func(r *types.BatchRecord) bool { return r.Status == types.StatusCompleted })

	st, _ = ctrl.BatchStatistics("batch-1")
	assert.Equal(t, 1, st.Total, "duplicate sequence_complete must not double-count")
}

func TestControllerReconnectResubscribes(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{}
	sched := newManualScheduler()

	ctrl := newTestController(t, tr, src, sched, "batch-1", "batch-2")
	ctrl.Start()
	defer ctrl.Stop()

	tr.conn(0).expectWrite(t)

	// Kill the connection; the supervisor schedules a retry and the
	// connection state degrades so the poller would switch cadence.
	tr.conn(0).Close()
	tm := sched.waitArmed(t)
	require.Eventually(t, func() bool {
		return ctrl.ConnectionState().Status == types.ConnDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	tm.fn()

	msg := tr.conn(1).expectWrite(t)
	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-1", "batch-2"}, msg.BatchIDs,
		"reconnect must replay the full subscription set in one message")
	assert.Equal(t, types.ConnConnected, ctrl.ConnectionState().Status)
}

func TestControllerSubscriptionPassthrough(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{}
	sched := newManualScheduler()

	ctrl := newTestController(t, tr, src, sched)
	ctrl.Start()
	defer ctrl.Stop()

	ctrl.Subscribe("batch-9")
	msg := tr.conn(0).expectWrite(t)
	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-9"}, msg.BatchIDs)

	ctrl.Unsubscribe("batch-9")
	msg = tr.conn(0).expectWrite(t)
	assert.Equal(t, "unsubscribe", msg.Type)
	assert.Empty(t, ctrl.ConnectionState().SubscribedIDs)
}

func TestControllerPollNowAndRemoval(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{}
	sched := newManualScheduler()
	src.set([]types.BatchSummary{{ID: "batch-1", Name: "Alpha", Status: types.StatusIdle}}, nil)

	ctrl := newTestController(t, tr, src, sched)
	ctrl.Start()
	defer ctrl.Stop()

	waitForBatch(t, ctrl, "batch-1", func(r *types.BatchRecord) bool { return r.Name == "Alpha" })

	src.set([]types.BatchSummary{{ID: "batch-1", Removed: true}}, nil)
	require.NoError(t, ctrl.PollNow())
	assert.Nil(t, ctrl.Get("batch-1"))

	// A failing source leaves the view alone.
	src.set(nil, errors.New("upstream down"))
	assert.Error(t, ctrl.PollNow())
}

func TestControllerGetStatus(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{}
	sched := newManualScheduler()
	src.set([]types.BatchSummary{
		{ID: "batch-1", Name: "Alpha", Status: types.StatusRunning, ExecutionID: "e1"},
		{ID: "batch-2", Name: "Beta", Status: types.StatusIdle},
	}, nil)

	ctrl := newTestController(t, tr, src, sched, "batch-1")
	ctrl.Start()
	defer ctrl.Stop()

	waitForBatch(t, ctrl, "batch-2", func(r *types.BatchRecord) bool { return true })

	status := ctrl.GetStatus()
	assert.Equal(t, "connected", status["connection"])
	assert.Equal(t, 1, status["subscribed"])
	assert.Equal(t, 2, status["batches"])
	assert.Equal(t, 1, status["active"])
}
