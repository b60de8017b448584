package channel

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

	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeConn is an in-memory Conn fed by tests.
type fakeConn struct {
	in     chan []byte
	writes chan controlMessage

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan controlMessage, 16),
	}
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
	var msg controlMessage
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

// deliver pushes one inbound frame.
func (c *fakeConn) deliver(data []byte) {
	c.in <- data
}

// drop simulates the transport failing under the read loop.
func (c *fakeConn) drop() {
	c.Close()
}

// expectWrite waits for the next outbound control message.
func (c *fakeConn) expectWrite(t *testing.T) controlMessage {
	t.Helper()
	select {
	case msg := <-c.writes:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return controlMessage{}
	}
}

// fakeTransport hands out fakeConns, optionally failing the first dials.
type fakeTransport struct {
	mu        sync.Mutex
	failDials int
	conns     []*fakeConn
	dials     int
}

func (tr *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	if tr.failDials > 0 {
		tr.failDials--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	tr.conns = append(tr.conns, c)
	return c, nil
}

func (tr *fakeTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conns[i]
}

// manualScheduler captures timers so tests control virtual time.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
	armed  chan *manualTimer
}

type manualTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{armed: make(chan *manualTimer, 16)}
}

func (s *manualScheduler) After(d time.Duration, fn func()) func() {
	s.mu.Lock()
	tm := &manualTimer{delay: d, fn: fn}
	s.timers = append(s.timers, tm)
	s.mu.Unlock()
	s.armed <- tm
	return func() {
		s.mu.Lock()
		tm.cancelled = true
		s.mu.Unlock()
	}
}

// waitArmed blocks until the next timer is scheduled.
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

func (tm *manualTimer) fire() {
	tm.fn()
}

func newTestSupervisor(tr Transport, sched Scheduler, handler Handler) *Supervisor {
	return NewSupervisor(Config{
		Transport:   tr,
		Handler:     handler,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		Scheduler:   sched,
	})
}

// ============================================================================
// Tests
// ============================================================================

func TestConnectReplaysSubscriptions(t *testing.T) {
	tr := &fakeTransport{}
	sched := newManualScheduler()
	s := newTestSupervisor(tr, sched, nil)
	defer s.Close()

	// Subscriptions made while disconnected are queued for replay.
	s.Subscribe("batch-b", "batch-a")

	require.NoError(t, s.Connect())
	msg := tr.conn(0).expectWrite(t)

	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-a", "batch-b"}, msg.BatchIDs, "replay should cover the full set, sorted")
	assert.Equal(t, types.ConnConnected, s.Status())
}

func TestSubscribeWhileConnectedSendsDelta(t *testing.T) {
	tr := &fakeTransport{}
	sched := newManualScheduler()
	s := newTestSupervisor(tr, sched, nil)
	defer s.Close()

	require.NoError(t, s.Connect())

	s.Subscribe("batch-a")
	msg := tr.conn(0).expectWrite(t)
	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-a"}, msg.BatchIDs)

	// Duplicate subscribe is a no-op on the wire.
	s.Subscribe("batch-a")

	s.Unsubscribe("batch-a")
	msg = tr.conn(0).expectWrite(t)
	assert.Equal(t, "unsubscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-a"}, msg.BatchIDs)

	assert.Empty(t, s.State().SubscribedIDs)
}

func TestDialFailureSchedulesBackoff(t *testing.T) {
	tr := &fakeTransport{failDials: 3}
	sched := newManualScheduler()
	s := newTestSupervisor(tr, sched, nil)
	defer s.Close()

	require.Error(t, s.Connect())

	// Delays double per attempt: 500ms, 1s, 2s.
	wantDelays := []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	for _, want := range wantDelays {
		tm := sched.waitArmed(t)
		assert.Equal(t, want, tm.delay)
		tm.fire()
	}

	// Fourth dial succeeds and resets the attempt counter.
	assert.Equal(t, types.ConnConnected, s.Status())
	assert.Equal(t, 4, tr.dialCount())
	assert.Equal(t, 0, s.State().ReconnectAttempts)
}

func TestBackoffDelayCapped(t *testing.T) {
	s := newTestSupervisor(&fakeTransport{}, newManualScheduler(), nil)
	defer s.Close()

	assert.Equal(t, 500*time.Millisecond, s.backoffDelay(0))
	assert.Equal(t, 16*time.Second, s.backoffDelay(5))
	assert.Equal(t, 30*time.Second, s.backoffDelay(6))
	assert.Equal(t, 30*time.Second, s.backoffDelay(40), "unbounded attempts must not overflow")
	assert.Equal(t, 30*time.Second, s.backoffDelay(1000))
}

func TestDisconnectTriggersReconnectAndReplay(t *testing.T) {
	tr := &fakeTransport{}
	sched := newManualScheduler()

	var mu sync.Mutex
	var frames [][]byte
	handler := func(raw []byte) {
		mu.Lock()
		frames = append(frames, raw)
		mu.Unlock()
	}

	s := newTestSupervisor(tr, sched, handler)
	defer s.Close()

	s.Subscribe("batch-a", "batch-b")
	require.NoError(t, s.Connect())
	tr.conn(0).expectWrite(t) // initial replay

	tr.conn(0).drop()

	tm := sched.waitArmed(t)
	assert.Equal(t, 500*time.Millisecond, tm.delay)
	tm.fire()

	require.Equal(t, 2, tr.dialCount())
	msg := tr.conn(1).expectWrite(t)
	assert.Equal(t, "subscribe", msg.Type)
	assert.Equal(t, []types.BatchID{"batch-a", "batch-b"}, msg.BatchIDs,
		"every reconnect replays the full subscription set in one message")

	// The new connection delivers frames to the handler again.
	tr.conn(1).deliver([]byte(`{"type":"log"}`))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatStampedOnEveryFrame(t *testing.T) {
	tr := &fakeTransport{}
	sched := newManualScheduler()

	received := make(chan []byte, 1)
	s := newTestSupervisor(tr, sched, func(raw []byte) { received <- raw })
	defer s.Close()

	require.NoError(t, s.Connect())
	connectHB := s.State().LastHeartbeat
	assert.NotZero(t, connectHB, "connect stamps the heartbeat")

	// Any frame counts as liveness, even one the dispatcher would ignore.
	tr.conn(0).deliver([]byte(`{"type":"whatever"}`))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered to handler")
	}

	assert.GreaterOrEqual(t, s.State().LastHeartbeat, connectHB)
}

func TestCloseStopsReconnects(t *testing.T) {
	tr := &fakeTransport{failDials: 100}
	sched := newManualScheduler()
	s := newTestSupervisor(tr, sched, nil)

	require.Error(t, s.Connect())
	tm := sched.waitArmed(t)

	s.Close()

	// A timer firing after Close must not dial again.
	dialsBefore := tr.dialCount()
	tm.fire()
	assert.Equal(t, dialsBefore, tr.dialCount())

	assert.Equal(t, types.ConnDisconnected, s.Status())
	assert.ErrorIs(t, s.Connect(), ErrSupervisorClosed)
}

func TestConnectIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	sched := newManualScheduler()
	s := newTestSupervisor(tr, sched, nil)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())
	assert.Equal(t, 1, tr.dialCount())
}
