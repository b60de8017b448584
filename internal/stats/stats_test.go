package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

func TestObserveCompletion(t *testing.T) {
	a := NewAccumulator()

	a.ObserveCompletion("batch-1", true)
	a.ObserveCompletion("batch-1", true)
	a.ObserveCompletion("batch-1", false)
	a.ObserveCompletion("batch-2", false)

	st, ok := a.Get("batch-1")
	assert.True(t, ok)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Pass)
	assert.Equal(t, 1, st.Fail)
	assert.InDelta(t, 2.0/3.0, st.PassRate, 1e-9)

	st2, ok := a.Get("batch-2")
	assert.True(t, ok)
	assert.Equal(t, types.BatchStatistics{Total: 1, Pass: 0, Fail: 1, PassRate: 0}, st2)
}

func TestGetUnknownBatch(t *testing.T) {
	a := NewAccumulator()

	st, ok := a.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, types.BatchStatistics{}, st)
}

func TestSnapshotIsCopy(t *testing.T) {
	a := NewAccumulator()
	a.ObserveCompletion("batch-1", true)

	snap := a.Snapshot()
	assert.Len(t, snap, 1)

	// Mutating the snapshot must not leak back.
	entry := snap["batch-1"]
	entry.Pass = 99
	snap["batch-1"] = entry

	st, _ := a.Get("batch-1")
	assert.Equal(t, 1, st.Pass)
}

func TestReset(t *testing.T) {
	a := NewAccumulator()
	a.ObserveCompletion("batch-1", true)
	a.ObserveCompletion("batch-2", false)

	a.Reset("batch-1")

	_, ok := a.Get("batch-1")
	assert.False(t, ok)
	_, ok = a.Get("batch-2")
	assert.True(t, ok)

	// Counting resumes cleanly after a reset.
	a.ObserveCompletion("batch-1", false)
	st, _ := a.Get("batch-1")
	assert.Equal(t, types.BatchStatistics{Total: 1, Fail: 1}, st)
}
