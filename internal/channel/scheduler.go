package channel

import "time"

// Scheduler abstracts delayed execution so reconnect backoff can be driven
// by virtual time in tests instead of real sleeping.
type Scheduler interface {
	// After runs fn once after d elapses. The returned function cancels the
	// pending call; cancelling after fn ran is a no-op.
	After(d time.Duration, fn func()) (cancel func())
}

// SystemScheduler is the production Scheduler backed by time.AfterFunc.
type SystemScheduler struct{}

func (SystemScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
