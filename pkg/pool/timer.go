package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a stopped timer with a drained channel. Arm it with
// ResetTimer and give it back with ReleaseTimer.
func GetTimer() *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		t = time.NewTimer(time.Hour)
	}
	StopTimer(t)
	return t
}

// ReleaseTimer stops t and puts it back into the pool. t must not be
// used afterwards.
func ReleaseTimer(t *time.Timer) {
	if t == nil {
		return
	}
	StopTimer(t)
	timerPool.Put(t)
}

// StopTimer stops t and drains a pending fire, so a following read from
// t.C only sees a fire armed after this call.
func StopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ResetTimer re-arms t to fire after d, dropping any pending fire.
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(d)
}
