package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	tm := GetTimer()
	select {
	case <-tm.C:
		t.Fatal("new timer fired")
	case <-time.After(20 * time.Millisecond):
	}

	ResetTimer(tm, time.Millisecond)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	// A fire that is not consumed is dropped by the next reset.
	ResetTimer(tm, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	ResetTimer(tm, time.Hour)
	select {
	case <-tm.C:
		t.Fatal("stale fire seen after reset")
	default:
	}

	ReleaseTimer(tm)
	tm = GetTimer()
	assert.False(t, tm.Stop(), "pooled timer is stopped")
	ReleaseTimer(tm)
	ReleaseTimer(nil)
}
