package clock

import (
	"sync"
	"time"
)

// TestClock is a settable clock for deterministic tests.
type TestClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (tc *TestClock) Set(t time.Time) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = t
}

func (tc *TestClock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = tc.now.Add(d)
}

func (tc *TestClock) CurrentTimeMicro() uint64 {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return uint64(tc.now.UnixMicro())
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	return tc.CurrentTimeMicro() / 1000
}

func (tc *TestClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMicro() / 1000000
}

func (tc *TestClock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.now
}
