package jobs

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veilchat/veil/config"
)

func newTestRunner() *Runner {
	c := config.NewConfig(config.WithLoggingPrefix("jobs"), config.WithJobMaxElapsedTimeMs(2000))
	c.JobInitialIntervalMs = 1
	return NewRunner(c)
}

func TestEnqueueRuns(t *testing.T) {
	r := newTestRunner()
	done := make(chan struct{})
	r.Enqueue("test", func() error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	r.Shutdown()
}

func TestEnqueueRetriesUntilSuccess(t *testing.T) {
	r := newTestRunner()
	var attempts int32
	done := make(chan struct{})
	r.Enqueue("flaky", func() error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	r.Shutdown()
}

func TestShutdownWaitsForInflight(t *testing.T) {
	r := newTestRunner()
	var finished int32
	release := make(chan struct{})
	r.Enqueue("slow", func() error {
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	r.Shutdown()
	require.EqualValues(t, 1, atomic.LoadInt32(&finished))
}

func TestEnqueueAfterShutdownDropped(t *testing.T) {
	r := newTestRunner()
	r.Shutdown()
	var ran int32
	r.Enqueue("late", func() error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&ran))
}
