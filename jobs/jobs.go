// Package jobs runs fire-and-forget background work with per-job retry.
package jobs

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/veilchat/veil/config"
	"go.uber.org/zap"
)

// Runner executes enqueued jobs on their own goroutines, retrying failures with
// exponential backoff until the configured elapsed-time ceiling.
type Runner struct {
	log             *zap.SugaredLogger
	initialInterval time.Duration
	maxElapsedTime  time.Duration
	wg              sync.WaitGroup
	mtx             sync.Mutex
	shutdown        bool
}

func NewRunner(c *config.Config) *Runner {
	return &Runner{
		log:             c.Logger("jobs"),
		initialInterval: time.Duration(c.JobInitialIntervalMs) * time.Millisecond,
		maxElapsedTime:  time.Duration(c.JobMaxElapsedTimeMs) * time.Millisecond,
	}
}

// Enqueue schedules fn to run in the background. Jobs accepted before Shutdown are
// always run to completion or retry exhaustion; jobs enqueued after are dropped.
func (r *Runner) Enqueue(name string, fn func() error) {
	r.mtx.Lock()
	if r.shutdown {
		r.mtx.Unlock()
		r.log.Debugf("dropping job %s, runner is shut down", name)
		return
	}
	r.wg.Add(1)
	r.mtx.Unlock()
	go func() {
		defer r.wg.Done()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = r.initialInterval
		bo.MaxElapsedTime = r.maxElapsedTime
		if err := backoff.Retry(fn, bo); err != nil {
			r.log.Warnf("job %s failed: %v", name, err)
		}
	}()
}

// Shutdown stops accepting jobs and waits for in-flight ones to finish.
func (r *Runner) Shutdown() {
	r.mtx.Lock()
	r.shutdown = true
	r.mtx.Unlock()
	r.wg.Wait()
}
