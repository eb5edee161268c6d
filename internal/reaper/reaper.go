// Package reaper implements the periodic recycling of stuck jobs: SERVED
// jobs whose worker has gone silent, and ABORTED jobs old enough to retry.
package reaper

import (
	"sync"
	"time"

	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

// jobStore is the subset of *store.Store the Reaper depends on. Defined
// here rather than imported directly so the Reaper can be tested against
// a fake without pulling in sqlite.
type jobStore interface {
	ReapStaleServed(idleThreshold time.Duration) (int, error)
	ReapAborted(abortedAge time.Duration) (int, error)
}

// metricsSink is the subset of the metrics collector the Reaper reports
// through.
type metricsSink interface {
	RecordReap(status types.Status, n int)
}

// Config controls the Reaper's cadences.
type Config struct {
	// CycleInterval is how often the Reaper wakes to check SERVED jobs
	// against IdleTimeout.
	CycleInterval time.Duration
	// IdleTimeout is how long a SERVED job may go unpinged before it is
	// reverted to PENDING.
	IdleTimeout time.Duration
	// AbortedResetTimeout is how long an ABORTED job must sit before the
	// Reaper reverts it to PENDING for another attempt. This is checked
	// on its own cadence, independent of CycleInterval.
	AbortedResetTimeout time.Duration
	// AbortedSweepInterval is how often the Reaper checks aged ABORTED
	// jobs. It does not need to match CycleInterval: the stale-served
	// sweep needs a short cadence to catch silent workers quickly, while
	// the aborted sweep can run far less often without the recycling
	// invariant suffering.
	AbortedSweepInterval time.Duration
}

// Reaper runs the two recycling sweeps named in the job lifecycle: a
// fast sweep for timed-out heartbeats, and a slower, independently
// tracked sweep for aged failures. Start launches one goroutine that
// owns both cadences.
type Reaper struct {
	cfg     Config
	store   jobStore
	metrics metricsSink
	log     logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu               sync.Mutex
	lastAbortedSweep time.Time
}

// noopMetrics discards reap counts, used when the caller has no
// collector wired up (e.g. in tests).
type noopMetrics struct{}

func (noopMetrics) RecordReap(types.Status, int) {}

// New builds a Reaper. metrics may be nil, in which case reap counts are
// discarded rather than recorded.
func New(cfg Config, store jobStore, metrics metricsSink, log logging.Logger) *Reaper {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Reaper{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the Reaper's cycle loop in the background. It is meant
// to be called once per Reaper; pair every Start with a Stop before
// reusing or discarding the Reaper.
func (r *Reaper) Start() {
	r.mu.Lock()
	r.lastAbortedSweep = time.Now()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.cycleLoop()
}

// Stop signals the cycle loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) cycleLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

// runCycle performs the fast stale-served sweep every wake-up, and the
// slower aborted sweep only once AbortedSweepInterval has elapsed since
// the last time it ran — tracked independently of the ticker's own
// period so a short CycleInterval doesn't force a short aborted cadence.
func (r *Reaper) runCycle() {
	n, err := r.store.ReapStaleServed(r.cfg.IdleTimeout)
	if err != nil {
		r.log.Error("reap stale served failed", "error", err)
	} else if n > 0 {
		r.log.Info("reaped stale served jobs", "count", n)
		r.metrics.RecordReap(types.StatusServed, n)
	}

	r.mu.Lock()
	due := time.Since(r.lastAbortedSweep) >= r.cfg.AbortedSweepInterval
	if due {
		r.lastAbortedSweep = time.Now()
	}
	r.mu.Unlock()

	if !due {
		return
	}

	n, err = r.store.ReapAborted(r.cfg.AbortedResetTimeout)
	if err != nil {
		r.log.Error("reap aborted failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("reaped aborted jobs", "count", n)
		r.metrics.RecordReap(types.StatusAborted, n)
	}
}
