package reaper

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashikurrafi/job-distributor/pkg/types"
)

type fakeStore struct {
	mu            sync.Mutex
	staleCalls    int
	abortedCalls  int
	staleResult   int
	abortedResult int
}

func (f *fakeStore) ReapStaleServed(time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls++
	return f.staleResult, nil
}

func (f *fakeStore) ReapAborted(time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortedCalls++
	return f.abortedResult, nil
}

func (f *fakeStore) snapshot() (stale, aborted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staleCalls, f.abortedCalls
}

type fakeMetrics struct {
	mu     sync.Mutex
	served int
	aborts int
}

func (f *fakeMetrics) RecordReap(status types.Status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch status {
	case types.StatusServed:
		f.served += n
	case types.StatusAborted:
		f.aborts += n
	}
}

func TestReaperRunsStaleSweepEveryCycle(t *testing.T) {
	fs := &fakeStore{staleResult: 1}
	metrics := &fakeMetrics{}
	r := New(Config{
		CycleInterval:        10 * time.Millisecond,
		IdleTimeout:          time.Minute,
		AbortedResetTimeout:  time.Hour,
		AbortedSweepInterval: time.Hour,
	}, fs, metrics, nil)

	r.Start()
	time.Sleep(55 * time.Millisecond)
	r.Stop()

	stale, aborted := fs.snapshot()
	assert.GreaterOrEqual(t, stale, 3)
	assert.Equal(t, 0, aborted, "aborted sweep should not fire before its own interval elapses")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Greater(t, metrics.served, 0)
}

func TestReaperRunsAbortedSweepOnItsOwnCadence(t *testing.T) {
	fs := &fakeStore{abortedResult: 2}
	r := New(Config{
		CycleInterval:        10 * time.Millisecond,
		IdleTimeout:          time.Minute,
		AbortedResetTimeout:  time.Hour,
		AbortedSweepInterval: 20 * time.Millisecond,
	}, fs, nil, nil)

	r.Start()
	time.Sleep(65 * time.Millisecond)
	r.Stop()

	_, aborted := fs.snapshot()
	assert.GreaterOrEqual(t, aborted, 2, "aborted sweep should fire multiple times once its interval elapses repeatedly")
}

func TestReaperStopReturnsAfterStart(t *testing.T) {
	fs := &fakeStore{}
	r := New(Config{
		CycleInterval:        5 * time.Millisecond,
		IdleTimeout:          time.Minute,
		AbortedResetTimeout:  time.Hour,
		AbortedSweepInterval: time.Hour,
	}, fs, nil, nil)

	r.Start()
	time.Sleep(10 * time.Millisecond)

	require.NotPanics(t, r.Stop)
}
