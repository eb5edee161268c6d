// Package integration exercises the Job Store, the Reaper, and the
// Coordinator API together, the way a real sweep would use them.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashikurrafi/job-distributor/internal/api"
	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/internal/store"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

func newSweepStore(t *testing.T, paramsCount int) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	params := make([]string, paramsCount)
	for i := range params {
		params[i] = fmt.Sprintf(`{"x":%d}`, i)
	}
	require.NoError(t, st.CreateJobs(params, false))
	return st
}

// Scenario 1: a sweep of 3 jobs and 2 workers that both succeed.
func TestSweepThreeJobsTwoWorkersAllSucceed(t *testing.T) {
	st := newSweepStore(t, 3)

	workers := []string{"worker-a", "worker-b"}
	var finished int
	for {
		claimed := false
		for _, w := range workers {
			job, err := st.ClaimNext(w)
			require.NoError(t, err)
			if job == nil {
				continue
			}
			claimed = true
			require.NoError(t, st.Finish(job.ID, types.StatusDone, "ok"))
			finished++
		}
		if !claimed {
			break
		}
	}

	assert.Equal(t, 3, finished)
	counts, err := st.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCounts{Pending: 0, Served: 0, Done: 3, Aborted: 0}, counts)
}

// Scenario 2: a worker claims a job and goes silent; the reaper returns it
// to PENDING after the idle timeout, and a second worker completes it.
func TestSweepSilentWorkerIsReapedAndCompletedByAnotherWorker(t *testing.T) {
	st := newSweepStore(t, 1)

	job, err := st.ClaimNext("worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, st.Ping(job.ID))

	// Timestamps are whole seconds, so the wait must exceed idleTimeout by
	// at least one more second boundary.
	idleTimeout := time.Second
	time.Sleep(2100 * time.Millisecond)

	reaped, err := st.ReapStaleServed(idleTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err = st.ClaimNext("worker-b")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, st.Finish(job.ID, types.StatusDone, "completed after reap"))

	final, err := st.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, final.Status)

	var reasons []string
	for _, entry := range final.History {
		reasons = append(reasons, entry.Reason)
	}
	assert.Contains(t, fmt.Sprint(reasons), "reaped: worker worker-a silent for")
}

// Scenario 3: a job's subprocess crashes, the worker reports ABORTED, and
// once aborted_age elapses the reaper returns the job to PENDING for a
// later worker to complete.
func TestSweepCrashingJobIsReapedAfterAbortedAge(t *testing.T) {
	st := newSweepStore(t, 1)

	job, err := st.ClaimNext("worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, st.Finish(job.ID, types.StatusAborted, "exit code 137"))

	// Timestamps are whole seconds, so the wait must exceed abortedAge by
	// at least one more second boundary.
	abortedAge := time.Second
	time.Sleep(2100 * time.Millisecond)

	reaped, err := st.ReapAborted(abortedAge)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err = st.ClaimNext("worker-b")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, st.Finish(job.ID, types.StatusDone, "ok"))

	final, err := st.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, final.Status)
	require.Len(t, final.History, 5, "request, abort, reap, re-request, done")
	assert.Contains(t, final.History[0].Reason, "claimed by worker-a")
	assert.Contains(t, final.History[1].Reason, "ABORTED")
	assert.Contains(t, final.History[2].Reason, "reaped")
	assert.Contains(t, final.History[3].Reason, "claimed by worker-b")
	assert.Contains(t, final.History[4].Reason, "DONE")
}

// Scenario 4: an operator override moves a DONE job back to PENDING with
// the correct PIN; the wrong PIN is rejected with no state change.
func TestOperatorOverrideReclaimsADoneJob(t *testing.T) {
	st := newSweepStore(t, 1)
	srv := api.New(st, nil, logging.NoOpLogger{}, "secret-pin")

	job, err := st.ClaimNext("worker-a")
	require.NoError(t, err)
	require.NoError(t, st.Finish(job.ID, types.StatusDone, "ok"))

	badReq := httptest.NewRequest(http.MethodPost, "/change_job_status", jsonBody(t, map[string]any{
		"job_id": job.ID, "new_status": "PENDING", "reason": "retry", "pin": "wrong-pin",
	}))
	badRec := httptest.NewRecorder()
	srv.ServeHTTP(badRec, badReq)
	assert.Equal(t, http.StatusUnauthorized, badRec.Code)

	unchanged, err := st.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, unchanged.Status)

	goodReq := httptest.NewRequest(http.MethodPost, "/change_job_status", jsonBody(t, map[string]any{
		"job_id": job.ID, "new_status": "PENDING", "reason": "retry", "pin": "secret-pin",
	}))
	goodRec := httptest.NewRecorder()
	srv.ServeHTTP(goodRec, goodReq)
	assert.Equal(t, http.StatusOK, goodRec.Code)

	reclaimed, err := st.ClaimNext("worker-b")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "worker-b", reclaimed.RequestedBy)
}

// Scenario 5: ten concurrent request_job calls against three PENDING jobs
// return exactly three distinct job ids and seven exhausted responses.
func TestConcurrentRequestJobRaceYieldsExactlyThreeWinners(t *testing.T) {
	st := newSweepStore(t, 3)
	srv := api.New(st, nil, logging.NoOpLogger{}, "")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = map[float64]bool{}
		empties int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			body, err := json.Marshal(map[string]string{"requested_by": fmt.Sprintf("worker-%d", n)})
			require.NoError(t, err)

			resp, err := http.Post(ts.URL+"/request_job", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()

			mu.Lock()
			defer mu.Unlock()
			if resp.StatusCode == http.StatusNotFound {
				empties++
				return
			}

			var parsed map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
			winners[parsed["id"].(float64)] = true
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 3)
	assert.Equal(t, 7, empties)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}
