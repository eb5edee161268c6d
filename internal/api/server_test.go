package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/internal/store"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

func newTestServer(t *testing.T, pin string) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil, logging.NoOpLogger{}, pin), s
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRequestJobClaimsAndReportsExhaustion(t *testing.T) {
	srv, st := newTestServer(t, "")
	require.NoError(t, st.CreateJobs([]string{"{}"}, false))

	rec := postJSON(t, srv, "/request_job", requestJobBody{RequestedBy: "worker-a"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, types.StatusServed, job.Status)

	rec = postJSON(t, srv, "/request_job", requestJobBody{RequestedBy: "worker-b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestRequestJobRejectsMissingRequestedBy(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := postJSON(t, srv, "/request_job", requestJobBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateJobStatusMarksServedJobDone(t *testing.T) {
	srv, st := newTestServer(t, "")
	require.NoError(t, st.CreateJobs([]string{"{}"}, false))
	_, err := st.ClaimNext("worker-a")
	require.NoError(t, err)

	rec := postJSON(t, srv, "/update_job_status", map[string]any{
		"job_id":  0,
		"status":  "DONE",
		"message": "ok",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	job, err := st.Get(0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, job.Status)
}

func TestPingAcceptsBothIDKeys(t *testing.T) {
	srv, st := newTestServer(t, "")
	require.NoError(t, st.CreateJobs([]string{"{}", "{}"}, false))
	_, err := st.ClaimNext("worker-a")
	require.NoError(t, err)
	_, err = st.ClaimNext("worker-b")
	require.NoError(t, err)

	rec := postJSON(t, srv, "/ping", map[string]any{"id": 0})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/ping", map[string]any{"job_id": 1})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangeJobStatusRequiresMatchingPin(t *testing.T) {
	srv, st := newTestServer(t, "secret")
	require.NoError(t, st.CreateJobs([]string{"{}"}, false))

	rec := postJSON(t, srv, "/change_job_status", changeJobStatusBody{
		JobID: 0, NewStatus: types.StatusDone, Pin: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, srv, "/change_job_status", changeJobStatusBody{
		JobID: 0, NewStatus: types.StatusDone, Pin: "secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangeJobStatusDisabledWithoutConfiguredPin(t *testing.T) {
	srv, st := newTestServer(t, "")
	require.NoError(t, st.CreateJobs([]string{"{}"}, false))

	rec := postJSON(t, srv, "/change_job_status", changeJobStatusBody{
		JobID: 0, NewStatus: types.StatusDone, Pin: "",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobsPaginatedFiltersByStatus(t *testing.T) {
	srv, st := newTestServer(t, "")
	require.NoError(t, st.CreateJobs([]string{"{}", "{}", "{}"}, false))
	_, err := st.ClaimNext("worker-a")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs_paginated?status=PENDING&page=1&per_page=10", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["total"])
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIStatsCountsRequests(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.ServeHTTP(httptest.NewRecorder(), req)
	srv.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api_stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats []types.APICounter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	found := false
	for _, c := range stats {
		if c.Endpoint == "/healthz" {
			found = true
			assert.Equal(t, int64(2), c.RequestCount)
		}
	}
	assert.True(t, found, "expected /healthz to appear in api_stats")
}
