// Package api implements the Coordinator's HTTP/JSON surface: the
// request_job/update_job_status/ping cycle workers drive, the operator
// override and diagnostic endpoints, and the health and metrics probes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/pkg/jobsvcerr"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

// jobStore is the subset of *store.Store the API depends on.
type jobStore interface {
	CreateJobs(paramsList []string, resetCounters bool) error
	ClaimNext(workerID string) (*types.Job, error)
	Finish(id types.JobID, status types.Status, message string) error
	Ping(id types.JobID) error
	Override(id types.JobID, newStatus types.Status, reason string) error
	Get(id types.JobID) (*types.Job, error)
	ListPaginated(page, perPage int, statusFilter, searchJobID string) ([]types.Job, int, error)
	CountsByStatus() (types.StatusCounts, error)
	APIStats() ([]types.APICounter, error)
	DatabaseInfo() (map[string]any, error)
	JobStats(interval, machine string) (map[string]int, error)
	RecordAPICall(endpoint, method string)
}

// metricsSink is the subset of the metrics collector the API reports
// through.
type metricsSink interface {
	RecordClaim()
	RecordFinish(status types.Status, latencySeconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaim()                                      {}
func (noopMetrics) RecordFinish(status types.Status, seconds float64) {}

// Server wires the jobStore onto a gorilla/mux router.
type Server struct {
	store     jobStore
	metrics   metricsSink
	log       logging.Logger
	statusPin string
	router    *mux.Router
}

// New builds a Server. pin gates /change_job_status; an empty pin
// disables the endpoint entirely.
func New(store jobStore, metrics metricsSink, log logging.Logger, statusPin string) *Server {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}

	s := &Server{store: store, metrics: metrics, log: log, statusPin: statusPin}
	s.router = mux.NewRouter()
	s.router.Use(s.countingMiddleware)
	s.routes()
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/request_job", s.handleRequestJob).Methods(http.MethodPost)
	s.router.HandleFunc("/update_job_status", s.handleUpdateJobStatus).Methods(http.MethodPost)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodPost)
	s.router.HandleFunc("/change_job_status", s.handleChangeJobStatus).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs_paginated", s.handleJobsPaginated).Methods(http.MethodGet)
	s.router.HandleFunc("/job_stats", s.handleJobStats).Methods(http.MethodGet)
	s.router.HandleFunc("/api_stats", s.handleAPIStats).Methods(http.MethodGet)
	s.router.HandleFunc("/database_info", s.handleDatabaseInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// countingMiddleware records every request against api_stats,
// best-effort, before handing off to the route handler.
func (s *Server) countingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.store.RecordAPICall(r.URL.Path, r.Method)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	svcErr, ok := err.(*jobsvcerr.Error)
	if !ok {
		svcErr = jobsvcerr.Wrap(jobsvcerr.CodeStoreWrite, "internal error", err)
	}
	writeJSON(w, svcErr.HTTPStatus(), map[string]any{
		"error":      svcErr.Message,
		"code":       svcErr.Code,
		"request_id": svcErr.RequestID,
	})
}

type requestJobBody struct {
	RequestedBy string `json:"requested_by"`
}

// handleRequestJob implements POST /request_job: claim the lowest-id
// PENDING job and hand it to the calling worker, or report that the
// sweep is exhausted.
func (s *Server) handleRequestJob(w http.ResponseWriter, r *http.Request) {
	var body requestJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, jobsvcerr.Schema("invalid request_job body"))
		return
	}
	if body.RequestedBy == "" {
		writeError(w, jobsvcerr.Schema("requested_by is required"))
		return
	}

	job, err := s.store.ClaimNext(body.RequestedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, jobsvcerr.NotFound("No available jobs"))
		return
	}

	s.metrics.RecordClaim()
	writeJSON(w, http.StatusOK, job)
}

type updateJobStatusBody struct {
	JobID   types.JobID  `json:"job_id"`
	Status  types.Status `json:"status"`
	Message string       `json:"message"`
}

// handleUpdateJobStatus implements POST /update_job_status: the worker's
// terminal report of DONE or ABORTED for a job it holds.
func (s *Server) handleUpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var body updateJobStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, jobsvcerr.Schema("invalid update_job_status body"))
		return
	}

	status := types.NormalizeStatus(body.Status)
	before, _ := s.store.Get(body.JobID)

	if err := s.store.Finish(body.JobID, status, body.Message); err != nil {
		writeError(w, err)
		return
	}

	if before != nil && before.RequestTimestamp > 0 {
		elapsed := time.Since(time.Unix(before.RequestTimestamp, 0)).Seconds()
		s.metrics.RecordFinish(status, elapsed)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type pingBody struct {
	ID    *types.JobID `json:"id"`
	JobID *types.JobID `json:"job_id"`
}

// resolve returns whichever of id/job_id was supplied; both keys are
// accepted for compatibility with older worker agents.
func (b pingBody) resolve() (types.JobID, bool) {
	if b.ID != nil {
		return *b.ID, true
	}
	if b.JobID != nil {
		return *b.JobID, true
	}
	return 0, false
}

// handlePing implements POST /ping: a worker heartbeat for the job it
// currently holds.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var body pingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, jobsvcerr.Schema("invalid ping body"))
		return
	}

	id, ok := body.resolve()
	if !ok {
		writeError(w, jobsvcerr.Schema("ping requires id or job_id"))
		return
	}

	if err := s.store.Ping(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type changeJobStatusBody struct {
	JobID     types.JobID  `json:"job_id"`
	NewStatus types.Status `json:"new_status"`
	Reason    string       `json:"reason"`
	Pin       string       `json:"pin"`
}

// handleChangeJobStatus implements POST /change_job_status: the operator
// override endpoint, gated by a shared PIN.
func (s *Server) handleChangeJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.statusPin == "" {
		writeError(w, jobsvcerr.Unauthorized("operator override is disabled"))
		return
	}

	var body changeJobStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, jobsvcerr.Schema("invalid change_job_status body"))
		return
	}
	if body.Pin != s.statusPin {
		writeError(w, jobsvcerr.Unauthorized("pin mismatch"))
		return
	}

	status := types.NormalizeStatus(body.NewStatus)
	if err := s.store.Override(body.JobID, status, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleJobsPaginated implements GET /jobs_paginated for the dashboard
// table: page, per_page, status, and search query parameters.
func (s *Server) handleJobsPaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	jobs, total, err := s.store.ListPaginated(page, perPage, q.Get("status"), q.Get("search_job_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
		"page":  page,
	})
}

// handleJobStats implements GET /job_stats: DONE jobs bucketed by
// completion time, optionally filtered by derived machine.
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "hourly"
	}
	machine := q.Get("machine")
	if machine == "" {
		machine = "all"
	}

	buckets, err := s.store.JobStats(interval, machine)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleAPIStats implements GET /api_stats: per-endpoint request
// counters.
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.APIStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDatabaseInfo implements GET /database_info: job count and
// storage file diagnostics.
func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.DatabaseInfo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleHealthz implements GET /healthz: a cheap liveness probe that
// round-trips the store's status counts.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountsByStatus()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": counts})
}
