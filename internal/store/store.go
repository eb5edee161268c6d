// Package store implements the Job Store: the durable, concurrency-safe
// state machine that owns every job record. It is the only component
// that may mutate a Job; every operation here corresponds to one
// contract in SPEC_FULL.md §4.1.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/pkg/jobsvcerr"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

// Store is backed by a single SQLite file. Every mutating operation is
// serialized by mu's exclusive lock, held for the duration of the
// transition; reads take the shared lock. This mirrors the original
// job store's single in-process lock while gaining crash-safe durability
// from SQLite's own transaction journal.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	log logging.Logger

	lastAbortedSweep time.Time
}

// Open opens (or creates) the SQLite database at path and ensures the
// schema exists. The connection pool is capped at one connection so the
// single-writer discipline holds even if a caller forgets to take mu.
func Open(path string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=off")
	if err != nil {
		return nil, jobsvcerr.StoreWrite("open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, jobsvcerr.StoreWrite("apply schema", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJobs replaces the jobs table with one PENDING row per element of
// paramsList, preserving list order as id. If resetCounters is set, the
// api_stats table is cleared in the same transaction.
func (s *Store) CreateJobs(paramsList []string, resetCounters bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return jobsvcerr.StoreWrite("begin create_jobs transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return jobsvcerr.StoreWrite("clear jobs table", err)
	}
	if resetCounters {
		if _, err := tx.Exec(`DELETE FROM api_stats`); err != nil {
			return jobsvcerr.StoreWrite("clear api_stats table", err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO jobs (id, status, history) VALUES (?, ?, '[]')`)
	if err != nil {
		return jobsvcerr.StoreWrite("prepare insert", err)
	}
	defer stmt.Close()

	for id, params := range paramsList {
		if _, err := stmt.Exec(id, string(types.StatusPending)); err != nil {
			return jobsvcerr.StoreWrite(fmt.Sprintf("insert job %d", id), err)
		}
		if _, err := tx.Exec(`UPDATE jobs SET parameters=? WHERE id=?`, params, id); err != nil {
			return jobsvcerr.StoreWrite(fmt.Sprintf("set parameters for job %d", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return jobsvcerr.StoreWrite("commit create_jobs", err)
	}

	s.log.Info("sweep created", "job_count", len(paramsList), "reset_counters", resetCounters)
	return nil
}

// ClaimNext atomically selects the lowest-id PENDING job, flips it to
// SERVED, and returns the updated record. Returns (nil, nil) if no
// PENDING job exists. Equivalent to "select ... where status=PENDING
// order by id limit 1 -> update that row" executed under the writer
// lock, so N concurrent callers produce N distinct outcomes.
func (s *Store) ClaimNext(workerID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, jobsvcerr.StoreWrite("begin claim_next transaction", err)
	}
	defer tx.Rollback()

	var id types.JobID
	err = tx.QueryRow(`SELECT id FROM jobs WHERE status=? ORDER BY id LIMIT 1`, string(types.StatusPending)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, jobsvcerr.StoreWrite("select next pending job", err)
	}

	now := time.Now().Unix()
	history, err := appendHistoryTx(tx, id, fmt.Sprintf("claimed by %s", workerID), now)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`UPDATE jobs SET status=?, requested_by=?, request_timestamp=?, history=? WHERE id=? AND status=?`,
		string(types.StatusServed), workerID, now, history, id, string(types.StatusPending))
	if err != nil {
		return nil, jobsvcerr.StoreWrite("claim job", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Another writer won the race for this id between our select and
		// our update; report no job rather than a partial claim.
		return nil, nil
	}

	job, err := getTx(tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, jobsvcerr.StoreWrite("commit claim_next", err)
	}

	s.log.Info("job claimed", "job_id", id, "requested_by", workerID)
	return job, nil
}

// Finish requires the job to be currently SERVED and status to be DONE
// or ABORTED. It sets the completion timestamp and required_time,
// appends a history entry, and is at-most-once: a repeated call after
// success returns NotClaimable.
func (s *Store) Finish(id types.JobID, status types.Status, message string) error {
	if status != types.StatusDone && status != types.StatusAborted {
		return jobsvcerr.Schema(fmt.Sprintf("finish: status must be DONE or ABORTED, got %s", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return jobsvcerr.StoreWrite("begin finish transaction", err)
	}
	defer tx.Rollback()

	job, err := getTx(tx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != types.StatusServed {
		return jobsvcerr.NotClaimable(fmt.Sprintf("job %d is not SERVED", id))
	}

	now := time.Now().Unix()
	requiredTime := now - job.RequestTimestamp

	history, err := appendHistoryTx(tx, id, fmt.Sprintf("%s: %s", status, message), now)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE jobs SET status=?, completion_timestamp=?, required_time=?, history=? WHERE id=?`,
		string(status), now, requiredTime, history, id); err != nil {
		return jobsvcerr.StoreWrite("finish job", err)
	}

	if err := tx.Commit(); err != nil {
		return jobsvcerr.StoreWrite("commit finish", err)
	}

	s.log.Info("job finished", "job_id", id, "status", status)
	return nil
}

// Ping requires the job to be SERVED and refreshes its
// last_ping_timestamp. Repeated pings are idempotent except for that
// timestamp advancing.
func (s *Store) Ping(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != types.StatusServed {
		return jobsvcerr.NotClaimable(fmt.Sprintf("job %d is not SERVED", id))
	}

	if _, err := s.db.Exec(`UPDATE jobs SET last_ping_timestamp=? WHERE id=?`, time.Now().Unix(), id); err != nil {
		return jobsvcerr.StoreWrite("ping job", err)
	}
	return nil
}

// allowedOverrides lists the statuses an operator override may move a job
// from and to.
var allowedOverrides = map[types.Status]bool{
	types.StatusDone:    true,
	types.StatusAborted: true,
	types.StatusPending: true,
}

// Override permits an operator-initiated transition between any of
// {DONE, ABORTED, PENDING}. When the target is PENDING, every execution
// field is zeroed so the job can be reclaimed, exactly as at creation.
func (s *Store) Override(id types.JobID, newStatus types.Status, reason string) error {
	if !allowedOverrides[newStatus] {
		return jobsvcerr.Schema(fmt.Sprintf("override: %s is not a permitted target status", newStatus))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return jobsvcerr.StoreWrite("begin override transaction", err)
	}
	defer tx.Rollback()

	existing, err := getTx(tx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return jobsvcerr.NotFound(fmt.Sprintf("job %d not found", id))
	}
	if !allowedOverrides[existing.Status] {
		return jobsvcerr.NotClaimable(fmt.Sprintf("override: job %d is %s, not DONE, ABORTED or PENDING", id, existing.Status))
	}

	now := time.Now().Unix()
	history, err := appendHistoryTx(tx, id, fmt.Sprintf("operator override to %s: %s", newStatus, reason), now)
	if err != nil {
		return err
	}

	if newStatus == types.StatusPending {
		if _, err := tx.Exec(`UPDATE jobs SET status=?, requested_by='', request_timestamp=0,
			completion_timestamp=0, required_time=0, last_ping_timestamp=0, history=? WHERE id=?`,
			string(newStatus), history, id); err != nil {
			return jobsvcerr.StoreWrite("override to pending", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE jobs SET status=?, history=? WHERE id=?`, string(newStatus), history, id); err != nil {
			return jobsvcerr.StoreWrite("override status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return jobsvcerr.StoreWrite("commit override", err)
	}

	s.log.Info("job overridden", "job_id", id, "new_status", newStatus, "reason", reason)
	return nil
}

// ReapStaleServed returns to PENDING every SERVED job whose
// last_ping_timestamp is older than idleThreshold, zeroing execution
// fields and recording the silent worker and elapsed silence.
func (s *Store) ReapStaleServed(idleThreshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	cutoff := now - int64(idleThreshold.Seconds())

	tx, err := s.db.Begin()
	if err != nil {
		return 0, jobsvcerr.StoreWrite("begin reap_stale_served transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, requested_by, last_ping_timestamp FROM jobs WHERE status=? AND last_ping_timestamp < ?`,
		string(types.StatusServed), cutoff)
	if err != nil {
		return 0, jobsvcerr.StoreWrite("select stale served jobs", err)
	}

	type stale struct {
		id          types.JobID
		requestedBy string
		lastPing    int64
	}
	var staleJobs []stale
	for rows.Next() {
		var j stale
		if err := rows.Scan(&j.id, &j.requestedBy, &j.lastPing); err != nil {
			rows.Close()
			return 0, jobsvcerr.StoreWrite("scan stale served job", err)
		}
		staleJobs = append(staleJobs, j)
	}
	rows.Close()

	count := 0
	for _, j := range staleJobs {
		silence := now - j.lastPing
		reason := fmt.Sprintf("reaped: worker %s silent for %ds", j.requestedBy, silence)
		history, err := appendHistoryTx(tx, j.id, reason, now)
		if err != nil {
			return count, err
		}
		if _, err := tx.Exec(`UPDATE jobs SET status=?, requested_by='', request_timestamp=0,
			completion_timestamp=0, required_time=0, last_ping_timestamp=0, history=? WHERE id=? AND status=?`,
			string(types.StatusPending), history, j.id, string(types.StatusServed)); err != nil {
			return count, jobsvcerr.StoreWrite("reap stale served job", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, jobsvcerr.StoreWrite("commit reap_stale_served", err)
	}
	return count, nil
}

// ReapAborted returns to PENDING every ABORTED job whose
// completion_timestamp is older than abortedAge, naming the prior
// failing worker in the appended history entry.
func (s *Store) ReapAborted(abortedAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	cutoff := now - int64(abortedAge.Seconds())

	tx, err := s.db.Begin()
	if err != nil {
		return 0, jobsvcerr.StoreWrite("begin reap_aborted transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, requested_by FROM jobs WHERE status=? AND completion_timestamp < ?`,
		string(types.StatusAborted), cutoff)
	if err != nil {
		return 0, jobsvcerr.StoreWrite("select aged aborted jobs", err)
	}

	type aged struct {
		id          types.JobID
		requestedBy string
	}
	var agedJobs []aged
	for rows.Next() {
		var j aged
		if err := rows.Scan(&j.id, &j.requestedBy); err != nil {
			rows.Close()
			return 0, jobsvcerr.StoreWrite("scan aged aborted job", err)
		}
		agedJobs = append(agedJobs, j)
	}
	rows.Close()

	count := 0
	for _, j := range agedJobs {
		reason := fmt.Sprintf("reaped: previously failed on %s", j.requestedBy)
		history, err := appendHistoryTx(tx, j.id, reason, now)
		if err != nil {
			return count, err
		}
		if _, err := tx.Exec(`UPDATE jobs SET status=?, requested_by='', request_timestamp=0,
			completion_timestamp=0, required_time=0, last_ping_timestamp=0, history=? WHERE id=? AND status=?`,
			string(types.StatusPending), history, j.id, string(types.StatusAborted)); err != nil {
			return count, jobsvcerr.StoreWrite("reap aborted job", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, jobsvcerr.StoreWrite("commit reap_aborted", err)
	}
	return count, nil
}

// Get returns a consistent snapshot of one job, or nil if it does not
// exist.
func (s *Store) Get(id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id types.JobID) (*types.Job, error) {
	row := s.db.QueryRow(`SELECT id, requested_by, request_timestamp, completion_timestamp,
		required_time, last_ping_timestamp, status, history, parameters FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

// ListByStatus returns every job currently in the given status, ordered
// by id.
func (s *Store) ListByStatus(status types.Status) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, requested_by, request_timestamp, completion_timestamp,
		required_time, last_ping_timestamp, status, history, parameters FROM jobs WHERE status=? ORDER BY id`,
		string(status))
	if err != nil {
		return nil, jobsvcerr.StoreWrite("list_by_status", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPaginated returns one page of jobs, optionally filtered by status
// and by a substring match on the job id, plus the total matching count
// for the caller to compute page boundaries.
func (s *Store) ListPaginated(page, perPage int, statusFilter, searchJobID string) ([]types.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	where := "WHERE 1=1"
	var args []any
	if statusFilter != "" {
		where += " AND status=?"
		args = append(args, statusFilter)
	}
	if searchJobID != "" {
		where += " AND CAST(id AS TEXT) LIKE ?"
		args = append(args, "%"+searchJobID+"%")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs " + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, jobsvcerr.StoreWrite("count jobs_paginated", err)
	}

	query := `SELECT id, requested_by, request_timestamp, completion_timestamp,
		required_time, last_ping_timestamp, status, history, parameters FROM jobs ` + where +
		" ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, jobsvcerr.StoreWrite("list jobs_paginated", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CountsByStatus returns the number of jobs in each of the four
// statuses.
func (s *Store) CountsByStatus() (types.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts types.StatusCounts
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return counts, jobsvcerr.StoreWrite("counts_by_status", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, jobsvcerr.StoreWrite("scan counts_by_status", err)
		}
		switch types.Status(status) {
		case types.StatusPending:
			counts.Pending = n
		case types.StatusServed:
			counts.Served = n
		case types.StatusDone:
			counts.Done = n
		case types.StatusAborted:
			counts.Aborted = n
		}
	}
	return counts, nil
}

// RecordAPICall increments the counter for an (endpoint, method) pair.
// Best-effort: a failure here is logged but never propagated to the
// caller, since a missed diagnostic counter must not block the request
// it is measuring.
func (s *Store) RecordAPICall(endpoint, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO api_stats (endpoint, method, request_count, last_updated)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(endpoint, method) DO UPDATE SET
			request_count = request_count + 1,
			last_updated = excluded.last_updated`,
		endpoint, method, time.Now().Unix())
	if err != nil {
		s.log.Warn("failed to record api call", "endpoint", endpoint, "method", method, "error", err)
	}
}

// APIStats returns the current per-endpoint request tallies.
func (s *Store) APIStats() ([]types.APICounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT endpoint, method, request_count, last_updated FROM api_stats ORDER BY endpoint, method`)
	if err != nil {
		return nil, jobsvcerr.StoreWrite("api_stats", err)
	}
	defer rows.Close()

	var counters []types.APICounter
	for rows.Next() {
		var c types.APICounter
		if err := rows.Scan(&c.Endpoint, &c.Method, &c.RequestCount, &c.LastUpdated); err != nil {
			return nil, jobsvcerr.StoreWrite("scan api_stats", err)
		}
		counters = append(counters, c)
	}
	return counters, nil
}

// DatabaseInfo reports diagnostic information about the database file
// for the /database_info endpoint.
func (s *Store) DatabaseInfo() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobCount); err != nil {
		return nil, jobsvcerr.StoreWrite("database_info", err)
	}

	var pageCount, pageSize int
	s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount)
	s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize)

	return map[string]any{
		"job_count":    jobCount,
		"size_bytes":   pageCount * pageSize,
		"journal_mode": "wal",
	}, nil
}

// JobStats aggregates DONE jobs by completion time bucket (minutely or
// hourly, truncated) and optionally restricted to a single derived
// machine, for the dashboard's chart.
func (s *Store) JobStats(interval, machine string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT completion_timestamp, requested_by FROM jobs WHERE status=?`, string(types.StatusDone))
	if err != nil {
		return nil, jobsvcerr.StoreWrite("job_stats", err)
	}
	defer rows.Close()

	bucketSize := int64(3600)
	if interval == "minutely" {
		bucketSize = 60
	}

	buckets := make(map[string]int)
	for rows.Next() {
		var completion int64
		var requestedBy string
		if err := rows.Scan(&completion, &requestedBy); err != nil {
			return nil, jobsvcerr.StoreWrite("scan job_stats", err)
		}

		jobMachine := types.Job{RequestedBy: requestedBy}.Machine()
		if machine != "" && machine != "all" && machine != jobMachine {
			continue
		}

		bucket := (completion / bucketSize) * bucketSize
		key := time.Unix(bucket, 0).UTC().Format(time.RFC3339)
		buckets[key]++
	}
	return buckets, nil
}

// appendHistoryTx loads a job's current history within tx, appends one
// entry, and returns the re-encoded JSON for the caller's UPDATE
// statement — appended in the same transaction as the status change so
// the "entry appears iff transition committed" invariant holds.
func appendHistoryTx(tx *sql.Tx, id types.JobID, reason string, timestamp int64) (string, error) {
	var raw string
	if err := tx.QueryRow(`SELECT history FROM jobs WHERE id=?`, id).Scan(&raw); err != nil {
		return "", jobsvcerr.StoreWrite(fmt.Sprintf("load history for job %d", id), err)
	}

	entries := decodeHistory(raw)
	entries = append(entries, types.HistoryEntry{Reason: reason, Timestamp: timestamp})

	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", jobsvcerr.StoreWrite("encode history", err)
	}
	return string(encoded), nil
}

// decodeHistory tolerates corrupted history JSON by substituting an
// empty history rather than losing the job row.
func decodeHistory(raw string) []types.HistoryEntry {
	var entries []types.HistoryEntry
	if raw == "" {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*types.Job, error) {
	var j types.Job
	var historyRaw string
	err := row.Scan(&j.ID, &j.RequestedBy, &j.RequestTimestamp, &j.CompletionTimestamp,
		&j.RequiredTime, &j.LastPingTimestamp, &j.Status, &historyRaw, &j.Parameters)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, jobsvcerr.StoreWrite("scan job row", err)
	}
	j.History = decodeHistory(historyRaw)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]types.Job, error) {
	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, jobsvcerr.StoreWrite("iterate job rows", err)
	}
	return jobs, nil
}

func getTx(tx *sql.Tx, id types.JobID) (*types.Job, error) {
	row := tx.QueryRow(`SELECT id, requested_by, request_timestamp, completion_timestamp,
		required_time, last_ping_timestamp, status, history, parameters FROM jobs WHERE id=?`, id)
	return scanJob(row)
}
