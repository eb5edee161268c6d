// Package types defines the core domain model shared by the coordinator
// and the worker agent: jobs, their status values, and history entries.
//
// Timestamps are seconds-since-epoch, not milliseconds, because every
// duration the system reasons about (idle timeouts, aborted-job age,
// completion intervals) is specified in whole seconds and the wire
// protocol mirrors that directly.
package types

import "encoding/json"

// JobID uniquely identifies a job. Ids are dense integers assigned at
// sweep creation, 0..N-1, and never reused.
type JobID int64

// Status represents a job's position in the state machine.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusServed  Status = "SERVED"
	StatusDone    Status = "DONE"
	StatusAborted Status = "ABORTED"

	// StatusNotStarted is the legacy alias for StatusPending. It must be
	// accepted on input and is never produced on output.
	StatusNotStarted Status = "NOT_STARTED"
)

// NormalizeStatus maps the legacy NOT_STARTED alias onto PENDING and
// passes every other value through unchanged.
func NormalizeStatus(s Status) Status {
	if s == StatusNotStarted {
		return StatusPending
	}
	return s
}

// Valid reports whether s is one of the four canonical statuses, after
// alias normalization has already been applied by the caller.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusServed, StatusDone, StatusAborted:
		return true
	default:
		return false
	}
}

// HistoryEntry is one append-only audit record attached to a job. Entries
// are never rewritten; timestamps are non-decreasing within a job.
type HistoryEntry struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Job is one unit of work: immutable parameters plus mutable execution
// state. The Job Store is the only component permitted to mutate a Job;
// every other component holds a transient copy and must not cache it
// across calls.
type Job struct {
	ID                  JobID          `json:"id"`
	Parameters          string         `json:"parameters"`
	Status              Status         `json:"status"`
	RequestedBy         string         `json:"requested_by"`
	RequestTimestamp    int64          `json:"request_timestamp"`
	CompletionTimestamp int64          `json:"completion_timestamp"`
	RequiredTime        int64          `json:"required_time"`
	LastPingTimestamp   int64          `json:"last_ping_timestamp"`
	History             []HistoryEntry `json:"history"`
}

// jobWire is Job's on-the-wire shape: Parameters travels as a nested
// JSON object, matching the reference coordinator's behavior of
// json.loads-ing the stored parameters string before jsonify. Internally
// Job keeps Parameters as a string because that's the column type the
// Job Store scans it from.
type jobWire struct {
	ID                  JobID           `json:"id"`
	Parameters          json.RawMessage `json:"parameters"`
	Status              Status          `json:"status"`
	RequestedBy         string          `json:"requested_by"`
	RequestTimestamp    int64           `json:"request_timestamp"`
	CompletionTimestamp int64           `json:"completion_timestamp"`
	RequiredTime        int64           `json:"required_time"`
	LastPingTimestamp   int64           `json:"last_ping_timestamp"`
	History             []HistoryEntry  `json:"history"`
}

// MarshalJSON presents Parameters as a decoded JSON object rather than
// the escaped string it's stored as. An empty Parameters string encodes
// as an empty object rather than null, since every job has a parameter
// set even if it's empty.
func (j Job) MarshalJSON() ([]byte, error) {
	params := []byte(j.Parameters)
	if len(params) == 0 {
		params = []byte("{}")
	}
	return json.Marshal(jobWire{
		ID:                  j.ID,
		Parameters:          json.RawMessage(params),
		Status:              j.Status,
		RequestedBy:         j.RequestedBy,
		RequestTimestamp:    j.RequestTimestamp,
		CompletionTimestamp: j.CompletionTimestamp,
		RequiredTime:        j.RequiredTime,
		LastPingTimestamp:   j.LastPingTimestamp,
		History:             j.History,
	})
}

// UnmarshalJSON accepts Parameters as a JSON object and re-encodes it to
// the string form Job carries internally, so a Job decoded off the wire
// (the worker agent's /request_job response) round-trips through the
// same Parameters-as-string representation the Job Store uses.
func (j *Job) UnmarshalJSON(data []byte) error {
	var wire jobWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	j.ID = wire.ID
	j.Status = wire.Status
	j.RequestedBy = wire.RequestedBy
	j.RequestTimestamp = wire.RequestTimestamp
	j.CompletionTimestamp = wire.CompletionTimestamp
	j.RequiredTime = wire.RequiredTime
	j.LastPingTimestamp = wire.LastPingTimestamp
	j.History = wire.History
	if len(wire.Parameters) == 0 {
		j.Parameters = ""
	} else {
		j.Parameters = string(wire.Parameters)
	}
	return nil
}

// Machine derives the dashboard-facing machine grouping from the prefix
// of RequestedBy up to its first underscore. Jobs with no requester
// bucket as "unassigned".
func (j Job) Machine() string {
	if j.RequestedBy == "" {
		return "unassigned"
	}
	for i, r := range j.RequestedBy {
		if r == '_' {
			return j.RequestedBy[:i]
		}
	}
	return j.RequestedBy
}

// APICounter is the per-endpoint request tally.
type APICounter struct {
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	RequestCount int64  `json:"request_count"`
	LastUpdated  int64  `json:"last_updated"`
}

// StatusCounts tallies jobs by status, returned by counts_by_status and
// surfaced on the /healthz and CLI status views.
type StatusCounts struct {
	Pending int `json:"PENDING"`
	Served  int `json:"SERVED"`
	Done    int `json:"DONE"`
	Aborted int `json:"ABORTED"`
}
