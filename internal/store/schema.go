package store

// schema is applied by Open each time a database file is opened (or
// created); CreateJobs only replaces rows. It matches the persisted state layout named in
// SPEC_FULL.md §6: two tables, jobs and api_stats, with the indices the
// read paths (status listings, reap scans, dashboard search) depend on.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    INTEGER PRIMARY KEY,
	requested_by          TEXT    NOT NULL DEFAULT '',
	request_timestamp     INTEGER NOT NULL DEFAULT 0,
	completion_timestamp  INTEGER NOT NULL DEFAULT 0,
	required_time         INTEGER NOT NULL DEFAULT 0,
	last_ping_timestamp   INTEGER NOT NULL DEFAULT 0,
	status                TEXT    NOT NULL,
	history               TEXT    NOT NULL DEFAULT '[]',
	parameters            TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS api_stats (
	endpoint      TEXT NOT NULL,
	method        TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	last_updated  INTEGER NOT NULL DEFAULT 0,
	UNIQUE(endpoint, method)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_id ON jobs(status, id);
CREATE INDEX IF NOT EXISTS idx_jobs_last_ping ON jobs(last_ping_timestamp);
CREATE INDEX IF NOT EXISTS idx_jobs_status_last_ping ON jobs(status, last_ping_timestamp);
CREATE INDEX IF NOT EXISTS idx_jobs_requested_by ON jobs(requested_by);
CREATE INDEX IF NOT EXISTS idx_jobs_request_ts ON jobs(request_timestamp);
CREATE INDEX IF NOT EXISTS idx_jobs_completion_ts ON jobs(completion_timestamp);
`
