package data

import (
	"context"
	"encoding/json"
	"time"
)

// JobRun is one row of the job_runs audit table: an additive, Postgres-
// backed record of a completed job that survives past its Session's 24h
// Redis TTL. Nothing in the job-orchestration read path depends on this
// table; it exists purely for retrospective querying.
type JobRun struct {
	JobID          string
	Pipeline       string
	Status         string
	TotalCount     int
	ProcessedCount int
	StartedAt      time.Time
	EndedAt        time.Time
	ResultSummary  json.RawMessage
}

const createJobRunsTableSQL = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id          text PRIMARY KEY,
	pipeline        text NOT NULL,
	status          text NOT NULL,
	total_count     integer NOT NULL,
	processed_count integer NOT NULL,
	started_at      timestamptz NOT NULL,
	ended_at        timestamptz NOT NULL,
	result_summary  jsonb
)`

// EnsureJobRunsTable creates the job_runs table if it does not already
// exist. Safe to call on every process start.
func EnsureJobRunsTable(ctx context.Context, conn *Conn) error {
	_, err := ExecWithRetry(ctx, conn.DB, conn.Logger, createJobRunsTableSQL)
	return err
}

const upsertJobRunSQL = `
INSERT INTO job_runs (job_id, pipeline, status, total_count, processed_count, started_at, ended_at, result_summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (job_id) DO UPDATE SET
	status          = EXCLUDED.status,
	processed_count = EXCLUDED.processed_count,
	ended_at        = EXCLUDED.ended_at,
	result_summary  = EXCLUDED.result_summary`

// RecordJobRun upserts one job_runs row on a job's terminal transition.
// Failures here are logged by the caller and never block the Session's own
// Redis-checkpointed completion — this store is audit-only.
func RecordJobRun(ctx context.Context, conn *Conn, run JobRun) error {
	_, err := ExecWithRetry(ctx, conn.DB, conn.Logger, upsertJobRunSQL,
		run.JobID, run.Pipeline, run.Status, run.TotalCount, run.ProcessedCount,
		run.StartedAt, run.EndedAt, run.ResultSummary)
	return err
}
