package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const (
	StepJobsChannel        = "step_jobs"
	StepRevocationsChannel = "step_revocations"
)

const stepJobColumns = `step_id, execution_id, run_id, kind, state, worker_id, attempts, last_error,
       heartbeat_at, enqueued_at, updated_at`

func scanStepJob(row interface{ Scan(...any) error }) (*StepJob, error) {
	var i StepJob
	err := row.Scan(
		&i.StepID,
		&i.ExecutionID,
		&i.RunID,
		&i.Kind,
		&i.State,
		&i.WorkerID,
		&i.Attempts,
		&i.LastError,
		&i.HeartbeatAt,
		&i.EnqueuedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

const enqueueStepJob = `-- name: EnqueueStepJob :exec
INSERT INTO step_jobs (step_id, execution_id, run_id, kind, state)
VALUES ($1, $2, $3, $4, 'queued')
ON CONFLICT (step_id) DO UPDATE
SET execution_id = EXCLUDED.execution_id,
    kind = EXCLUDED.kind,
    state = 'queued',
    worker_id = NULL,
    last_error = NULL,
    heartbeat_at = NULL,
    enqueued_at = now(),
    updated_at = now()`

type EnqueueStepJobParams struct {
	StepID      pgtype.UUID
	ExecutionID pgtype.UUID
	RunID       pgtype.UUID
	Kind        string
}

func (q *Queries) EnqueueStepJob(ctx context.Context, arg *EnqueueStepJobParams) error {
	_, err := q.db.Exec(ctx, enqueueStepJob, arg.StepID, arg.ExecutionID, arg.RunID, arg.Kind)
	return err
}

const dequeueStepJob = `-- name: DequeueStepJob :one
UPDATE step_jobs
SET state = 'running',
    worker_id = $1,
    attempts = attempts + 1,
    heartbeat_at = now(),
    updated_at = now()
WHERE step_id = (
    SELECT step_id FROM step_jobs
    WHERE state = 'queued'
    ORDER BY enqueued_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + stepJobColumns

func (q *Queries) DequeueStepJob(ctx context.Context, workerID *string) (*StepJob, error) {
	row := q.db.QueryRow(ctx, dequeueStepJob, workerID)
	return scanStepJob(row)
}

const heartbeatStepJob = `-- name: HeartbeatStepJob :execrows
UPDATE step_jobs
SET heartbeat_at = now(), updated_at = now()
WHERE step_id = $1 AND execution_id = $2 AND state = 'running'`

type HeartbeatStepJobParams struct {
	StepID      pgtype.UUID
	ExecutionID pgtype.UUID
}

func (q *Queries) HeartbeatStepJob(ctx context.Context, arg *HeartbeatStepJobParams) (int64, error) {
	result, err := q.db.Exec(ctx, heartbeatStepJob, arg.StepID, arg.ExecutionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markStepJobDone = `-- name: MarkStepJobDone :exec
UPDATE step_jobs
SET state = 'done', last_error = $3, updated_at = now()
WHERE step_id = $1 AND execution_id = $2 AND state = 'running'`

type MarkStepJobDoneParams struct {
	StepID      pgtype.UUID
	ExecutionID pgtype.UUID
	LastError   *string
}

func (q *Queries) MarkStepJobDone(ctx context.Context, arg *MarkStepJobDoneParams) error {
	_, err := q.db.Exec(ctx, markStepJobDone, arg.StepID, arg.ExecutionID, arg.LastError)
	return err
}

const revokeStepJob = `-- name: RevokeStepJob :execrows
UPDATE step_jobs
SET state = 'revoked', updated_at = now()
WHERE step_id = $1 AND state IN ('queued', 'running')`

func (q *Queries) RevokeStepJob(ctx context.Context, stepID pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, revokeStepJob, stepID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const recoverStaleStepJobs = `-- name: RecoverStaleStepJobs :execrows
UPDATE step_jobs
SET state = 'queued', worker_id = NULL, heartbeat_at = NULL, enqueued_at = now(), updated_at = now()
WHERE state = 'running' AND heartbeat_at < $1`

func (q *Queries) RecoverStaleStepJobs(ctx context.Context, staleBefore pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, recoverStaleStepJobs, staleBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const notifyStepJobs = `-- name: NotifyStepJobs :exec
SELECT pg_notify('step_jobs', '')`

func (q *Queries) NotifyStepJobs(ctx context.Context) error {
	_, err := q.db.Exec(ctx, notifyStepJobs)
	return err
}

const notifyStepRevocation = `-- name: NotifyStepRevocation :exec
SELECT pg_notify('step_revocations', $1::text)`

func (q *Queries) NotifyStepRevocation(ctx context.Context, stepID string) error {
	_, err := q.db.Exec(ctx, notifyStepRevocation, stepID)
	return err
}

const listenStepJobs = `-- name: ListenStepJobs :exec
LISTEN step_jobs`

func (q *Queries) ListenStepJobs(ctx context.Context) error {
	_, err := q.db.Exec(ctx, listenStepJobs)
	return err
}

const listenStepRevocations = `-- name: ListenStepRevocations :exec
LISTEN step_revocations`

func (q *Queries) ListenStepRevocations(ctx context.Context) error {
	_, err := q.db.Exec(ctx, listenStepRevocations)
	return err
}
