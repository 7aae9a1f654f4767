package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const stepRecordColumns = `id, run_id, kind, stage, position, args, payload, status, message,
       predecessors, execution_id, started_at, finished_at, created_at, updated_at`

func scanStepRecord(row interface{ Scan(...any) error }) (*StepRecord, error) {
	var i StepRecord
	err := row.Scan(
		&i.ID,
		&i.RunID,
		&i.Kind,
		&i.Stage,
		&i.Position,
		&i.Args,
		&i.Payload,
		&i.Status,
		&i.Message,
		&i.Predecessors,
		&i.ExecutionID,
		&i.StartedAt,
		&i.FinishedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func collectStepRecords(rows pgx.Rows) ([]*StepRecord, error) {
	defer rows.Close()
	var items []*StepRecord
	for rows.Next() {
		i, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertStepRecord = `-- name: InsertStepRecord :one
INSERT INTO step_records (id, run_id, kind, stage, position, args, payload, status, message, predecessors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + stepRecordColumns

type InsertStepRecordParams struct {
	ID           pgtype.UUID
	RunID        pgtype.UUID
	Kind         string
	Stage        int32
	Position     int32
	Args         Payload
	Payload      Payload
	Status       string
	Message      string
	Predecessors []pgtype.UUID
}

func (q *Queries) InsertStepRecord(ctx context.Context, arg *InsertStepRecordParams) (*StepRecord, error) {
	preds := arg.Predecessors
	if preds == nil {
		preds = []pgtype.UUID{}
	}
	row := q.db.QueryRow(ctx, insertStepRecord,
		arg.ID,
		arg.RunID,
		arg.Kind,
		arg.Stage,
		arg.Position,
		arg.Args,
		arg.Payload,
		arg.Status,
		arg.Message,
		preds,
	)
	return scanStepRecord(row)
}

const getStepRecord = `-- name: GetStepRecord :one
SELECT ` + stepRecordColumns + `
FROM step_records
WHERE id = $1`

func (q *Queries) GetStepRecord(ctx context.Context, id pgtype.UUID) (*StepRecord, error) {
	row := q.db.QueryRow(ctx, getStepRecord, id)
	return scanStepRecord(row)
}

const listStepRecordsByRun = `-- name: ListStepRecordsByRun :many
SELECT ` + stepRecordColumns + `
FROM step_records
WHERE run_id = $1
ORDER BY stage, position`

func (q *Queries) ListStepRecordsByRun(ctx context.Context, runID pgtype.UUID) ([]*StepRecord, error) {
	rows, err := q.db.Query(ctx, listStepRecordsByRun, runID)
	if err != nil {
		return nil, err
	}
	return collectStepRecords(rows)
}

const listStepRecordsByRunAndKind = `-- name: ListStepRecordsByRunAndKind :many
SELECT ` + stepRecordColumns + `
FROM step_records
WHERE run_id = $1 AND kind = $2
ORDER BY created_at, stage, position`

type ListStepRecordsByRunAndKindParams struct {
	RunID pgtype.UUID
	Kind  string
}

func (q *Queries) ListStepRecordsByRunAndKind(ctx context.Context, arg *ListStepRecordsByRunAndKindParams) ([]*StepRecord, error) {
	rows, err := q.db.Query(ctx, listStepRecordsByRunAndKind, arg.RunID, arg.Kind)
	if err != nil {
		return nil, err
	}
	return collectStepRecords(rows)
}

const markStepRecordStarted = `-- name: MarkStepRecordStarted :one
UPDATE step_records
SET status = 'STARTED',
    started_at = COALESCE(started_at, now()),
    updated_at = now()
WHERE id = $1 AND status IN ('PENDING', 'STARTED')
RETURNING ` + stepRecordColumns

func (q *Queries) MarkStepRecordStarted(ctx context.Context, id pgtype.UUID) (*StepRecord, error) {
	row := q.db.QueryRow(ctx, markStepRecordStarted, id)
	return scanStepRecord(row)
}

const finishStepRecord = `-- name: FinishStepRecord :execrows
UPDATE step_records
SET status = $2,
    message = $3,
    finished_at = CASE WHEN $2 IN ('SUCCESS', 'FAILURE', 'CANCELED') THEN now() ELSE NULL END,
    updated_at = now()
WHERE id = $1
  AND ($4::uuid IS NULL OR execution_id = $4)`

type FinishStepRecordParams struct {
	ID          pgtype.UUID
	Status      string
	Message     string
	ExecutionID pgtype.UUID
}

func (q *Queries) FinishStepRecord(ctx context.Context, arg *FinishStepRecordParams) (int64, error) {
	result, err := q.db.Exec(ctx, finishStepRecord, arg.ID, arg.Status, arg.Message, arg.ExecutionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const resetStepRecord = `-- name: ResetStepRecord :one
UPDATE step_records
SET status = 'PENDING',
    message = '',
    payload = $2,
    execution_id = $3,
    started_at = NULL,
    finished_at = NULL,
    updated_at = now()
WHERE id = $1
RETURNING ` + stepRecordColumns

type ResetStepRecordParams struct {
	ID          pgtype.UUID
	Payload     Payload
	ExecutionID pgtype.UUID
}

func (q *Queries) ResetStepRecord(ctx context.Context, arg *ResetStepRecordParams) (*StepRecord, error) {
	row := q.db.QueryRow(ctx, resetStepRecord, arg.ID, arg.Payload, arg.ExecutionID)
	return scanStepRecord(row)
}

const setStepRecordExecution = `-- name: SetStepRecordExecution :execrows
UPDATE step_records
SET execution_id = $2, updated_at = now()
WHERE id = $1`

type SetStepRecordExecutionParams struct {
	ID          pgtype.UUID
	ExecutionID pgtype.UUID
}

func (q *Queries) SetStepRecordExecution(ctx context.Context, arg *SetStepRecordExecutionParams) (int64, error) {
	result, err := q.db.Exec(ctx, setStepRecordExecution, arg.ID, arg.ExecutionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const cancelPendingStepRecord = `-- name: CancelPendingStepRecord :execrows
UPDATE step_records
SET status = 'CANCELED', finished_at = now(), updated_at = now()
WHERE id = $1 AND status = 'PENDING'`

func (q *Queries) CancelPendingStepRecord(ctx context.Context, id pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, cancelPendingStepRecord, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
