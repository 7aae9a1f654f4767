package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const pipelineRunColumns = `id, name, entity_id, payload, predecessor_id, current_stage, stage_count,
       assembled_at, started_at, finished_at, deleted_at, created_at, updated_at`

func scanPipelineRun(row interface{ Scan(...any) error }) (*PipelineRun, error) {
	var i PipelineRun
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.EntityID,
		&i.Payload,
		&i.PredecessorID,
		&i.CurrentStage,
		&i.StageCount,
		&i.AssembledAt,
		&i.StartedAt,
		&i.FinishedAt,
		&i.DeletedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

const createPipelineRun = `-- name: CreatePipelineRun :one
INSERT INTO pipeline_runs (id, name, entity_id, payload, predecessor_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + pipelineRunColumns

type CreatePipelineRunParams struct {
	ID            pgtype.UUID
	Name          string
	EntityID      pgtype.UUID
	Payload       Payload
	PredecessorID pgtype.UUID
}

func (q *Queries) CreatePipelineRun(ctx context.Context, arg *CreatePipelineRunParams) (*PipelineRun, error) {
	row := q.db.QueryRow(ctx, createPipelineRun,
		arg.ID,
		arg.Name,
		arg.EntityID,
		arg.Payload,
		arg.PredecessorID,
	)
	return scanPipelineRun(row)
}

const getPipelineRun = `-- name: GetPipelineRun :one
SELECT ` + pipelineRunColumns + `
FROM pipeline_runs
WHERE id = $1 AND deleted_at IS NULL`

func (q *Queries) GetPipelineRun(ctx context.Context, id pgtype.UUID) (*PipelineRun, error) {
	row := q.db.QueryRow(ctx, getPipelineRun, id)
	return scanPipelineRun(row)
}

const updatePipelineRunPayload = `-- name: UpdatePipelineRunPayload :execrows
UPDATE pipeline_runs
SET payload = $2, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL`

type UpdatePipelineRunPayloadParams struct {
	ID      pgtype.UUID
	Payload Payload
}

func (q *Queries) UpdatePipelineRunPayload(ctx context.Context, arg *UpdatePipelineRunPayloadParams) (int64, error) {
	result, err := q.db.Exec(ctx, updatePipelineRunPayload, arg.ID, arg.Payload)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markPipelineRunAssembled = `-- name: MarkPipelineRunAssembled :execrows
UPDATE pipeline_runs
SET assembled_at = now(), stage_count = $2, updated_at = now()
WHERE id = $1 AND assembled_at IS NULL AND deleted_at IS NULL`

type MarkPipelineRunAssembledParams struct {
	ID         pgtype.UUID
	StageCount int32
}

func (q *Queries) MarkPipelineRunAssembled(ctx context.Context, arg *MarkPipelineRunAssembledParams) (int64, error) {
	result, err := q.db.Exec(ctx, markPipelineRunAssembled, arg.ID, arg.StageCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markPipelineRunStarted = `-- name: MarkPipelineRunStarted :execrows
UPDATE pipeline_runs
SET started_at = now(), updated_at = now()
WHERE id = $1 AND started_at IS NULL AND deleted_at IS NULL`

func (q *Queries) MarkPipelineRunStarted(ctx context.Context, id pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, markPipelineRunStarted, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const advancePipelineRunStage = `-- name: AdvancePipelineRunStage :execrows
UPDATE pipeline_runs
SET current_stage = $3, updated_at = now()
WHERE id = $1 AND current_stage = $2`

type AdvancePipelineRunStageParams struct {
	ID        pgtype.UUID
	FromStage int32
	ToStage   int32
}

func (q *Queries) AdvancePipelineRunStage(ctx context.Context, arg *AdvancePipelineRunStageParams) (int64, error) {
	result, err := q.db.Exec(ctx, advancePipelineRunStage, arg.ID, arg.FromStage, arg.ToStage)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markPipelineRunFinished = `-- name: MarkPipelineRunFinished :exec
UPDATE pipeline_runs
SET finished_at = now(), updated_at = now()
WHERE id = $1 AND finished_at IS NULL`

func (q *Queries) MarkPipelineRunFinished(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, markPipelineRunFinished, id)
	return err
}

const softDeletePipelineRun = `-- name: SoftDeletePipelineRun :execrows
UPDATE pipeline_runs
SET deleted_at = now(), updated_at = now()
WHERE id = $1 AND deleted_at IS NULL`

func (q *Queries) SoftDeletePipelineRun(ctx context.Context, id pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, softDeletePipelineRun, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
