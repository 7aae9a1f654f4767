package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const EntityReindexChannel = "entity_reindex"

const entityColumns = `id, bucket, revision, document, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var i Entity
	err := row.Scan(
		&i.ID,
		&i.Bucket,
		&i.Revision,
		&i.Document,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

const insertEntity = `-- name: InsertEntity :one
INSERT INTO entities (id, bucket, document)
VALUES ($1, $2, $3)
RETURNING ` + entityColumns

type InsertEntityParams struct {
	ID       pgtype.UUID
	Bucket   string
	Document Payload
}

func (q *Queries) InsertEntity(ctx context.Context, arg *InsertEntityParams) (*Entity, error) {
	row := q.db.QueryRow(ctx, insertEntity, arg.ID, arg.Bucket, arg.Document)
	return scanEntity(row)
}

const getEntity = `-- name: GetEntity :one
SELECT ` + entityColumns + `
FROM entities
WHERE id = $1`

func (q *Queries) GetEntity(ctx context.Context, id pgtype.UUID) (*Entity, error) {
	row := q.db.QueryRow(ctx, getEntity, id)
	return scanEntity(row)
}

const updateEntityDocument = `-- name: UpdateEntityDocument :execrows
UPDATE entities
SET document = $2, revision = revision + 1, updated_at = now()
WHERE id = $1 AND revision = $3`

type UpdateEntityDocumentParams struct {
	ID       pgtype.UUID
	Document Payload
	Revision int64
}

func (q *Queries) UpdateEntityDocument(ctx context.Context, arg *UpdateEntityDocumentParams) (int64, error) {
	result, err := q.db.Exec(ctx, updateEntityDocument, arg.ID, arg.Document, arg.Revision)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const notifyEntityReindex = `-- name: NotifyEntityReindex :exec
SELECT pg_notify('entity_reindex', $1::text)`

func (q *Queries) NotifyEntityReindex(ctx context.Context, entityID string) error {
	_, err := q.db.Exec(ctx, notifyEntityReindex, entityID)
	return err
}
