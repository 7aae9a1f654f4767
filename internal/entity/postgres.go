package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"thirdcoast.systems/reel/internal/db"
)

type Postgres struct {
	dbc *db.DatabaseConnection
}

func NewPostgres(dbc *db.DatabaseConnection) *Postgres {
	return &Postgres{dbc: dbc}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*Entity, error) {
	row, err := p.dbc.Queries(ctx).GetEntity(ctx, db.UUID(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	return &Entity{
		ID:       db.GoUUID(row.ID),
		Bucket:   row.Bucket,
		Revision: row.Revision,
		Document: row.Document,
	}, nil
}

func (p *Postgres) Patch(ctx context.Context, id uuid.UUID, patch Patch) (*Entity, error) {
	e, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := patch.Apply(e.Document)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	e.Document = doc
	if err := p.Commit(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Postgres) Commit(ctx context.Context, e *Entity) error {
	n, err := p.dbc.Queries(ctx).UpdateEntityDocument(ctx, &db.UpdateEntityDocumentParams{
		ID:       db.UUID(e.ID),
		Document: e.Document,
		Revision: e.Revision,
	})
	if err != nil {
		return fmt.Errorf("commit entity %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("commit entity %s at revision %d: %w", e.ID, e.Revision, ErrStaleRevision)
	}
	e.Revision++
	return nil
}

func (p *Postgres) Reindex(ctx context.Context, id uuid.UUID) error {
	if err := p.dbc.Queries(ctx).NotifyEntityReindex(ctx, id.String()); err != nil {
		return fmt.Errorf("reindex entity %s: %w", id, err)
	}
	return nil
}
