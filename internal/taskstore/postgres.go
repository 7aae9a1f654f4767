package taskstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/status"
)

// Postgres implements Store over the pipeline_runs and step_records tables.
type Postgres struct {
	dbc *db.DatabaseConnection
}

func NewPostgres(dbc *db.DatabaseConnection) *Postgres {
	return &Postgres{dbc: dbc}
}

var _ Store = (*Postgres)(nil)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) CreateRun(ctx context.Context, in NewRun) (*Run, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	row, err := p.dbc.Queries(ctx).CreatePipelineRun(ctx, &db.CreatePipelineRunParams{
		ID:            db.UUID(in.ID),
		Name:          in.Name,
		EntityID:      db.UUID(in.EntityID),
		Payload:       in.Payload,
		PredecessorID: db.UUID(in.PredecessorID),
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			err = ErrDuplicate
		}
		return nil, fmt.Errorf("create run %s: %w", in.ID, err)
	}
	return runFromRow(row), nil
}

func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row, err := p.dbc.Queries(ctx).GetPipelineRun(ctx, db.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, notFound(err))
	}
	return runFromRow(row), nil
}

func (p *Postgres) UpdateRunPayload(ctx context.Context, id uuid.UUID, payload Payload) error {
	n, err := p.dbc.Queries(ctx).UpdatePipelineRunPayload(ctx, &db.UpdatePipelineRunPayloadParams{
		ID:      db.UUID(id),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("update run payload %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update run payload %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) SoftDeleteRun(ctx context.Context, id uuid.UUID) error {
	n, err := p.dbc.Queries(ctx).SoftDeletePipelineRun(ctx, db.UUID(id))
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) Assemble(ctx context.Context, runID uuid.UUID, stageCount int, records []NewRecord) ([]*Record, error) {
	var out []*Record
	err := p.dbc.InTx(ctx, func(q *db.Queries) error {
		n, err := q.MarkPipelineRunAssembled(ctx, &db.MarkPipelineRunAssembledParams{
			ID:         db.UUID(runID),
			StageCount: int32(stageCount),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := q.GetPipelineRun(ctx, db.UUID(runID)); err != nil {
				return notFound(err)
			}
			return ErrAlreadyAssembled
		}

		for _, nr := range records {
			nr = normalize(nr)
			row, err := q.InsertStepRecord(ctx, &db.InsertStepRecordParams{
				ID:           db.UUID(nr.ID),
				RunID:        db.UUID(runID),
				Kind:         nr.Kind,
				Stage:        int32(nr.Stage),
				Position:     int32(nr.Position),
				Args:         nr.Args,
				Payload:      nr.Payload,
				Status:       string(nr.Status),
				Message:      nr.Message,
				Predecessors: db.UUIDs(nr.Predecessors),
			})
			if db.IsUniqueViolation(err) {
				err = ErrDuplicate
			}
			if err != nil {
				return fmt.Errorf("insert %s record: %w", nr.Kind, err)
			}
			out = append(out, recordFromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assemble run %s: %w", runID, err)
	}
	return out, nil
}

func (p *Postgres) MarkRunStarted(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := p.dbc.Queries(ctx).MarkPipelineRunStarted(ctx, db.UUID(id))
	if err != nil {
		return false, fmt.Errorf("mark run started %s: %w", id, err)
	}
	return n > 0, nil
}

func (p *Postgres) AdvanceStage(ctx context.Context, runID uuid.UUID, from, to int) (bool, error) {
	n, err := p.dbc.Queries(ctx).AdvancePipelineRunStage(ctx, &db.AdvancePipelineRunStageParams{
		ID:        db.UUID(runID),
		FromStage: int32(from),
		ToStage:   int32(to),
	})
	if err != nil {
		return false, fmt.Errorf("advance run %s: %w", runID, err)
	}
	return n > 0, nil
}

func (p *Postgres) MarkRunFinished(ctx context.Context, id uuid.UUID) error {
	if err := p.dbc.Queries(ctx).MarkPipelineRunFinished(ctx, db.UUID(id)); err != nil {
		return fmt.Errorf("mark run finished %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row, err := p.dbc.Queries(ctx).GetStepRecord(ctx, db.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", id, notFound(err))
	}
	return recordFromRow(row), nil
}

func (p *Postgres) ListByRun(ctx context.Context, runID uuid.UUID) ([]*Record, error) {
	rows, err := p.dbc.Queries(ctx).ListStepRecordsByRun(ctx, db.UUID(runID))
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	return recordsFromRows(rows), nil
}

func (p *Postgres) GetAllByRunAndKind(ctx context.Context, runID uuid.UUID, kind string) ([]*Record, error) {
	rows, err := p.dbc.Queries(ctx).ListStepRecordsByRunAndKind(ctx, &db.ListStepRecordsByRunAndKindParams{
		RunID: db.UUID(runID),
		Kind:  kind,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s steps for run %s: %w", kind, runID, err)
	}
	return recordsFromRows(rows), nil
}

func (p *Postgres) MarkStarted(ctx context.Context, id uuid.UUID) (*Record, error) {
	q := p.dbc.Queries(ctx)
	row, err := q.MarkStepRecordStarted(ctx, db.UUID(id))
	if err == nil {
		return recordFromRow(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark step started %s: %w", id, err)
	}
	existing, err := q.GetStepRecord(ctx, db.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("mark step started %s: %w", id, notFound(err))
	}
	return nil, fmt.Errorf("mark step started %s from %s: %w", id, existing.Status, ErrInvalidTransition)
}

func (p *Postgres) Finish(ctx context.Context, id, executionID uuid.UUID, s status.Status, message string) error {
	if !s.Valid() {
		return fmt.Errorf("finish step %s: %w: %q", id, ErrInvalidTransition, s)
	}
	n, err := p.dbc.Queries(ctx).FinishStepRecord(ctx, &db.FinishStepRecordParams{
		ID:          db.UUID(id),
		Status:      string(s),
		Message:     message,
		ExecutionID: db.UUID(executionID),
	})
	if err != nil {
		return fmt.Errorf("finish step %s: %w", id, err)
	}
	if n == 0 {
		if _, err := p.dbc.Queries(ctx).GetStepRecord(ctx, db.UUID(id)); err != nil {
			return fmt.Errorf("finish step %s: %w", id, notFound(err))
		}
		return fmt.Errorf("finish step %s: %w", id, ErrSuperseded)
	}
	return nil
}

func (p *Postgres) Reset(ctx context.Context, id uuid.UUID, payload Payload, executionID uuid.UUID) (*Record, error) {
	row, err := p.dbc.Queries(ctx).ResetStepRecord(ctx, &db.ResetStepRecordParams{
		ID:          db.UUID(id),
		Payload:     payload,
		ExecutionID: db.UUID(executionID),
	})
	if err != nil {
		return nil, fmt.Errorf("reset step %s: %w", id, notFound(err))
	}
	return recordFromRow(row), nil
}

func (p *Postgres) SetExecution(ctx context.Context, id uuid.UUID, executionID uuid.UUID) error {
	n, err := p.dbc.Queries(ctx).SetStepRecordExecution(ctx, &db.SetStepRecordExecutionParams{
		ID:          db.UUID(id),
		ExecutionID: db.UUID(executionID),
	})
	if err != nil {
		return fmt.Errorf("set execution %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := p.dbc.Queries(ctx).CancelPendingStepRecord(ctx, db.UUID(id))
	if err != nil {
		return false, fmt.Errorf("cancel step %s: %w", id, err)
	}
	return n > 0, nil
}

func normalize(nr NewRecord) NewRecord {
	if nr.ID == uuid.Nil {
		nr.ID = uuid.New()
	}
	if nr.Status == "" {
		nr.Status = status.Pending
	}
	if nr.Args == nil {
		nr.Args = Payload{}
	}
	if nr.Payload == nil {
		nr.Payload = Payload{}
	}
	return nr
}

func runFromRow(row *db.PipelineRun) *Run {
	return &Run{
		ID:            db.GoUUID(row.ID),
		Name:          row.Name,
		EntityID:      db.GoUUID(row.EntityID),
		Payload:       row.Payload,
		PredecessorID: db.GoUUID(row.PredecessorID),
		CurrentStage:  int(row.CurrentStage),
		StageCount:    int(row.StageCount),
		AssembledAt:   db.NilTimePtr(row.AssembledAt),
		StartedAt:     db.NilTimePtr(row.StartedAt),
		FinishedAt:    db.NilTimePtr(row.FinishedAt),
		CreatedAt:     row.CreatedAt.Time,
		UpdatedAt:     row.UpdatedAt.Time,
	}
}

func recordFromRow(row *db.StepRecord) *Record {
	return &Record{
		ID:           db.GoUUID(row.ID),
		RunID:        db.GoUUID(row.RunID),
		Kind:         row.Kind,
		Stage:        int(row.Stage),
		Position:     int(row.Position),
		Args:         row.Args,
		Payload:      row.Payload,
		Status:       status.Status(row.Status),
		Message:      row.Message,
		Predecessors: db.GoUUIDs(row.Predecessors),
		ExecutionID:  db.GoUUID(row.ExecutionID),
		StartedAt:    db.NilTimePtr(row.StartedAt),
		FinishedAt:   db.NilTimePtr(row.FinishedAt),
		CreatedAt:    row.CreatedAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
	}
}

func recordsFromRows(rows []*db.StepRecord) []*Record {
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromRow(row))
	}
	return out
}
