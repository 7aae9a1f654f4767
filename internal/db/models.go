package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Entity struct {
	ID        pgtype.UUID
	Bucket    string
	Revision  int64
	Document  Payload
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

type PipelineRun struct {
	ID            pgtype.UUID
	Name          string
	EntityID      pgtype.UUID
	Payload       Payload
	PredecessorID pgtype.UUID
	CurrentStage  int32
	StageCount    int32
	AssembledAt   pgtype.Timestamptz
	StartedAt     pgtype.Timestamptz
	FinishedAt    pgtype.Timestamptz
	DeletedAt     pgtype.Timestamptz
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

type StepRecord struct {
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
	ExecutionID  pgtype.UUID
	StartedAt    pgtype.Timestamptz
	FinishedAt   pgtype.Timestamptz
	CreatedAt    pgtype.Timestamptz
	UpdatedAt    pgtype.Timestamptz
}

type StepJob struct {
	StepID      pgtype.UUID
	ExecutionID pgtype.UUID
	RunID       pgtype.UUID
	Kind        string
	State       string
	WorkerID    *string
	Attempts    int32
	LastError   *string
	HeartbeatAt pgtype.Timestamptz
	EnqueuedAt  pgtype.Timestamptz
	UpdatedAt   pgtype.Timestamptz
}
