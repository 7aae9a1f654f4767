// Package taskstore persists pipeline runs and the per-step execution
// records that belong to them.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/status"
)

var (
	ErrNotFound          = errors.New("taskstore: not found")
	ErrAlreadyAssembled  = errors.New("taskstore: run already assembled")
	ErrInvalidTransition = errors.New("taskstore: invalid status transition")
	ErrDuplicate         = errors.New("taskstore: duplicate id")
	ErrSuperseded        = errors.New("taskstore: execution superseded")
)

// Payload is the JSON object carried by runs and step records.
type Payload = db.Payload

// Run is one execution of a pipeline definition for one owning entity.
type Run struct {
	ID            uuid.UUID
	Name          string
	EntityID      uuid.UUID
	Payload       Payload
	PredecessorID uuid.UUID
	CurrentStage  int
	StageCount    int
	AssembledAt   *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *Run) Assembled() bool { return r.AssembledAt != nil }
func (r *Run) Started() bool   { return r.StartedAt != nil }

// Record is the persisted state of one step execution within a run.
type Record struct {
	ID           uuid.UUID
	RunID        uuid.UUID
	Kind         string
	Stage        int
	Position     int
	Args         Payload
	Payload      Payload
	Status       status.Status
	Message      string
	Predecessors []uuid.UUID
	ExecutionID  uuid.UUID
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NewRun struct {
	ID            uuid.UUID
	Name          string
	EntityID      uuid.UUID
	Payload       Payload
	PredecessorID uuid.UUID
}

// NewRecord describes a record to insert. A zero ID is replaced with a fresh
// one; a zero Status means PENDING.
type NewRecord struct {
	ID           uuid.UUID
	Kind         string
	Stage        int
	Position     int
	Args         Payload
	Payload      Payload
	Status       status.Status
	Message      string
	Predecessors []uuid.UUID
}

type Store interface {
	CreateRun(ctx context.Context, in NewRun) (*Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	UpdateRunPayload(ctx context.Context, id uuid.UUID, payload Payload) error
	SoftDeleteRun(ctx context.Context, id uuid.UUID) error

	// Assemble inserts every record of a run and marks it assembled in one
	// transaction. A second call returns ErrAlreadyAssembled and inserts nothing.
	Assemble(ctx context.Context, runID uuid.UUID, stageCount int, records []NewRecord) ([]*Record, error)
	MarkRunStarted(ctx context.Context, id uuid.UUID) (bool, error)
	// AdvanceStage moves the run's stage cursor only if it still equals from.
	AdvanceStage(ctx context.Context, runID uuid.UUID, from, to int) (bool, error)
	MarkRunFinished(ctx context.Context, id uuid.UUID) error

	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*Record, error)
	// GetAllByRunAndKind returns records of one kind in insertion order.
	GetAllByRunAndKind(ctx context.Context, runID uuid.UUID, kind string) ([]*Record, error)

	// MarkStarted moves a PENDING or STARTED record to STARTED. Terminal
	// records return ErrInvalidTransition.
	MarkStarted(ctx context.Context, id uuid.UUID) (*Record, error)
	// Finish sets the record's status and message. A non-nil executionID
	// must match the record's current execution or ErrSuperseded is
	// returned and nothing changes.
	Finish(ctx context.Context, id, executionID uuid.UUID, s status.Status, message string) error
	// Reset returns a record to PENDING with a new payload and execution id.
	Reset(ctx context.Context, id uuid.UUID, payload Payload, executionID uuid.UUID) (*Record, error)
	SetExecution(ctx context.Context, id uuid.UUID, executionID uuid.UUID) error
	// CancelPending marks a record CANCELED only while it is still PENDING.
	CancelPending(ctx context.Context, id uuid.UUID) (bool, error)
}

// Stages groups records by stage index, preserving position order.
func Stages(records []*Record) [][]*Record {
	var out [][]*Record
	for _, r := range records {
		for len(out) <= r.Stage {
			out = append(out, nil)
		}
		out[r.Stage] = append(out[r.Stage], r)
	}
	return out
}

// Statuses lists the status of every record.
func Statuses(records []*Record) []status.Status {
	out := make([]status.Status, 0, len(records))
	for _, r := range records {
		out = append(out, r.Status)
	}
	return out
}
