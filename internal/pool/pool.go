// Package pool runs step executions on workers. Queue distributes them
// through Postgres; Local keeps them in process.
package pool

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRevoked is the cancellation cause seen by a revoked execution.
var ErrRevoked = errors.New("pool: execution revoked")

// Job is one execution of one step record.
type Job struct {
	StepID      uuid.UUID
	ExecutionID uuid.UUID
	RunID       uuid.UUID
	Kind        string
}

// Handler executes a job. A returned error is recorded by the pool but
// never retried by it.
type Handler func(ctx context.Context, job Job) error

type Pool interface {
	Submit(ctx context.Context, jobs ...Job) error
	// Revoke drops a queued execution of stepID and terminates a running one.
	Revoke(ctx context.Context, stepID uuid.UUID) error
}
