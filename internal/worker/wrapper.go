package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/taskstore"
)

// Advancer moves a run to its next stage once the current one is terminal.
type Advancer interface {
	Advance(ctx context.Context, runID uuid.UUID) error
}

// Wrapper is the pool handler shared by every step kind.
type Wrapper struct {
	rt       *Runtime
	registry *Registry
	chain    Advancer

	background sync.WaitGroup
}

func NewWrapper(rt *Runtime, registry *Registry, chain Advancer) *Wrapper {
	return &Wrapper{rt: rt, registry: registry, chain: chain}
}

// Handle executes one job. Errors from the step body are persisted as
// FAILURE and also returned. A terminated execution runs its cleanup
// callback and leaves the record STARTED.
func (w *Wrapper) Handle(ctx context.Context, job pool.Job) error {
	log := w.rt.logger().With("step_id", job.StepID, "step_kind", job.Kind, "execution_id", job.ExecutionID)

	rec, err := w.rt.Tasks.Get(ctx, job.StepID)
	if err != nil {
		return fmt.Errorf("load step %s: %w", job.StepID, err)
	}
	if job.ExecutionID != uuid.Nil && rec.ExecutionID != uuid.Nil && rec.ExecutionID != job.ExecutionID {
		log.Info("skipping superseded execution", "current_execution_id", rec.ExecutionID)
		return nil
	}

	step, ok := w.registry.Lookup(rec.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
		w.complete(ctx, rec, uuid.Nil, status.Failure, err.Error(), log)
		return err
	}

	rec, err = w.rt.Tasks.MarkStarted(ctx, rec.ID)
	if errors.Is(err, taskstore.ErrInvalidTransition) {
		log.Info("step already finished, skipping", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start step %s: %w", job.StepID, err)
	}

	sc, err := w.rt.NewStepContext(ctx, rec, step, nil)
	if err != nil {
		w.complete(ctx, rec, uuid.Nil, status.Failure, err.Error(), log)
		return err
	}
	log = sc.Logger
	log.Info("step started", "label", Label(rec.Kind))

	stop := context.AfterFunc(ctx, sc.terminated)
	outcome, runErr := step.Run(ctx, sc)
	stop()

	if runErr != nil && ctx.Err() != nil {
		sc.terminated()
		log.Warn("step terminated", "error", runErr, "cause", context.Cause(ctx))
		return runErr
	}
	if runErr != nil {
		log.Error("step failed", "error", runErr)
		w.complete(ctx, rec, sc.EntityID, status.Failure, Stringify(runErr), log)
		return runErr
	}

	st := outcome.status()
	log.Info("step finished", "status", st)
	w.complete(ctx, rec, sc.EntityID, st, Stringify(outcome.Result), log)
	return nil
}

// complete persists the outcome, schedules a reindex and, for terminal
// statuses, asks the chain to advance.
func (w *Wrapper) complete(ctx context.Context, rec *taskstore.Record, entityID uuid.UUID, st status.Status, message string, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := w.rt.Tasks.Finish(ctx, rec.ID, rec.ExecutionID, st, message)
	if errors.Is(err, taskstore.ErrSuperseded) {
		log.Info("dropping status of superseded execution", "status", st)
		return
	}
	if err != nil {
		log.Error("failed to persist step status", "status", st, "error", err)
	}

	if entityID == uuid.Nil {
		if raw, ok := rec.Payload.String("entity_id"); ok {
			entityID, _ = uuid.Parse(raw)
		}
	}
	w.reindex(entityID, log)

	if st.Terminal() && w.chain != nil {
		if err := w.chain.Advance(ctx, rec.RunID); err != nil {
			log.Error("failed to advance run", "run_id", rec.RunID, "error", err)
		}
	}
}

func (w *Wrapper) reindex(id uuid.UUID, log *slog.Logger) {
	if id == uuid.Nil {
		return
	}
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.rt.reindexTimeout())
		defer cancel()
		if err := w.rt.Entities.Reindex(ctx, id); err != nil {
			log.Warn("entity reindex failed", "entity_id", id, "error", err)
		}
	}()
}

// Wait blocks until background reindex calls have returned.
func (w *Wrapper) Wait() {
	w.background.Wait()
}
