package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/taskstore"
	"thirdcoast.systems/reel/internal/worker"
)

// Controller acts on single step records: restart, undo and external
// resolution.
type Controller struct {
	d *Dispatcher
}

func NewController(d *Dispatcher) *Controller {
	return &Controller{d: d}
}

// Restart resets stepID to PENDING with its stored payload re-merged with
// the run's current payload and the record's args, then resubmits it under
// the same id. It returns the new execution id. At most one live execution
// per step is assumed; an older one still running is superseded, not
// stopped.
func (c *Controller) Restart(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	tasks := c.d.rt.Tasks
	rec, err := tasks.Get(ctx, stepID)
	if err != nil {
		return uuid.Nil, err
	}
	run, err := tasks.GetRun(ctx, rec.RunID)
	if err != nil {
		return uuid.Nil, err
	}
	routing, err := c.d.routing(ctx, run)
	if err != nil {
		return uuid.Nil, err
	}

	payload := rec.Payload.Merge(recordPayload(run, routing, rec.Args))
	exec := uuid.New()
	if _, err := tasks.Reset(ctx, rec.ID, payload, exec); err != nil {
		return uuid.Nil, err
	}
	job := pool.Job{StepID: rec.ID, ExecutionID: exec, RunID: rec.RunID, Kind: rec.Kind}
	if err := c.d.pool.Submit(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("resubmit step %s: %w", rec.ID, err)
	}
	c.d.logger().Info("step restarted", "step_id", rec.ID, "step_kind", rec.Kind, "execution_id", exec)
	return exec, nil
}

// Clean runs the undo of stepID's step against its stored payload. It is
// safe to call repeatedly.
func (c *Controller) Clean(ctx context.Context, stepID uuid.UUID) error {
	rec, err := c.d.rt.Tasks.Get(ctx, stepID)
	if err != nil {
		return err
	}
	step, ok := c.d.registry.Lookup(rec.Kind)
	if !ok {
		return fmt.Errorf("clean step %s: %w: %q", stepID, worker.ErrUnknownKind, rec.Kind)
	}
	sc, err := c.d.rt.NewStepContext(ctx, rec, step, nil)
	if err != nil {
		return err
	}
	if err := step.Clean(ctx, sc); err != nil {
		return fmt.Errorf("clean step %s: %w", stepID, err)
	}
	sc.Logger.Info("step cleaned")
	return nil
}

// Resolve moves a STARTED record to a terminal status on behalf of an
// external collaborator, such as the transcode completion poller, and
// advances its run.
func (c *Controller) Resolve(ctx context.Context, stepID uuid.UUID, st status.Status, message string) error {
	if !st.Terminal() {
		return fmt.Errorf("resolve step %s: %w: %s is not terminal", stepID, taskstore.ErrInvalidTransition, st)
	}
	tasks := c.d.rt.Tasks
	rec, err := tasks.Get(ctx, stepID)
	if err != nil {
		return err
	}
	if rec.Status != status.Started {
		return fmt.Errorf("resolve step %s from %s: %w", stepID, rec.Status, taskstore.ErrInvalidTransition)
	}
	if err := tasks.Finish(ctx, stepID, rec.ExecutionID, st, message); err != nil {
		return err
	}
	c.d.logger().Info("step resolved", "step_id", stepID, "status", st)
	return c.d.Advance(ctx, rec.RunID)
}
