package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/taskstore"
	"thirdcoast.systems/reel/internal/worker"
)

var (
	ErrAlreadyAssembled = taskstore.ErrAlreadyAssembled
	ErrAlreadyStarted   = errors.New("flow: run already started")
)

// Dispatcher turns runs into step records and feeds them to the pool one
// stage at a time.
type Dispatcher struct {
	rt       *worker.Runtime
	registry *worker.Registry
	pool     pool.Pool
	defs     *Definitions
}

var _ worker.Advancer = (*Dispatcher)(nil)

func NewDispatcher(rt *worker.Runtime, registry *worker.Registry, p pool.Pool, defs *Definitions) *Dispatcher {
	if defs == nil {
		defs = DefaultDefinitions()
	}
	return &Dispatcher{rt: rt, registry: registry, pool: p, defs: defs}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.rt.Logger != nil {
		return d.rt.Logger
	}
	return slog.Default()
}

// Create stores a new, unassembled run of kind for the owning entity.
func (d *Dispatcher) Create(ctx context.Context, kind string, entityID uuid.UUID, payload taskstore.Payload) (*taskstore.Run, error) {
	if _, ok := d.defs.Lookup(kind); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, kind)
	}
	if _, err := d.rt.Entities.Get(ctx, entityID); err != nil {
		return nil, fmt.Errorf("create %s run: %w", kind, err)
	}
	run, err := d.rt.Tasks.CreateRun(ctx, taskstore.NewRun{
		Name:     kind,
		EntityID: entityID,
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}
	d.logger().Info("run created", "run_id", run.ID, "pipeline", kind, "entity_id", entityID)
	return run, nil
}

// Rerun creates a fresh run with the same kind, entity and payload, linked
// to runID as its predecessor.
func (d *Dispatcher) Rerun(ctx context.Context, runID uuid.UUID) (*taskstore.Run, error) {
	prev, err := d.rt.Tasks.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err := d.rt.Tasks.CreateRun(ctx, taskstore.NewRun{
		Name:          prev.Name,
		EntityID:      prev.EntityID,
		Payload:       prev.Payload,
		PredecessorID: prev.ID,
	})
	if err != nil {
		return nil, err
	}
	d.logger().Info("run re-created", "run_id", run.ID, "predecessor_id", prev.ID)
	return run, nil
}

// UpdatePayload applies patch to the shared payload of runID as a JSON merge
// patch: null removes a key, objects merge recursively. Records already
// assembled keep their payload until restarted.
func (d *Dispatcher) UpdatePayload(ctx context.Context, runID uuid.UUID, patch taskstore.Payload) (*taskstore.Run, error) {
	run, err := d.rt.Tasks.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	src, err := json.Marshal(map[string]any(run.Payload.Merge()))
	if err != nil {
		return nil, fmt.Errorf("encode run payload: %w", err)
	}
	raw, err := json.Marshal(map[string]any(patch))
	if err != nil {
		return nil, fmt.Errorf("encode payload patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(src, raw)
	if err != nil {
		return nil, fmt.Errorf("merge run payload: %w", err)
	}
	var next taskstore.Payload
	if err := next.Scan(merged); err != nil {
		return nil, err
	}
	if err := d.rt.Tasks.UpdateRunPayload(ctx, runID, next); err != nil {
		return nil, err
	}
	run.Payload = next
	d.logger().Info("run payload updated", "run_id", runID, "keys", len(patch))
	return run, nil
}

// Delete stops runID and hides it from lookups. Its records stay in the
// store for audit.
func (d *Dispatcher) Delete(ctx context.Context, runID uuid.UUID) error {
	if _, err := d.Stop(ctx, runID); err != nil {
		return err
	}
	if err := d.rt.Tasks.SoftDeleteRun(ctx, runID); err != nil {
		return err
	}
	d.logger().Info("run deleted", "run_id", runID)
	return nil
}

// routing holds the keys every record payload of run carries so a worker
// can resolve its entity and target without the run.
func (d *Dispatcher) routing(ctx context.Context, run *taskstore.Run) (taskstore.Payload, error) {
	p := taskstore.Payload{
		"entity_id": run.EntityID.String(),
		"run_id":    run.ID.String(),
	}
	if b, _ := run.Payload.String("bucket"); b == "" {
		e, err := d.rt.Entities.Get(ctx, run.EntityID)
		if err != nil {
			return nil, fmt.Errorf("resolve entity of run %s: %w", run.ID, err)
		}
		p["bucket"] = e.Bucket
	}
	return p, nil
}

// recordPayload is the stored payload of a record: the run payload, the
// routing keys and the record's args, later layers winning.
func recordPayload(run *taskstore.Run, routing, args taskstore.Payload) taskstore.Payload {
	return run.Payload.Merge(routing, args)
}

// Assemble builds the stage list of runID and persists one record per step.
// Steps with a record factory may expand to several records; a stage that
// expands to nothing is dropped. A second call fails with
// ErrAlreadyAssembled and creates nothing.
func (d *Dispatcher) Assemble(ctx context.Context, runID uuid.UUID) ([]*taskstore.Record, error) {
	run, err := d.rt.Tasks.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Assembled() {
		return nil, fmt.Errorf("assemble run %s: %w", runID, ErrAlreadyAssembled)
	}
	build, ok := d.defs.Lookup(run.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, run.Name)
	}

	b := &Builder{}
	if err := build(b, run); err != nil {
		return nil, fmt.Errorf("build run %s: %w", runID, err)
	}
	stages, err := b.Stages()
	if err != nil {
		return nil, fmt.Errorf("build run %s: %w", runID, err)
	}
	routing, err := d.routing(ctx, run)
	if err != nil {
		return nil, err
	}

	var (
		records []taskstore.NewRecord
		prev    []uuid.UUID
		stage   int
	)
	for _, specs := range stages {
		var ids []uuid.UUID
		position := 0
		for _, spec := range specs {
			expanded, err := d.registry.StepRecords(ctx, worker.RecordSpec{
				Kind:    spec.Kind,
				Args:    spec.Args,
				Payload: recordPayload(run, routing, spec.Args),
			})
			if err != nil {
				return nil, fmt.Errorf("assemble run %s: %w", runID, err)
			}
			for _, rs := range expanded {
				id := uuid.New()
				records = append(records, taskstore.NewRecord{
					ID:           id,
					Kind:         rs.Kind,
					Stage:        stage,
					Position:     position,
					Args:         rs.Args,
					Payload:      recordPayload(run, routing, rs.Args),
					Status:       rs.Status,
					Message:      rs.Message,
					Predecessors: prev,
				})
				ids = append(ids, id)
				position++
			}
		}
		if len(ids) == 0 {
			continue
		}
		prev = ids
		stage++
	}
	if stage == 0 {
		return nil, fmt.Errorf("assemble run %s: %w", runID, ErrEmptyPipeline)
	}

	created, err := d.rt.Tasks.Assemble(ctx, runID, stage, records)
	if err != nil {
		return nil, err
	}
	d.logger().Info("run assembled", "run_id", runID, "stages", stage, "steps", len(created))
	return created, nil
}

// Start assembles runID if needed and submits its first stage. It returns
// once the jobs are queued. Starting a started run fails with
// ErrAlreadyStarted.
func (d *Dispatcher) Start(ctx context.Context, runID uuid.UUID) error {
	run, err := d.rt.Tasks.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Started() {
		return fmt.Errorf("start run %s: %w", runID, ErrAlreadyStarted)
	}
	if !run.Assembled() {
		if _, err := d.Assemble(ctx, runID); err != nil && !errors.Is(err, ErrAlreadyAssembled) {
			return err
		}
		if run, err = d.rt.Tasks.GetRun(ctx, runID); err != nil {
			return err
		}
	}

	started, err := d.rt.Tasks.MarkRunStarted(ctx, runID)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("start run %s: %w", runID, ErrAlreadyStarted)
	}
	d.logger().Info("run started", "run_id", runID, "pipeline", run.Name)

	done, err := d.enter(ctx, run, run.CurrentStage)
	if err != nil {
		return err
	}
	if done {
		return d.Advance(ctx, runID)
	}
	return nil
}

// enter submits the PENDING records of stage and reports whether every
// record of the stage is already terminal.
func (d *Dispatcher) enter(ctx context.Context, run *taskstore.Run, stage int) (bool, error) {
	recs, err := d.stage(ctx, run.ID, stage)
	if err != nil {
		return false, err
	}
	var jobs []pool.Job
	done := true
	for _, r := range recs {
		if !r.Status.Terminal() {
			done = false
		}
		if r.Status != status.Pending {
			continue
		}
		exec := uuid.New()
		if err := d.rt.Tasks.SetExecution(ctx, r.ID, exec); err != nil {
			return false, err
		}
		jobs = append(jobs, pool.Job{StepID: r.ID, ExecutionID: exec, RunID: run.ID, Kind: r.Kind})
	}
	if len(jobs) == 0 {
		return done, nil
	}
	if err := d.pool.Submit(ctx, jobs...); err != nil {
		return false, fmt.Errorf("submit stage %d of run %s: %w", stage, run.ID, err)
	}
	d.logger().Info("stage submitted", "run_id", run.ID, "stage", stage, "jobs", len(jobs))
	return false, nil
}

func (d *Dispatcher) stage(ctx context.Context, runID uuid.UUID, stage int) ([]*taskstore.Record, error) {
	all, err := d.rt.Tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []*taskstore.Record
	for _, r := range all {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out, nil
}

// Advance moves runID past its current stage once every member is terminal
// and submits the next stage. Stages that hold nothing to run are skipped.
// Finishing the last stage marks the run finished. Concurrent callers race
// on a compare-and-swap of the stage index, so each stage is submitted once.
func (d *Dispatcher) Advance(ctx context.Context, runID uuid.UUID) error {
	run, err := d.rt.Tasks.GetRun(ctx, runID)
	if errors.Is(err, taskstore.ErrNotFound) {
		// Deleted while a step was still running.
		d.logger().Debug("advance of missing run ignored", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}
	if !run.Started() || run.FinishedAt != nil {
		return nil
	}

	cur := run.CurrentStage
	for {
		recs, err := d.stage(ctx, runID, cur)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if !r.Status.Terminal() {
				return nil
			}
		}

		next := cur + 1
		moved, err := d.rt.Tasks.AdvanceStage(ctx, runID, cur, next)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		if next >= run.StageCount {
			if err := d.rt.Tasks.MarkRunFinished(ctx, runID); err != nil {
				return err
			}
			d.logger().Info("run finished", "run_id", runID)
			return nil
		}

		done, err := d.enter(ctx, run, next)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		cur = next
	}
}

// Stop cancels every record of runID that is still PENDING and revokes its
// queued execution. STARTED and terminal records are left alone.
func (d *Dispatcher) Stop(ctx context.Context, runID uuid.UUID) (int, error) {
	recs, err := d.rt.Tasks.ListByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	canceled := 0
	for _, r := range recs {
		if r.Status != status.Pending {
			continue
		}
		if err := d.pool.Revoke(ctx, r.ID); err != nil {
			return canceled, fmt.Errorf("revoke step %s: %w", r.ID, err)
		}
		ok, err := d.rt.Tasks.CancelPending(ctx, r.ID)
		if err != nil {
			return canceled, err
		}
		if ok {
			canceled++
		}
	}
	d.logger().Info("run stopped", "run_id", runID, "canceled", canceled)
	return canceled, d.Advance(ctx, runID)
}

// StageStatus is the folded status of one stage.
type StageStatus struct {
	Index  int
	Status status.Status
	Steps  []*taskstore.Record
}

type RunStatus struct {
	Run    *taskstore.Run
	Status status.Status
	Stages []StageStatus
}

// Status folds every record of runID into a run status and per-stage
// statuses.
func (d *Dispatcher) Status(ctx context.Context, runID uuid.UUID) (*RunStatus, error) {
	run, err := d.rt.Tasks.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	recs, err := d.rt.Tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &RunStatus{
		Run:    run,
		Status: status.Compute(taskstore.Statuses(recs)),
	}
	for i, members := range taskstore.Stages(recs) {
		out.Stages = append(out.Stages, StageStatus{
			Index:  i,
			Status: status.Compute(taskstore.Statuses(members)),
			Steps:  members,
		})
	}
	return out, nil
}
