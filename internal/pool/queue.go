package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/reel/internal/db"
)

type QueueOptions struct {
	WorkerID          string
	Workers           int
	HeartbeatInterval time.Duration
	// Running jobs whose heartbeat is older than this are requeued.
	HeartbeatTimeout time.Duration
	PollInterval     time.Duration
}

// Queue is a Pool over the step_jobs table. Workers claim jobs with
// SKIP LOCKED and wake on LISTEN/NOTIFY; a job whose worker stops
// heartbeating is requeued, so delivery is at least once.
type Queue struct {
	dbc  *db.DatabaseConnection
	dsn  string
	opts QueueOptions

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc
}

var _ Pool = (*Queue)(nil)

func NewQueue(dbc *db.DatabaseConnection, dsn string, opts QueueOptions) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 8 * opts.HeartbeatInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Queue{
		dbc:     dbc,
		dsn:     dsn,
		opts:    opts,
		running: map[uuid.UUID]context.CancelCauseFunc{},
	}
}

func (q *Queue) Submit(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	err := q.dbc.InTx(ctx, func(tx *db.Queries) error {
		for _, j := range jobs {
			if err := tx.EnqueueStepJob(ctx, &db.EnqueueStepJobParams{
				StepID:      db.UUID(j.StepID),
				ExecutionID: db.UUID(j.ExecutionID),
				RunID:       db.UUID(j.RunID),
				Kind:        j.Kind,
			}); err != nil {
				return fmt.Errorf("enqueue %s step %s: %w", j.Kind, j.StepID, err)
			}
		}
		return tx.NotifyStepJobs(ctx)
	})
	if err != nil {
		return fmt.Errorf("submit jobs: %w", err)
	}
	return nil
}

func (q *Queue) Revoke(ctx context.Context, stepID uuid.UUID) error {
	err := q.dbc.InTx(ctx, func(tx *db.Queries) error {
		n, err := tx.RevokeStepJob(ctx, db.UUID(stepID))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return tx.NotifyStepRevocation(ctx, stepID.String())
	})
	if err != nil {
		return fmt.Errorf("revoke step %s: %w", stepID, err)
	}
	return nil
}

// Run recovers stale jobs, then serves the queue until ctx ends.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	q.recover(ctx)

	wake := make(chan struct{}, 1)
	go db.Listen(ctx, q.dsn, db.StepJobsChannel, db.Signal(wake))
	go db.Listen(ctx, q.dsn, db.StepRevocationsChannel, q.onRevocation)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(q.opts.HeartbeatTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				q.recover(gctx)
			}
		}
	})

	slog.Info("step workers started", "workers", q.opts.Workers, "worker_id", q.opts.WorkerID)
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			q.work(gctx, handler, wake)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) recover(ctx context.Context) {
	staleBefore := db.Timestamptz(time.Now().Add(-q.opts.HeartbeatTimeout))
	n, err := q.dbc.Queries(ctx).RecoverStaleStepJobs(ctx, staleBefore)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to recover stale step jobs", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Warn("requeued stale step jobs", "count", n)
		_ = q.dbc.Queries(ctx).NotifyStepJobs(ctx)
	}
}

func (q *Queue) onRevocation(payload string) {
	stepID, err := uuid.Parse(payload)
	if err != nil {
		slog.Warn("ignoring malformed revocation", "payload", payload)
		return
	}
	q.mu.Lock()
	cancel, ok := q.running[stepID]
	q.mu.Unlock()
	if ok {
		slog.Info("terminating revoked step", "step_id", stepID)
		cancel(ErrRevoked)
	}
}

func (q *Queue) work(ctx context.Context, handler Handler, wake <-chan struct{}) {
	var workerID *string
	if q.opts.WorkerID != "" {
		workerID = &q.opts.WorkerID
	}

	for {
		if ctx.Err() != nil {
			return
		}

		for {
			row, err := q.dbc.Queries(ctx).DequeueStepJob(ctx, workerID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) || ctx.Err() != nil {
					break
				}
				slog.Error("failed to dequeue step job", "error", err)
				sleep(ctx, 2*time.Second)
				break
			}
			q.execute(ctx, handler, Job{
				StepID:      db.GoUUID(row.StepID),
				ExecutionID: db.GoUUID(row.ExecutionID),
				RunID:       db.GoUUID(row.RunID),
				Kind:        row.Kind,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Queue) execute(ctx context.Context, handler Handler, job Job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	q.mu.Lock()
	q.running[job.StepID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, job.StepID)
		q.mu.Unlock()
	}()

	done := make(chan struct{})
	go q.heartbeat(jobCtx, job, cancel, done)

	log := slog.With("step_id", job.StepID, "step_kind", job.Kind, "execution_id", job.ExecutionID)
	log.Info("step job claimed")
	err := handler(jobCtx, job)
	close(done)

	var lastError *string
	if err != nil {
		msg := err.Error()
		lastError = &msg
		log.Warn("step job failed", "error", err, "cause", context.Cause(jobCtx))
	}
	if ctx.Err() != nil {
		// Shutting down: leave the row running so recovery requeues it.
		return
	}
	if err := q.dbc.Queries(ctx).MarkStepJobDone(ctx, &db.MarkStepJobDoneParams{
		StepID:      db.UUID(job.StepID),
		ExecutionID: db.UUID(job.ExecutionID),
		LastError:   lastError,
	}); err != nil {
		log.Error("failed to mark step job done", "error", err)
	}
}

// heartbeat keeps the claim alive. When the row no longer belongs to this
// execution (revoked or superseded) the job context is canceled.
func (q *Queue) heartbeat(ctx context.Context, job Job, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(q.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			n, err := q.dbc.Queries(ctx).HeartbeatStepJob(ctx, &db.HeartbeatStepJobParams{
				StepID:      db.UUID(job.StepID),
				ExecutionID: db.UUID(job.ExecutionID),
			})
			if err != nil {
				slog.Warn("step job heartbeat failed", "step_id", job.StepID, "error", err)
				continue
			}
			if n == 0 {
				cancel(ErrRevoked)
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
