package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Local is an in-process Pool backed by a goroutine per worker.
type Local struct {
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []Job
	running map[uuid.UUID]map[uuid.UUID]context.CancelCauseFunc // step id -> execution id
	revoked map[uuid.UUID]bool // execution ids dropped before they ran
	pending int
	wake    chan struct{}
}

var _ Pool = (*Local)(nil)

func NewLocal(workers int, logger *slog.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		workers: workers,
		logger:  logger,
		running: map[uuid.UUID]map[uuid.UUID]context.CancelCauseFunc{},
		revoked: map[uuid.UUID]bool{},
		wake:    make(chan struct{}, 1),
	}
}

func (l *Local) Submit(_ context.Context, jobs ...Job) error {
	l.mu.Lock()
	l.queue = append(l.queue, jobs...)
	l.pending += len(jobs)
	l.mu.Unlock()

	for range jobs {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Local) Revoke(_ context.Context, stepID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.queue {
		if j.StepID == stepID {
			l.revoked[j.ExecutionID] = true
		}
	}
	for _, cancel := range l.running[stepID] {
		cancel(ErrRevoked)
	}
	return nil
}

// Run starts the workers and blocks until ctx ends.
func (l *Local) Run(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < l.workers; i++ {
		g.Go(func() error {
			l.work(gctx, handler)
			return nil
		})
	}
	return g.Wait()
}

func (l *Local) next() (Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 {
		j := l.queue[0]
		l.queue = l.queue[1:]
		if l.revoked[j.ExecutionID] {
			delete(l.revoked, j.ExecutionID)
			l.pending--
			continue
		}
		return j, true
	}
	return Job{}, false
}

func (l *Local) work(ctx context.Context, handler Handler) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			job, ok := l.next()
			if !ok {
				break
			}
			l.execute(ctx, handler, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-time.After(time.Second):
		}
	}
}

func (l *Local) execute(ctx context.Context, handler Handler, job Job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	l.mu.Lock()
	execs := l.running[job.StepID]
	if execs == nil {
		execs = map[uuid.UUID]context.CancelCauseFunc{}
		l.running[job.StepID] = execs
	}
	execs[job.ExecutionID] = cancel
	l.mu.Unlock()

	defer func() {
		cancel(nil)
		l.mu.Lock()
		delete(execs, job.ExecutionID)
		if len(execs) == 0 {
			delete(l.running, job.StepID)
		}
		l.pending--
		l.mu.Unlock()
	}()

	if err := handler(jobCtx, job); err != nil {
		l.logger.Warn("step execution failed", "step_id", job.StepID, "step_kind", job.Kind, "error", err)
	}
}

// Pending counts queued plus running jobs.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// WaitIdle blocks until nothing is queued or running.
func (l *Local) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pool not idle: %d pending: %w", l.Pending(), ctx.Err())
		case <-ticker.C:
		}
	}
}
