package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/testsupport"
	"thirdcoast.systems/reel/internal/worker"
)

type fakeStep struct {
	kind string
	run  func(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error)
	seen *worker.StepContext
}

func (f *fakeStep) Kind() string { return f.kind }

func (f *fakeStep) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	f.seen = sc
	return f.run(ctx, sc)
}

func (f *fakeStep) Clean(context.Context, *worker.StepContext) error { return nil }

func (f *fakeStep) DescribePayload(in worker.Payload) worker.Payload {
	return worker.Payload{"key": in["key"], "gap": 10.0}
}

type chain struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (c *chain) Advance(_ context.Context, runID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, runID)
	return nil
}

func (c *chain) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func setup(t *testing.T, step *fakeStep) (*testsupport.Env, *worker.Wrapper, *chain) {
	t.Helper()
	env := testsupport.NewEnv(t)
	reg, err := worker.NewRegistry(step)
	require.NoError(t, err)
	c := &chain{}
	return env, worker.NewWrapper(env.Runtime, reg, c), c
}

func jobFor(id uuid.UUID, kind string) pool.Job {
	return pool.Job{StepID: id, Kind: kind}
}

func TestHandle_Success(t *testing.T) {
	step := &fakeStep{kind: "sample", run: func(context.Context, *worker.StepContext) (worker.Outcome, error) {
		return worker.Succeeded(map[string]any{"frames": 3}), nil
	}}
	env, w, c := setup(t, step)
	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{"duration": "12.5"})
	rec := env.Record(t, e, "sample", nil)

	require.NoError(t, w.Handle(context.Background(), jobFor(rec.ID, "sample")))
	w.Wait()

	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Success, got.Status)
	require.Equal(t, `{"frames":3}`, got.Message)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, 1, env.Entities.Reindexed(e.ID))
	require.Equal(t, 1, c.calls())

	sc := step.seen
	require.Equal(t, e.ID, sc.EntityID)
	require.Equal(t, testsupport.Bucket, sc.Target.Bucket)
	require.Equal(t, "master.mp4", sc.Target.Key)
	require.Equal(t, "sample", sc.Payload["step_kind"])
	require.Equal(t, rec.RunID.String(), sc.Payload["run_id"])
	require.Equal(t, map[string]any{"duration": "12.5"}, sc.Payload["tags"])
	require.Equal(t, 10.0, sc.Payload["gap"])
}

func TestHandle_FailurePersistsAndPropagates(t *testing.T) {
	boom := errors.New("collaborator unavailable")
	step := &fakeStep{kind: "sample", run: func(context.Context, *worker.StepContext) (worker.Outcome, error) {
		return worker.Outcome{}, boom
	}}
	env, w, c := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "sample", nil)

	err := w.Handle(context.Background(), jobFor(rec.ID, "sample"))
	require.ErrorIs(t, err, boom)
	w.Wait()

	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Failure, got.Status)
	require.Equal(t, "collaborator unavailable", got.Message)
	require.Equal(t, 1, env.Entities.Reindexed(e.ID))
	require.Equal(t, 1, c.calls())
}

func TestHandle_RunningOutcomeDoesNotAdvance(t *testing.T) {
	step := &fakeStep{kind: "transcode", run: func(context.Context, *worker.StepContext) (worker.Outcome, error) {
		return worker.Running("submitted job-1"), nil
	}}
	env, w, c := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "transcode", nil)

	require.NoError(t, w.Handle(context.Background(), jobFor(rec.ID, "transcode")))
	w.Wait()

	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Started, got.Status)
	require.Equal(t, "submitted job-1", got.Message)
	require.Equal(t, 0, c.calls())
}

func TestHandle_TerminationRunsCleanupOnce(t *testing.T) {
	var cleanups atomic.Int32
	started := make(chan struct{})
	step := &fakeStep{kind: "download", run: func(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
		if err := sc.OnTerminate(func() { cleanups.Add(1) }); err != nil {
			t.Error(err)
		}
		if err := sc.OnTerminate(func() {}); !errors.Is(err, worker.ErrCleanupRegistered) {
			t.Errorf("second registration: got %v", err)
		}
		close(started)
		<-ctx.Done()
		return worker.Outcome{}, ctx.Err()
	}}
	env, w, c := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "download", nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Handle(ctx, jobFor(rec.ID, "download")) }()
	<-started
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after termination")
	}
	w.Wait()

	require.Equal(t, int32(1), cleanups.Load())
	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Started, got.Status)
	require.Equal(t, 0, c.calls())
}

func TestHandle_SkipsTerminalRecord(t *testing.T) {
	var ran atomic.Bool
	step := &fakeStep{kind: "sample", run: func(context.Context, *worker.StepContext) (worker.Outcome, error) {
		ran.Store(true)
		return worker.Outcome{}, nil
	}}
	env, w, _ := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "sample", nil)
	require.NoError(t, env.Tasks.Finish(context.Background(), rec.ID, uuid.Nil, status.Canceled, "stopped"))

	require.NoError(t, w.Handle(context.Background(), jobFor(rec.ID, "sample")))
	require.False(t, ran.Load())
}

func TestHandle_SkipsSupersededExecution(t *testing.T) {
	var ran atomic.Bool
	step := &fakeStep{kind: "sample", run: func(context.Context, *worker.StepContext) (worker.Outcome, error) {
		ran.Store(true)
		return worker.Outcome{}, nil
	}}
	env, w, _ := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "sample", nil)
	require.NoError(t, env.Tasks.SetExecution(context.Background(), rec.ID, uuid.New()))

	job := jobFor(rec.ID, "sample")
	job.ExecutionID = uuid.New()
	require.NoError(t, w.Handle(context.Background(), job))
	require.False(t, ran.Load())
}

func TestHandle_UnknownKindFails(t *testing.T) {
	env, w, _ := setup(t, &fakeStep{kind: "sample"})
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "mystery", nil)

	err := w.Handle(context.Background(), jobFor(rec.ID, "mystery"))
	require.ErrorIs(t, err, worker.ErrUnknownKind)
	w.Wait()

	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Failure, got.Status)
}

func TestFullPayload_ExtraWins(t *testing.T) {
	step := &fakeStep{kind: "sample"}
	env, _, _ := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "sample", nil)
	sc := env.StepContext(t, rec, step)

	full := sc.FullPayload(worker.Payload{"run_id": "override", "quality": "480p"})
	require.Equal(t, "override", full["run_id"])
	require.Equal(t, "480p", full["quality"])
	require.Equal(t, e.ID.String(), full["entity_id"])
	require.Equal(t, map[string]any{}, full["tags"])
	require.Equal(t, rec.RunID.String(), sc.Base["run_id"])
}

func TestRegistry(t *testing.T) {
	reg, err := worker.NewRegistry(&fakeStep{kind: "a"}, &fakeStep{kind: "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.Kinds())
	require.Error(t, reg.Register(&fakeStep{kind: "a"}))

	specs, err := reg.StepRecords(context.Background(), worker.RecordSpec{Kind: "a"})
	require.NoError(t, err)
	require.Len(t, specs, 1)

	_, err = reg.StepRecords(context.Background(), worker.RecordSpec{Kind: "zzz"})
	require.ErrorIs(t, err, worker.ErrUnknownKind)
}

func TestStringifyAndLabel(t *testing.T) {
	require.Equal(t, "", worker.Stringify(nil))
	require.Equal(t, "plain", worker.Stringify("plain"))
	require.Equal(t, "bad", worker.Stringify(errors.New("bad")))
	require.Equal(t, `["a","b"]`, worker.Stringify([]string{"a", "b"}))
	require.Equal(t, "Extract Chapter Frames", worker.Label("extract_chapter_frames"))
}

func TestHandle_SupersededWhileRunningKeepsNewStatus(t *testing.T) {
	var env *testsupport.Env
	var recID uuid.UUID
	step := &fakeStep{kind: "sample", run: func(ctx context.Context, _ *worker.StepContext) (worker.Outcome, error) {
		// A restart lands while this execution is still working.
		_, err := env.Tasks.Reset(ctx, recID, worker.Payload{"key": "master.mp4"}, uuid.New())
		require.NoError(t, err)
		return worker.Outcome{}, errors.New("late failure")
	}}
	env, w, c := setup(t, step)
	e := env.Entity(t, nil)
	rec := env.Record(t, e, "sample", nil)
	recID = rec.ID
	exec := uuid.New()
	require.NoError(t, env.Tasks.SetExecution(context.Background(), rec.ID, exec))

	job := jobFor(rec.ID, "sample")
	job.ExecutionID = exec
	require.Error(t, w.Handle(context.Background(), job))
	w.Wait()

	got, err := env.Tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, status.Pending, got.Status)
	require.Empty(t, got.Message)
	require.Equal(t, 0, c.calls())
}
