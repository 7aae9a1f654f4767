// Package testsupport wires in-memory collaborators into a worker runtime
// for tests.
package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/encoding"
	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/taskstore"
	"thirdcoast.systems/reel/internal/worker"
)

const Bucket = "media"

// Encoder records submissions and hands out sequential job handles.
type Encoder struct {
	mu       sync.Mutex
	requests []encoding.SubmitRequest
	jobs     map[string]*encoding.Job
	Err      error
}

var _ encoding.Encoder = (*Encoder)(nil)

func (e *Encoder) Submit(_ context.Context, req encoding.SubmitRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return "", e.Err
	}
	if e.jobs == nil {
		e.jobs = map[string]*encoding.Job{}
	}
	e.requests = append(e.requests, req)
	handle := fmt.Sprintf("job-%d", len(e.requests))
	e.jobs[handle] = &encoding.Job{Handle: handle, State: encoding.StateQueued}
	return handle, nil
}

func (e *Encoder) Poll(_ context.Context, handle string) (*encoding.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[handle]
	if !ok {
		return nil, fmt.Errorf("job %s: not found", handle)
	}
	c := *j
	return &c, nil
}

func (e *Encoder) Requests() []encoding.SubmitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]encoding.SubmitRequest(nil), e.requests...)
}

// Env bundles the fakes behind a Runtime.
type Env struct {
	Tasks    *taskstore.Memory
	Objects  *objectstore.Memory
	Entities *entity.Memory
	Encoder  *Encoder
	Runtime  *worker.Runtime
}

func NewEnv(t testing.TB) *Env {
	t.Helper()
	env := &Env{
		Tasks:    taskstore.NewMemory(),
		Objects:  objectstore.NewMemory(),
		Entities: entity.NewMemory(),
		Encoder:  &Encoder{},
	}
	env.Runtime = &worker.Runtime{
		Tasks:    env.Tasks,
		Objects:  env.Objects,
		Entities: env.Entities,
		Encoder:  env.Encoder,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: worker.Settings{
			ScratchDir:         t.TempDir(),
			PatchRetry:         entity.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
			ReindexTimeout:     time.Second,
			DownloadMaxBytes:   1 << 20,
			DownloadTimeout:    5 * time.Second,
			TranscodeQualities: []string{"240p", "480p", "1080p"},
		},
	}
	return env
}

// Entity stores a new entity in Bucket with doc as its document.
func (env *Env) Entity(t testing.TB, doc db.Payload) *entity.Entity {
	t.Helper()
	if doc == nil {
		doc = db.Payload{}
	}
	e := &entity.Entity{ID: uuid.New(), Bucket: Bucket, Revision: 1, Document: doc}
	env.Entities.Put(e)
	return e
}

// PutObject writes body under key in Bucket.
func (env *Env) PutObject(t testing.TB, key string, body []byte, tags map[string]string) objectstore.Ref {
	t.Helper()
	ref := objectstore.Ref{Bucket: Bucket, Key: key}
	_, err := env.Objects.Put(context.Background(), ref, bytes.NewReader(body), int64(len(body)), objectstore.PutOptions{Tags: tags})
	require.NoError(t, err)
	return ref
}

// Record assembles a one-step run for kind and returns its record. The
// payload always carries entity_id and, unless given, key "master.mp4".
func (env *Env) Record(t testing.TB, e *entity.Entity, kind string, payload db.Payload) *taskstore.Record {
	t.Helper()
	ctx := context.Background()
	p := db.Payload{"entity_id": e.ID.String(), "key": "master.mp4"}.Merge(payload)

	run, err := env.Tasks.CreateRun(ctx, taskstore.NewRun{Name: "test", EntityID: e.ID, Payload: p})
	require.NoError(t, err)
	recs, err := env.Tasks.Assemble(ctx, run.ID, 1, []taskstore.NewRecord{{Kind: kind, Payload: p}})
	require.NoError(t, err)
	return recs[0]
}

// StepContext resolves a step context for rec the way the wrapper does.
func (env *Env) StepContext(t testing.TB, rec *taskstore.Record, step worker.Step) *worker.StepContext {
	t.Helper()
	sc, err := env.Runtime.NewStepContext(context.Background(), rec, step, nil)
	require.NoError(t, err)
	return sc
}

// Keys lists object keys under prefix in Bucket.
func (env *Env) Keys(t testing.TB, prefix string) []string {
	t.Helper()
	objs, err := env.Objects.List(context.Background(), Bucket, prefix)
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	return keys
}
