package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/taskstore"
)

var ErrCleanupRegistered = errors.New("worker: cleanup callback already registered")

// StepContext is everything a step body sees about its execution.
type StepContext struct {
	RunID       uuid.UUID
	StepID      uuid.UUID
	ExecutionID uuid.UUID
	EntityID    uuid.UUID
	Kind        string

	Entity     *entity.Entity
	Target     objectstore.Ref
	TargetTags map[string]string

	// Stored is the record payload as persisted, merged with any caller extras.
	Stored Payload
	// Base holds entity_id, run_id, step_kind and tags.
	Base Payload
	// Payload is Base merged with the step's described payload.
	Payload Payload

	Runtime *Runtime
	Logger  *slog.Logger

	mu        sync.Mutex
	cleanup   func()
	terminate sync.Once
}

// FullPayload merges extra over the base payload; extra keys win.
func (sc *StepContext) FullPayload(extra Payload) Payload {
	return sc.Base.Merge(extra)
}

// OnTerminate registers the callback run once if the execution is
// terminated. Only one callback may be registered.
func (sc *StepContext) OnTerminate(fn func()) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cleanup != nil {
		return ErrCleanupRegistered
	}
	sc.cleanup = fn
	return nil
}

func (sc *StepContext) terminated() {
	sc.terminate.Do(func() {
		sc.mu.Lock()
		fn := sc.cleanup
		sc.mu.Unlock()
		if fn != nil {
			sc.Logger.Info("running termination cleanup")
			fn()
		}
	})
}

// NewStepContext resolves the routing context of rec: owning entity, target
// object and its tags. extra is merged over the stored payload.
func (rt *Runtime) NewStepContext(ctx context.Context, rec *taskstore.Record, step Step, extra Payload) (*StepContext, error) {
	stored := rec.Payload.Merge(extra)

	raw, _ := stored.String("entity_id")
	entityID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("step %s: entity_id %q: %w", rec.ID, raw, err)
	}
	ent, err := rt.Entities.Get(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("step %s: resolve entity: %w", rec.ID, err)
	}

	key, _ := stored.String("key")
	bucket := ent.Bucket
	if b, ok := stored.String("bucket"); ok && b != "" {
		bucket = b
	}
	version, _ := stored.String("version_id")
	target := objectstore.Ref{Bucket: bucket, Key: key, VersionID: version}

	tags := map[string]string{}
	if key != "" {
		t, err := rt.Objects.Tags(ctx, target)
		switch {
		case err == nil:
			tags = t
		case !errors.Is(err, objectstore.ErrNotFound):
			return nil, fmt.Errorf("step %s: read tags of %s: %w", rec.ID, target, err)
		}
	}
	tagPayload := make(map[string]any, len(tags))
	for k, v := range tags {
		tagPayload[k] = v
	}

	sc := &StepContext{
		RunID:       rec.RunID,
		StepID:      rec.ID,
		ExecutionID: rec.ExecutionID,
		EntityID:    entityID,
		Kind:        rec.Kind,
		Entity:      ent,
		Target:      target,
		TargetTags:  tags,
		Stored:      stored,
		Base: Payload{
			"entity_id": entityID.String(),
			"run_id":    rec.RunID.String(),
			"step_kind": rec.Kind,
			"tags":      tagPayload,
		},
		Runtime: rt,
		Logger: rt.logger().With(
			"run_id", rec.RunID,
			"step_id", rec.ID,
			"step_kind", rec.Kind,
			"entity_id", entityID,
		),
	}
	sc.Payload = sc.FullPayload(step.DescribePayload(stored))
	return sc, nil
}
