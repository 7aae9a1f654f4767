// Package entity reads and patches the owning records that pipelines
// process. Documents are JSON and every write bumps a revision counter.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/db"
)

var (
	ErrNotFound                 = errors.New("entity: not found")
	ErrStaleRevision            = errors.New("entity: stale revision")
	ErrConflictRetriesExhausted = errors.New("entity: conflict retries exhausted")
)

type Entity struct {
	ID       uuid.UUID
	Bucket   string
	Revision int64
	Document db.Payload
}

// Description is the free-text description chapter markers are parsed from.
func (e *Entity) Description() string {
	s, _ := e.Document.String("description")
	return s
}

type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Entity, error)
	// Patch applies an RFC 6902 patch to the current document. A concurrent
	// write between read and commit yields ErrStaleRevision.
	Patch(ctx context.Context, id uuid.UUID, patch Patch) (*Entity, error)
	// Commit writes e.Document if e.Revision is still current.
	Commit(ctx context.Context, e *Entity) error
	// Reindex asks downstream search indexing to refresh the entity.
	Reindex(ctx context.Context, id uuid.UUID) error
}

// Op is one RFC 6902 operation.
type Op struct {
	Op    string
	Path  string
	Value any
}

// MarshalJSON keeps zero values on add and replace, which need "value" even
// when it is false or null.
func (o Op) MarshalJSON() ([]byte, error) {
	if o.Op == "remove" {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{o.Op, o.Path, o.Value})
}

type Patch []Op

func Add(path string, value any) Op { return Op{Op: "add", Path: path, Value: value} }
func Replace(path string, value any) Op {
	return Op{Op: "replace", Path: path, Value: value}
}
func Remove(path string) Op { return Op{Op: "remove", Path: path} }

// Apply returns doc with the patch applied. Removing a missing path is a
// no-op so undo operations stay idempotent.
func (p Patch) Apply(doc db.Payload) (db.Payload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	src, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if doc == nil {
		src = []byte("{}")
	}

	opts := jsonpatch.NewApplyOptions()
	opts.AllowMissingPathOnRemove = true
	opts.EnsurePathExistsOnAdd = true
	out, err := decoded.ApplyWithOptions(src, opts)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	var next db.Payload
	if err := next.Scan(out); err != nil {
		return nil, err
	}
	return next, nil
}

func (p Patch) String() string {
	parts := make([]string, 0, len(p))
	for _, op := range p {
		parts = append(parts, op.Op+" "+op.Path)
	}
	return strings.Join(parts, ", ")
}

// RetryPolicy bounds PatchWithRetry.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Delay: 500 * time.Millisecond}

// PatchWithRetry applies patch, retrying on ErrStaleRevision with a fixed
// delay. Any other error is returned at once. After the last failed attempt
// it returns ErrConflictRetriesExhausted.
func PatchWithRetry(ctx context.Context, s Store, id uuid.UUID, patch Patch, policy RetryPolicy) (*Entity, error) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		e, err := s.Patch(ctx, id, patch)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrStaleRevision) {
			return nil, err
		}
		lastErr = err
		if attempt == policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
	return nil, fmt.Errorf("patch %s (%s) after %d attempts: %w: %w", id, patch, policy.Attempts, ErrConflictRetriesExhausted, lastErr)
}
