package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Conflicts can be injected to exercise
// retry paths.
type Memory struct {
	mu        sync.Mutex
	entities  map[uuid.UUID]*Entity
	conflicts int
	reindexed map[uuid.UUID]int
}

func NewMemory() *Memory {
	return &Memory{
		entities:  map[uuid.UUID]*Entity{},
		reindexed: map[uuid.UUID]int{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(e *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	c.Document = e.Document.Merge()
	if c.Revision == 0 {
		c.Revision = 1
	}
	m.entities[e.ID] = &c
}

// InjectConflicts makes the next n commits fail with ErrStaleRevision.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

func (m *Memory) Reindexed(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reindexed[id]
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	doc, err := e.Document.Clone()
	if err != nil {
		return nil, err
	}
	c := *e
	c.Document = doc
	return &c, nil
}

func (m *Memory) Patch(ctx context.Context, id uuid.UUID, patch Patch) (*Entity, error) {
	e, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := patch.Apply(e.Document)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	e.Document = doc
	if err := m.Commit(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Memory) Commit(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entities[e.ID]
	if !ok {
		return fmt.Errorf("commit entity %s: %w", e.ID, ErrNotFound)
	}
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("commit entity %s: %w", e.ID, ErrStaleRevision)
	}
	if cur.Revision != e.Revision {
		return fmt.Errorf("commit entity %s at revision %d: %w", e.ID, e.Revision, ErrStaleRevision)
	}
	e.Revision++
	m.entities[e.ID] = &Entity{
		ID:       e.ID,
		Bucket:   e.Bucket,
		Revision: e.Revision,
		Document: e.Document.Merge(),
	}
	return nil
}

func (m *Memory) Reindex(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reindexed[id]++
	return nil
}
