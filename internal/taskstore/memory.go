package taskstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/reel/internal/status"
)

// Memory is an in-process Store. Payloads are copied through JSON on the
// way in and out so callers observe the same shapes Postgres would return.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	runs    map[uuid.UUID]*Run
	records map[uuid.UUID]*Record
	order   map[uuid.UUID][]uuid.UUID
	deleted map[uuid.UUID]bool
}

func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		runs:    map[uuid.UUID]*Run{},
		records: map[uuid.UUID]*Record{},
		order:   map[uuid.UUID][]uuid.UUID{},
		deleted: map[uuid.UUID]bool{},
	}
}

var _ Store = (*Memory)(nil)

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	c, err := p.Clone()
	if err != nil {
		return p.Merge()
	}
	return c
}

func timePtr(t time.Time) *time.Time { return &t }

func copyRun(r *Run) *Run {
	c := *r
	c.Payload = clonePayload(r.Payload)
	return &c
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Args = clonePayload(r.Args)
	c.Payload = clonePayload(r.Payload)
	c.Predecessors = slices.Clone(r.Predecessors)
	return &c
}

func (m *Memory) run(id uuid.UUID) (*Run, error) {
	r, ok := m.runs[id]
	if !ok || m.deleted[id] {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) record(id uuid.UUID) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) CreateRun(_ context.Context, in NewRun) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if _, exists := m.runs[in.ID]; exists {
		return nil, fmt.Errorf("create run %s: %w", in.ID, ErrDuplicate)
	}
	now := m.now()
	r := &Run{
		ID:            in.ID,
		Name:          in.Name,
		EntityID:      in.EntityID,
		Payload:       clonePayload(in.Payload),
		PredecessorID: in.PredecessorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.runs[r.ID] = r
	return copyRun(r), nil
}

func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return copyRun(r), nil
}

func (m *Memory) UpdateRunPayload(_ context.Context, id uuid.UUID, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return fmt.Errorf("update run payload %s: %w", id, err)
	}
	r.Payload = clonePayload(payload)
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SoftDeleteRun(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.run(id); err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	m.deleted[id] = true
	return nil
}

func (m *Memory) Assemble(_ context.Context, runID uuid.UUID, stageCount int, records []NewRecord) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.run(runID)
	if err != nil {
		return nil, fmt.Errorf("assemble run %s: %w", runID, err)
	}
	if r.Assembled() {
		return nil, fmt.Errorf("assemble run %s: %w", runID, ErrAlreadyAssembled)
	}

	now := m.now()
	staged := make([]*Record, 0, len(records))
	seen := map[[2]int]bool{}
	for _, nr := range records {
		nr = normalize(nr)
		slot := [2]int{nr.Stage, nr.Position}
		if seen[slot] || m.records[nr.ID] != nil {
			return nil, fmt.Errorf("assemble run %s: record %s: %w", runID, nr.ID, ErrDuplicate)
		}
		seen[slot] = true
		staged = append(staged, &Record{
			ID:           nr.ID,
			RunID:        runID,
			Kind:         nr.Kind,
			Stage:        nr.Stage,
			Position:     nr.Position,
			Args:         clonePayload(nr.Args),
			Payload:      clonePayload(nr.Payload),
			Status:       nr.Status,
			Message:      nr.Message,
			Predecessors: slices.Clone(nr.Predecessors),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	out := make([]*Record, 0, len(staged))
	for _, rec := range staged {
		m.records[rec.ID] = rec
		m.order[runID] = append(m.order[runID], rec.ID)
		out = append(out, copyRecord(rec))
	}
	r.AssembledAt = timePtr(now)
	r.StageCount = stageCount
	r.UpdatedAt = now
	return out, nil
}

func (m *Memory) MarkRunStarted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return false, nil
	}
	if r.Started() {
		return false, nil
	}
	r.StartedAt = timePtr(m.now())
	return true, nil
}

func (m *Memory) AdvanceStage(_ context.Context, runID uuid.UUID, from, to int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.CurrentStage != from {
		return false, nil
	}
	r.CurrentStage = to
	r.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) MarkRunFinished(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("mark run finished %s: %w", id, ErrNotFound)
	}
	if r.FinishedAt == nil {
		r.FinishedAt = timePtr(m.now())
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", id, err)
	}
	return copyRecord(r), nil
}

func (m *Memory) ListByRun(_ context.Context, runID uuid.UUID) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(runID, "")
	slices.SortStableFunc(out, func(a, b *Record) int {
		if a.Stage != b.Stage {
			return a.Stage - b.Stage
		}
		return a.Position - b.Position
	})
	return out, nil
}

func (m *Memory) GetAllByRunAndKind(_ context.Context, runID uuid.UUID, kind string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(runID, kind), nil
}

func (m *Memory) list(runID uuid.UUID, kind string) []*Record {
	var out []*Record
	for _, id := range m.order[runID] {
		r := m.records[id]
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, copyRecord(r))
	}
	return out
}

func (m *Memory) MarkStarted(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return nil, fmt.Errorf("mark step started %s: %w", id, err)
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("mark step started %s from %s: %w", id, r.Status, ErrInvalidTransition)
	}
	now := m.now()
	r.Status = status.Started
	if r.StartedAt == nil {
		r.StartedAt = timePtr(now)
	}
	r.UpdatedAt = now
	return copyRecord(r), nil
}

func (m *Memory) Finish(_ context.Context, id, executionID uuid.UUID, s status.Status, message string) error {
	if !s.Valid() {
		return fmt.Errorf("finish step %s: %w: %q", id, ErrInvalidTransition, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return fmt.Errorf("finish step %s: %w", id, err)
	}
	if executionID != uuid.Nil && r.ExecutionID != executionID {
		return fmt.Errorf("finish step %s: %w", id, ErrSuperseded)
	}
	now := m.now()
	r.Status = s
	r.Message = message
	r.FinishedAt = nil
	if s.Terminal() {
		r.FinishedAt = timePtr(now)
	}
	r.UpdatedAt = now
	return nil
}

func (m *Memory) Reset(_ context.Context, id uuid.UUID, payload Payload, executionID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return nil, fmt.Errorf("reset step %s: %w", id, err)
	}
	r.Status = status.Pending
	r.Message = ""
	r.Payload = clonePayload(payload)
	r.ExecutionID = executionID
	r.StartedAt = nil
	r.FinishedAt = nil
	r.UpdatedAt = m.now()
	return copyRecord(r), nil
}

func (m *Memory) SetExecution(_ context.Context, id uuid.UUID, executionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return fmt.Errorf("set execution %s: %w", id, err)
	}
	r.ExecutionID = executionID
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CancelPending(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.record(id)
	if err != nil {
		return false, fmt.Errorf("cancel step %s: %w", id, err)
	}
	if r.Status != status.Pending {
		return false, nil
	}
	now := m.now()
	r.Status = status.Canceled
	r.FinishedAt = timePtr(now)
	r.UpdatedAt = now
	return true, nil
}
