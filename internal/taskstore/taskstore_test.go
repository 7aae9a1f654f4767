package taskstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/status"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemory(), uuid.New())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, dbc.Migrate(ctx))

	entityID := uuid.New()
	_, err = dbc.Queries(ctx).InsertEntity(ctx, &db.InsertEntityParams{
		ID:       db.UUID(entityID),
		Bucket:   "media",
		Document: db.Payload{},
	})
	require.NoError(t, err)

	runStoreContract(t, NewPostgres(dbc), entityID)
}

func runStoreContract(t *testing.T, s Store, entityID uuid.UUID) {
	ctx := context.Background()

	run, err := s.CreateRun(ctx, NewRun{
		Name:     "video",
		EntityID: entityID,
		Payload:  Payload{"key": "master.mp4"},
	})
	require.NoError(t, err)
	require.False(t, run.Assembled())

	first := uuid.New()
	records := []NewRecord{
		{ID: first, Kind: "download", Stage: 0, Payload: Payload{"key": "master.mp4"}},
		{Kind: "transcode", Stage: 1, Position: 0, Args: Payload{"quality": "240p"}, Predecessors: []uuid.UUID{first}},
		{Kind: "transcode", Stage: 1, Position: 1, Args: Payload{"quality": "480p"}, Predecessors: []uuid.UUID{first}},
		{Kind: "transcode", Stage: 1, Position: 2, Args: Payload{"quality": "1080p"}, Status: status.Canceled, Message: "source too small"},
	}

	created, err := s.Assemble(ctx, run.ID, 2, records)
	require.NoError(t, err)
	require.Len(t, created, 4)
	require.Equal(t, first, created[0].ID)
	require.Equal(t, status.Pending, created[1].Status)
	require.Equal(t, status.Canceled, created[3].Status)

	t.Run("assemble twice", func(t *testing.T) {
		_, err := s.Assemble(ctx, run.ID, 2, records[:1])
		require.ErrorIs(t, err, ErrAlreadyAssembled)

		all, err := s.ListByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, all, 4)
	})

	t.Run("by kind keeps insertion order", func(t *testing.T) {
		got, err := s.GetAllByRunAndKind(ctx, run.ID, "transcode")
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, "240p", got[0].Args["quality"])
		require.Equal(t, "1080p", got[2].Args["quality"])
		require.Equal(t, []uuid.UUID{first}, got[0].Predecessors)
	})

	t.Run("lifecycle", func(t *testing.T) {
		rec, err := s.MarkStarted(ctx, first)
		require.NoError(t, err)
		require.Equal(t, status.Started, rec.Status)
		require.NotNil(t, rec.StartedAt)

		require.NoError(t, s.Finish(ctx, first, uuid.Nil, status.Success, "ok"))
		_, err = s.MarkStarted(ctx, first)
		require.ErrorIs(t, err, ErrInvalidTransition)

		exec := uuid.New()
		reset, err := s.Reset(ctx, first, Payload{"key": "other.mp4"}, exec)
		require.NoError(t, err)
		require.Equal(t, status.Pending, reset.Status)
		require.Equal(t, exec, reset.ExecutionID)
		require.Equal(t, "other.mp4", reset.Payload["key"])
		require.Empty(t, reset.Message)

		// The execution that lost the record cannot overwrite it.
		err = s.Finish(ctx, first, uuid.New(), status.Failure, "late")
		require.ErrorIs(t, err, ErrSuperseded)
		got, err := s.Get(ctx, first)
		require.NoError(t, err)
		require.Equal(t, status.Pending, got.Status)
		require.Empty(t, got.Message)

		require.NoError(t, s.Finish(ctx, first, exec, status.Success, "ok"))
		got, err = s.Get(ctx, first)
		require.NoError(t, err)
		require.Equal(t, status.Success, got.Status)
	})

	t.Run("cancel only pending", func(t *testing.T) {
		canceled, err := s.CancelPending(ctx, created[1].ID)
		require.NoError(t, err)
		require.True(t, canceled)

		canceled, err = s.CancelPending(ctx, created[1].ID)
		require.NoError(t, err)
		require.False(t, canceled)
	})

	t.Run("stage cursor", func(t *testing.T) {
		ok, err := s.AdvanceStage(ctx, run.ID, 0, 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.AdvanceStage(ctx, run.ID, 0, 1)
		require.NoError(t, err)
		require.False(t, ok)

		started, err := s.MarkRunStarted(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, started)
		started, err = s.MarkRunStarted(ctx, run.ID)
		require.NoError(t, err)
		require.False(t, started)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.CurrentStage)
		require.Equal(t, 2, got.StageCount)
	})

	t.Run("duplicate run id", func(t *testing.T) {
		_, err := s.CreateRun(ctx, NewRun{ID: run.ID, Name: "video", EntityID: entityID, Payload: Payload{}})
		require.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("nested payload round trip", func(t *testing.T) {
		nested, err := s.CreateRun(ctx, NewRun{Name: "video", EntityID: entityID, Payload: Payload{}})
		require.NoError(t, err)
		payload := Payload{
			"key":     "uploads/clip.mp4",
			"gap":     2.5,
			"enabled": true,
			"none":    nil,
			"tags":    map[string]any{"codecs": "avc1+mp4a", "sizes": []any{240.0, 480.0}},
			"list":    []any{"a", 1.0, map[string]any{"deep": []any{false}}},
		}
		created, err := s.Assemble(ctx, nested.ID, 1, []NewRecord{{Kind: "download", Payload: payload, Args: Payload{"quality": "480p"}}})
		require.NoError(t, err)

		got, err := s.Get(ctx, created[0].ID)
		require.NoError(t, err)
		require.Equal(t, payload, got.Payload)
		require.Equal(t, Payload{"quality": "480p"}, got.Args)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, uuid.New())
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRun(ctx, uuid.New())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("soft delete", func(t *testing.T) {
		require.NoError(t, s.SoftDeleteRun(ctx, run.ID))
		_, err := s.GetRun(ctx, run.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStages(t *testing.T) {
	recs := []*Record{
		{Kind: "download", Stage: 0},
		{Kind: "frames", Stage: 2, Position: 0},
		{Kind: "metadata", Stage: 1},
		{Kind: "transcode", Stage: 2, Position: 1},
	}
	stages := Stages(recs)
	require.Len(t, stages, 3)
	require.Len(t, stages[2], 2)
	require.Equal(t, []status.Status{"", ""}, Statuses(stages[2]))
}
