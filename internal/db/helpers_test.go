package db

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestUUIDConversion(t *testing.T) {
	id := uuid.New()
	require.Equal(t, id, GoUUID(UUID(id)))
	require.False(t, UUID(uuid.Nil).Valid)
	require.Equal(t, uuid.Nil, GoUUID(UUID(uuid.Nil)))

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	require.Equal(t, ids, GoUUIDs(UUIDs(ids)))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "42703"}))
	require.False(t, IsUniqueViolation(nil))
}
