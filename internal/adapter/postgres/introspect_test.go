package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewaylabs/causeway/internal/adapter/postgres"
	"github.com/causewaylabs/causeway/internal/core/domain"
)

func TestIntrospect_AllSchemas(t *testing.T) {
	pool := setupTestDB(t)
	in := postgres.NewIntrospector(pool)

	tables, err := in.Introspect(context.Background(), nil)
	require.NoError(t, err)

	byName := make(map[string]domain.Table)
	for _, tbl := range tables {
		byName[tbl.QualifiedName()] = tbl
	}

	users, ok := byName["public.users"]
	require.True(t, ok, "users table missing from introspection")
	require.Len(t, users.Columns, 4)

	// Ordinal order, not alphabetical.
	assert.Equal(t, "id", users.Columns[0].Name)
	assert.Equal(t, "name", users.Columns[1].Name)
	assert.Equal(t, "email", users.Columns[2].Name)
	assert.Equal(t, "created_at", users.Columns[3].Name)

	assert.Equal(t, "bigint", users.Columns[0].DataType)
	assert.False(t, users.Columns[0].Nullable)
	assert.True(t, users.Columns[2].Nullable)
	assert.Equal(t, "timestamp with time zone", users.Columns[3].DataType)

	assert.Contains(t, byName, "public.orders")
	assert.Contains(t, byName, "public.big")
}

func TestIntrospect_SchemaFilter(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE SCHEMA analytics;
		CREATE TABLE analytics.events (id BIGINT, kind TEXT);
	`)
	require.NoError(t, err)

	in := postgres.NewIntrospector(pool)
	tables, err := in.Introspect(ctx, []string{"analytics"})
	require.NoError(t, err)

	require.Len(t, tables, 1)
	assert.Equal(t, "analytics.events", tables[0].QualifiedName())
}

func TestIntrospect_FeedsRegistrySnapshot(t *testing.T) {
	pool := setupTestDB(t)
	in := postgres.NewIntrospector(pool)

	tables, err := in.Introspect(context.Background(), []string{"public"})
	require.NoError(t, err)

	snap := domain.NewSchemaSnapshot(tables, time.Now())
	assert.NotEmpty(t, snap.ContentHash)

	// Introspecting again yields the same content hash.
	again, err := in.Introspect(context.Background(), []string{"public"})
	require.NoError(t, err)
	assert.Equal(t, snap.ContentHash, domain.HashTables(again))
}
