package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/causewaylabs/causeway/internal/adapter/postgres"
	"github.com/causewaylabs/causeway/internal/core/domain"
)

const testSchema = `
	CREATE TABLE users (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		email      TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE orders (
		id      BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		total   NUMERIC(10,2) NOT NULL,
		status  TEXT NOT NULL
	);

	-- Enough rows that a cartesian self-join runs long.
	CREATE TABLE big (n BIGINT);

	INSERT INTO users (name, email) VALUES
		('ada', 'ada@example.com'),
		('bob', NULL),
		('cyd', 'cyd@example.com'),
		('dee', NULL),
		('eva', 'eva@example.com');

	INSERT INTO orders (user_id, total, status) VALUES
		(1, 12.50, 'paid'),
		(2, 99.95, 'open'),
		(3, 5.00, 'paid');

	INSERT INTO big SELECT generate_series(1, 2000);
`

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)

	return pool
}

func testDBSnapshot() *domain.SchemaSnapshot {
	snap := domain.NewSchemaSnapshot([]domain.Table{
		{Schema: "public", Name: "users", Columns: []domain.Column{
			{Name: "id", DataType: "bigint"},
			{Name: "name", DataType: "text"},
			{Name: "email", DataType: "text", Nullable: true},
			{Name: "created_at", DataType: "timestamp with time zone"},
		}},
		{Schema: "public", Name: "orders", Columns: []domain.Column{
			{Name: "id", DataType: "bigint"},
			{Name: "user_id", DataType: "bigint"},
			{Name: "total", DataType: "numeric"},
			{Name: "status", DataType: "text"},
		}},
		{Schema: "public", Name: "big", Columns: []domain.Column{
			{Name: "n", DataType: "bigint", Nullable: true},
		}},
	}, time.Now())
	snap.Version = 1
	return &snap
}

func vetted(t *testing.T, sql string, params map[string]any) *domain.AcceptedQuery {
	t.Helper()
	guard := domain.NewGuard(domain.DefaultGuardPolicy())
	verdict := guard.Vet(domain.QueryRequest{SQL: sql, Params: params}, testDBSnapshot())
	require.True(t, verdict.Allowed(), "vet rejected: %+v", verdict.Rejected)
	return verdict.Accepted
}

func TestExecute_SimpleSelect(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 100, QueryTimeout: 10 * time.Second})

	res, err := executor.Execute(context.Background(), vetted(t, "SELECT id, name FROM users ORDER BY id", nil))
	require.NoError(t, err)

	require.Len(t, res.Columns, 2)
	assert.Equal(t, "id", res.Columns[0].Name)
	assert.Equal(t, "int8", res.Columns[0].TypeName)
	assert.Equal(t, "name", res.Columns[1].Name)
	assert.Equal(t, "text", res.Columns[1].TypeName)

	assert.Equal(t, 5, res.RowCount)
	assert.False(t, res.Truncated)
	assert.Positive(t, res.Elapsed)
	assert.Equal(t, []any{int64(1), "ada"}, res.Rows[0])
}

func TestExecute_NamedParams(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 100, QueryTimeout: 10 * time.Second})

	q := vetted(t, "SELECT name FROM users WHERE id = :id", map[string]any{"id": 2})
	res, err := executor.Execute(context.Background(), q)
	require.NoError(t, err)

	require.Equal(t, 1, res.RowCount)
	assert.Equal(t, "bob", res.Rows[0][0])
}

func TestExecute_NullAndNumericValues(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 100, QueryTimeout: 10 * time.Second})

	q := vetted(t, "SELECT email FROM users WHERE name = :n", map[string]any{"n": "bob"})
	res, err := executor.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount)
	assert.Nil(t, res.Rows[0][0])

	// Numerics keep their exact decimal form as text.
	q = vetted(t, "SELECT total FROM orders WHERE status = :s ORDER BY id", map[string]any{"s": "open"})
	res, err = executor.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount)
	assert.Equal(t, "99.95", res.Rows[0][0])
}

func TestExecute_RowCeilingTruncates(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 3, QueryTimeout: 10 * time.Second})

	res, err := executor.Execute(context.Background(), vetted(t, "SELECT id FROM users ORDER BY id", nil))
	require.NoError(t, err)

	assert.Equal(t, 3, res.RowCount)
	assert.True(t, res.Truncated)
}

func TestExecute_ExactCeilingIsNotTruncated(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 5, QueryTimeout: 10 * time.Second})

	res, err := executor.Execute(context.Background(), vetted(t, "SELECT id FROM users", nil))
	require.NoError(t, err)

	assert.Equal(t, 5, res.RowCount)
	assert.False(t, res.Truncated)
}

func TestExecute_Timeout(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 10, QueryTimeout: time.Second})

	// A cartesian self-join over 2000 rows cubed cannot finish in a second.
	q := vetted(t, "SELECT count(*) FROM big a, big b, big c", nil)
	_, err := executor.Execute(context.Background(), q)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionTimeout)
}

func TestExecute_CancelledContext(t *testing.T) {
	pool := setupTestDB(t)
	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{MaxRows: 10, QueryTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Execute(ctx, vetted(t, "SELECT id FROM users", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
