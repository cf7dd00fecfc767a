package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
)

// SQLSTATE codes the executor maps to stable error kinds.
const (
	sqlstateQueryCanceled = "57014"
	sqlstateClassConn     = "08"
)

// ExecutorOptions bound a single execution.
type ExecutorOptions struct {
	MaxRows       int
	QueryTimeout  time.Duration
	MaxConcurrent int64
}

// Executor runs vetted queries inside read-only transactions under a row
// ceiling, a statement timeout, and a cap on concurrent executions.
type Executor struct {
	pool    *pgxpool.Pool
	maxRows int
	timeout time.Duration
	sem     *semaphore.Weighted
}

func NewExecutor(pool *pgxpool.Pool, opts ExecutorOptions) *Executor {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 1000
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	return &Executor{
		pool:    pool,
		maxRows: opts.MaxRows,
		timeout: opts.QueryTimeout,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

func (e *Executor) Execute(ctx context.Context, q *domain.AcceptedQuery) (*port.ExecutionResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("awaiting execution slot: %w", err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Ask for one row beyond the ceiling so truncation is detectable
	// without a second round trip.
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", q.SQL(), e.maxRows+1)

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, e.mapErr(ctx, err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Enforce the timeout at the database level too, so PostgreSQL cancels
	// the query server-side even if the Go context dies first. SET LOCAL
	// scopes to this transaction only.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%d'", e.timeout.Milliseconds())); err != nil {
		return nil, e.mapErr(ctx, err, "setting statement timeout")
	}

	rows, err := tx.Query(ctx, wrapped, q.Args()...)
	if err != nil {
		return nil, e.mapErr(ctx, err, "executing query")
	}

	cols, data, truncated, err := collectRows(rows, e.maxRows)
	if err != nil {
		return nil, e.mapErr(ctx, err, "reading rows")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, e.mapErr(ctx, err, "committing transaction")
	}

	return &port.ExecutionResult{
		Columns:   cols,
		Rows:      data,
		RowCount:  len(data),
		Truncated: truncated,
		Elapsed:   time.Since(start),
	}, nil
}

func (e *Executor) mapErr(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", op, domain.ErrExecutionTimeout, e.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlstateQueryCanceled {
			return fmt.Errorf("%s: %w after %s", op, domain.ErrExecutionTimeout, e.timeout)
		}
		if strings.HasPrefix(pgErr.Code, sqlstateClassConn) {
			return fmt.Errorf("%s: %w: %s", op, domain.ErrConnection, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrConnection, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
