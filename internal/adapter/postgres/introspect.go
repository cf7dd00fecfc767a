package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/causewaylabs/causeway/internal/core/domain"
)

const introspectParallelism = 4

// Introspector reads table and column definitions for snapshot publication.
type Introspector struct {
	pool *pgxpool.Pool
}

func NewIntrospector(pool *pgxpool.Pool) *Introspector {
	return &Introspector{pool: pool}
}

// Introspect lists every base table and view in the requested schemas (all
// non-system schemas when none are given), with columns in ordinal order.
func (in *Introspector) Introspect(ctx context.Context, schemas []string) ([]domain.Table, error) {
	clause, args := schemaFilter(schemas, "t.table_schema", 1)
	rows, err := in.pool.Query(ctx, fmt.Sprintf(queryListTables, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	type ref struct{ schema, name string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.schema, &r.name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table row: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tables: %w", err)
	}

	tables := make([]domain.Table, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(introspectParallelism)
	for i, r := range refs {
		g.Go(func() error {
			cols, err := in.columns(gctx, r.schema, r.name)
			if err != nil {
				return err
			}
			tables[i] = domain.Table{Schema: r.schema, Name: r.name, Columns: cols}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (in *Introspector) columns(ctx context.Context, schema, table string) ([]domain.Column, error) {
	rows, err := in.pool.Query(ctx, queryColumns, schema, table)
	if err != nil {
		return nil, fmt.Errorf("listing columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable); err != nil {
			return nil, fmt.Errorf("scanning column row: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns for %s.%s: %w", schema, table, err)
	}
	return cols, nil
}
