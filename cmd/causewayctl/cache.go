package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/causewaylabs/causeway/internal/cache"
	"github.com/causewaylabs/causeway/internal/core/domain"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the on-disk result cache",
	}
	cmd.AddCommand(newCacheListCmd(opts))
	cmd.AddCommand(newCacheClearCmd(opts))
	cmd.AddCommand(newCacheQueryCmd(opts))
	return cmd
}

// openCacheStore opens the cache with no ceilings so inspection never
// evicts anything.
func openCacheStore(dir string) (*cache.Store, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return cache.Open(cache.Options{Dir: dir, Logger: logger})
}

func newCacheListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached result sets, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCacheStore(opts.cacheDir)
			if err != nil {
				return err
			}
			entries := store.Entries()
			stats := store.Stats()

			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"entries": entries,
					"stats":   stats,
				})
			}

			if len(entries) == 0 {
				pterm.Printfln("cache at %s is empty", opts.cacheDir)
				return nil
			}
			data := pterm.TableData{{"KEY", "SCHEMA VERSION", "CREATED", "SIZE"}}
			for _, e := range entries {
				data = append(data, []string{
					string(e.Key),
					fmt.Sprintf("%d", e.SchemaVersion),
					e.CreatedAt.Local().Format(time.RFC3339),
					humanBytes(e.SizeBytes),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Printfln("%d entries, %s total", stats.Entries, humanBytes(stats.SizeBytes))
			return nil
		},
	}
}

func newCacheClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached result set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCacheStore(opts.cacheDir)
			if err != nil {
				return err
			}
			n, err := store.Clear()
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
			}
			pterm.Printfln("removed %d cache entries from %s", n, opts.cacheDir)
			return nil
		},
	}
}

func newCacheQueryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <key> [sql]",
		Short: "Query one cached result set with DuckDB",
		Long: `query loads a cached parquet file into an in-memory DuckDB instance and
runs SQL over it. The entry is exposed as a view named "cached"; without
an explicit statement the whole entry is selected.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !isHexKey(key) {
				return fmt.Errorf("invalid cache key %q", key)
			}
			stmt := "SELECT * FROM cached"
			if len(args) == 2 {
				stmt = stripTrailingSemicolons(args[1])
				if stmt == "" {
					return fmt.Errorf("sql is required")
				}
			}

			path := cache.EntryFile(opts.cacheDir, domain.CacheKey(key))
			if _, err := os.Stat(path); err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no cache entry %s in %s", key, opts.cacheDir)
				}
				return err
			}

			db, err := sql.Open("duckdb", "")
			if err != nil {
				return fmt.Errorf("open duckdb: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW cached AS SELECT * FROM read_parquet(%s)`, quoteString(path))
			if _, err := db.ExecContext(ctx, viewSQL); err != nil {
				return fmt.Errorf("load cache entry: %w", err)
			}

			rows, err := db.QueryContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("execute query: %w", err)
			}
			defer rows.Close()

			columns, err := rows.Columns()
			if err != nil {
				return fmt.Errorf("query columns: %w", err)
			}

			resultRows := make([][]any, 0)
			for rows.Next() {
				values := make([]any, len(columns))
				scanTargets := make([]any, len(columns))
				for i := range values {
					scanTargets[i] = &values[i]
				}
				if err := rows.Scan(scanTargets...); err != nil {
					return fmt.Errorf("scan row: %w", err)
				}
				resultRows = append(resultRows, normalizeValues(values))
			}
			if err := rows.Err(); err != nil {
				return fmt.Errorf("iterate rows: %w", err)
			}

			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"columns": columns,
					"rows":    resultRows,
				})
			}

			data := pterm.TableData{columns}
			for _, row := range resultRows {
				cells := make([]string, len(row))
				for i, v := range row {
					cells[i] = formatCell(v)
				}
				data = append(data, cells)
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Printfln("%d rows", len(resultRows))
			return nil
		},
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// isHexKey reports whether key looks like a cache fingerprint. Keys name
// files directly, so anything else is refused before touching the disk.
func isHexKey(key string) bool {
	if len(key) < 16 {
		return false
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
