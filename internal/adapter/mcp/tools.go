package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
	"github.com/causewaylabs/causeway/internal/core/service"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

// Server metadata
const serverName = "causeway"

// Tool descriptions
const (
	descQuery = "Execute a read-only SQL query against the database. " +
		"The statement is vetted before execution: it must be a single SELECT over known tables and columns, " +
		"using only allow-listed functions. Refused queries return a machine-readable reason code and the " +
		"offending fragment — fix the statement and retry. " +
		"Results come back as columns plus positional rows, with row_count, a truncated flag when the row " +
		"ceiling was hit, cache status, and the run id of the recorded trace. " +
		"Bind values with :name placeholders and pass them in params instead of splicing literals."

	descQuerySQL = "SQL to execute (a single SELECT statement; :name placeholders for parameters)"

	descQueryParams = "Named bind values for :name placeholders, e.g. {\"min_total\": 100}"

	descQueryCaller = "Identity of the calling agent, recorded in the run trace"

	descListTables = "List every table and view queryable through this server, with columns and types. " +
		"This is the source of truth: referencing anything not listed here gets the query refused. " +
		"The response carries the schema version — results are cached per version."

	descDescribeTable = "Describe one table from the current schema snapshot: columns with types and nullability. " +
		"Use this before writing queries against a table you have not seen. " +
		"Omit schema when the table name is unambiguous."

	descDescribeTableParam = "Name of the table to describe"

	descSchemaVersion = "Report the current schema snapshot: version, content hash, capture time, and table count. " +
		"The version changes only when the schema actually changes; cached results are keyed by it."

	descListRuns = "List recorded query runs, newest first, optionally bounded by a time range. " +
		"Every query through this server leaves a sealed run trace; use diff_runs to compare two of them."

	descListRunsFrom = "Earliest run start time to include (RFC 3339); unbounded when omitted"

	descListRunsTo = "Latest run start time to include (RFC 3339); unbounded when omitted"

	descDiffRuns = "Structurally compare two recorded runs stage by stage. " +
		"Two runs of the same query against the same schema version should be identical apart from timing; " +
		"any structural entry points at the first real divergence (verdict, cache status, row hash, error kind)."
)

// queryResponse is the wire shape of a successful query tool call.
type queryResponse struct {
	RunID         string              `json:"run_id"`
	SchemaVersion uint64              `json:"schema_version"`
	Columns       []port.ResultColumn `json:"columns"`
	Rows          [][]any             `json:"rows"`
	RowCount      int                 `json:"row_count"`
	Truncated     bool                `json:"truncated"`
	CacheHit      bool                `json:"cache_hit"`
	CacheKey      string              `json:"cache_key,omitempty"`
	ElapsedMS     int64               `json:"elapsed_ms"`
}

// rejectionResponse is the wire shape of a refused query. The reason code is
// a stable contract: callers key their retry logic on it.
type rejectionResponse struct {
	RunID         string            `json:"run_id"`
	SchemaVersion uint64            `json:"schema_version"`
	Rejected      *domain.Rejection `json:"rejected"`
}

type listTablesResponse struct {
	SchemaVersion uint64         `json:"schema_version"`
	Tables        []domain.Table `json:"tables"`
}

type describeTableResponse struct {
	SchemaVersion uint64       `json:"schema_version"`
	Table         domain.Table `json:"table"`
}

type schemaVersionResponse struct {
	Version     uint64    `json:"version"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
	TableCount  int       `json:"table_count"`
}

func RegisterTools(s *server.MCPServer, pipeline *service.Pipeline, logger *slog.Logger) {
	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription(descQuery),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description(descQuerySQL),
			),
			mcp.WithObject("params",
				mcp.Description(descQueryParams),
			),
			mcp.WithString("caller",
				mcp.Description(descQueryCaller),
			),
		),
		queryHandler(pipeline, logger),
	)

	s.AddTool(
		mcp.NewTool("list_tables",
			mcp.WithDescription(descListTables),
		),
		listTablesHandler(pipeline, logger),
	)

	s.AddTool(
		mcp.NewTool("describe_table",
			mcp.WithDescription(descDescribeTable),
			mcp.WithString("table_name",
				mcp.Required(),
				mcp.Description(descDescribeTableParam),
			),
			mcp.WithString("schema",
				mcp.Description("Schema name (optional, resolves automatically if omitted)"),
			),
		),
		describeTableHandler(pipeline, logger),
	)

	s.AddTool(
		mcp.NewTool("schema_version",
			mcp.WithDescription(descSchemaVersion),
		),
		schemaVersionHandler(pipeline, logger),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription(descListRuns),
			mcp.WithString("from",
				mcp.Description(descListRunsFrom),
			),
			mcp.WithString("to",
				mcp.Description(descListRunsTo),
			),
		),
		listRunsHandler(pipeline, logger),
	)

	s.AddTool(
		mcp.NewTool("diff_runs",
			mcp.WithDescription(descDiffRuns),
			mcp.WithString("run_a",
				mcp.Required(),
				mcp.Description("Run id of the first run"),
			),
			mcp.WithString("run_b",
				mcp.Required(),
				mcp.Description("Run id of the second run"),
			),
		),
		diffRunsHandler(pipeline, logger),
	)
}

func queryHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, ok := request.GetArguments()["sql"].(string)
		if !ok || sql == "" {
			return mcp.NewToolResultError("sql is required"), nil
		}

		params, _ := request.GetArguments()["params"].(map[string]any)
		caller, _ := request.GetArguments()["caller"].(string)

		out, err := pipeline.Query(ctx, domain.QueryRequest{SQL: sql, Params: params, Caller: caller})
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "query")), nil
		}

		if out.Rejection != nil {
			// The call itself failed, but the payload stays machine-readable:
			// reason code and fragment are what the caller retries on.
			return resultError(rejectionResponse{
				RunID:         out.RunID,
				SchemaVersion: out.SchemaVersion,
				Rejected:      out.Rejection,
			})
		}

		return resultJSON(queryResponse{
			RunID:         out.RunID,
			SchemaVersion: out.SchemaVersion,
			Columns:       out.Columns,
			Rows:          out.Rows,
			RowCount:      out.RowCount,
			Truncated:     out.Truncated,
			CacheHit:      out.CacheHit,
			CacheKey:      string(out.CacheKey),
			ElapsedMS:     out.Elapsed.Milliseconds(),
		})
	}
}

func listTablesHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tables, version, err := pipeline.ListTables(ctx)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "list tables")), nil
		}
		return resultJSON(listTablesResponse{SchemaVersion: version, Tables: tables})
	}
}

func describeTableHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tableName, ok := request.GetArguments()["table_name"].(string)
		if !ok || tableName == "" {
			return mcp.NewToolResultError("table_name is required"), nil
		}

		schema, _ := request.GetArguments()["schema"].(string)

		table, version, err := pipeline.DescribeTable(ctx, schema, tableName)
		if err != nil {
			if errors.Is(err, domain.ErrNoSnapshot) {
				return mcp.NewToolResultError(sanitizeError(logger, err, "describe table")), nil
			}
			// Unknown or ambiguous relation: the message itself is the answer.
			return mcp.NewToolResultError(err.Error()), nil
		}
		return resultJSON(describeTableResponse{SchemaVersion: version, Table: table})
	}
}

func schemaVersionHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := pipeline.SchemaVersion(ctx)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "schema version")), nil
		}
		return resultJSON(schemaVersionResponse{
			Version:     snap.Version,
			ContentHash: snap.ContentHash,
			CapturedAt:  snap.CapturedAt,
			TableCount:  len(snap.Tables),
		})
	}
}

func listRunsHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := timeArg(request, "from")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		to, err := timeArg(request, "to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		runs, err := pipeline.ListRuns(ctx, from, to)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "list runs")), nil
		}
		if runs == nil {
			runs = []port.RunSummary{}
		}
		return resultJSON(runs)
	}
}

func diffRunsHandler(pipeline *service.Pipeline, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runA, ok := request.GetArguments()["run_a"].(string)
		if !ok || runA == "" {
			return mcp.NewToolResultError("run_a is required"), nil
		}
		runB, ok := request.GetArguments()["run_b"].(string)
		if !ok || runB == "" {
			return mcp.NewToolResultError("run_b is required"), nil
		}

		report, err := pipeline.DiffRuns(ctx, runA, runB)
		if err != nil {
			if errors.Is(err, runtrace.ErrUnknownRun) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultError(sanitizeError(logger, err, "diff runs")), nil
		}
		return resultJSON(report)
	}
}

// timeArg parses an optional RFC 3339 argument; the zero time means unset.
func timeArg(request mcp.CallToolRequest, name string) (time.Time, error) {
	raw, ok := request.GetArguments()[name].(string)
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339, got %q", name, raw)
	}
	return ts, nil
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func resultError(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// sanitizeError maps infrastructure failures to stable, caller-safe
// messages. Anything unrecognized is logged server-side and reported
// generically so internals never leak through tool output.
func sanitizeError(logger *slog.Logger, err error, op string) string {
	switch {
	case errors.Is(err, domain.ErrNoSnapshot):
		return "schema snapshot not ready yet; retry shortly"
	case errors.Is(err, domain.ErrExecutionTimeout):
		return "query timed out; narrow the query or raise the timeout"
	case errors.Is(err, domain.ErrConnection):
		return "database connection error; retry shortly"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}

	logger.Error("tool call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return fmt.Sprintf("%s failed: internal error (check server logs)", op)
}
