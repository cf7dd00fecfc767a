package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
	"github.com/causewaylabs/causeway/internal/core/service"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

// --- stubs ---

type stubSchemas struct {
	cur *domain.SchemaSnapshot
}

func (s *stubSchemas) Current() *domain.SchemaSnapshot { return s.cur }

func (s *stubSchemas) Recent() []*domain.SchemaSnapshot {
	if s.cur == nil {
		return nil
	}
	return []*domain.SchemaSnapshot{s.cur}
}

type stubExecutor struct {
	result   *port.ExecutionResult
	err      error
	lastSQL  string
	lastArgs []any
}

func (m *stubExecutor) Execute(_ context.Context, q *domain.AcceptedQuery) (*port.ExecutionResult, error) {
	m.lastSQL = q.SQL()
	m.lastArgs = q.Args()
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// --- helpers ---

func testSnapshot() *domain.SchemaSnapshot {
	snap := domain.NewSchemaSnapshot([]domain.Table{
		{Schema: "public", Name: "users", Columns: []domain.Column{
			{Name: "id", DataType: "bigint"},
			{Name: "name", DataType: "text"},
		}},
	}, time.Now())
	snap.Version = 1
	return &snap
}

func defaultExecutor() *stubExecutor {
	return &stubExecutor{result: &port.ExecutionResult{
		Columns:  []port.ResultColumn{{Name: "id", TypeName: "int8"}, {Name: "name", TypeName: "text"}},
		Rows:     [][]any{{int64(1), "ada"}},
		RowCount: 1,
		Elapsed:  3 * time.Millisecond,
	}}
}

func setupServer(t *testing.T, deps service.PipelineDeps) *server.MCPServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if deps.Guard == nil {
		deps.Guard = domain.NewGuard(domain.DefaultGuardPolicy())
	}
	if deps.Schemas == nil {
		deps.Schemas = &stubSchemas{cur: testSnapshot()}
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	s := server.NewMCPServer("test", "0.1.0", server.WithToolCapabilities(true))
	RegisterTools(s, service.NewPipeline(deps), logger)
	return s
}

var sessionCounter atomic.Int64

func callTool(t *testing.T, s *server.MCPServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	// Unique session per call: re-registering an id on the same server fails.
	session := server.NewInProcessSession(fmt.Sprintf("test-%d", sessionCounter.Add(1)), nil)
	require.NoError(t, s.RegisterSession(ctx, session))
	sessionCtx := s.WithContext(ctx, session)

	// Initialize session.
	initBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
		},
	})
	s.HandleMessage(sessionCtx, initBytes)

	// Call tool.
	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "call-1", "method": "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	resp := s.HandleMessage(sessionCtx, reqBytes)
	respBytes, _ := json.Marshal(resp)

	var rpc struct {
		Result *mcp.CallToolResult       `json:"result"`
		Error  *struct{ Message string } `json:"error,omitempty"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))
	require.Nil(t, rpc.Error, "unexpected RPC error: %v", rpc.Error)
	require.NotNil(t, rpc.Result)
	return rpc.Result
}

func toolText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return ""
	}
	return tc.Text
}

// --- query tests ---

func TestQuery_HappyPath(t *testing.T) {
	executor := defaultExecutor()
	s := setupServer(t, service.PipelineDeps{Executor: executor})

	result := callTool(t, s, "query", map[string]any{"sql": "SELECT id, name FROM users"})
	require.False(t, result.IsError, toolText(result))

	var resp queryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, uint64(1), resp.SchemaVersion)
	assert.Equal(t, 1, resp.RowCount)
	assert.False(t, resp.CacheHit)
	assert.Len(t, resp.Columns, 2)
	assert.Equal(t, "ada", resp.Rows[0][1])
}

func TestQuery_MissingSQL(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "query", map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "sql is required")
}

func TestQuery_RejectionIsMachineReadable(t *testing.T) {
	executor := defaultExecutor()
	s := setupServer(t, service.PipelineDeps{Executor: executor})

	result := callTool(t, s, "query", map[string]any{"sql": "DELETE FROM users"})
	assert.True(t, result.IsError)

	var resp rejectionResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	require.NotNil(t, resp.Rejected)
	assert.Equal(t, domain.ReasonForbiddenVerb, resp.Rejected.Code)
	assert.NotEmpty(t, resp.RunID)
	assert.Empty(t, executor.lastSQL, "rejected query must not reach the executor")
}

func TestQuery_UnknownTableRejection(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "query", map[string]any{"sql": "SELECT id FROM ghosts"})
	assert.True(t, result.IsError)

	var resp rejectionResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	require.NotNil(t, resp.Rejected)
	assert.Equal(t, domain.ReasonUnknownTable, resp.Rejected.Code)
	assert.Contains(t, resp.Rejected.Fragment, "ghosts")
}

func TestQuery_NamedParamsAreBound(t *testing.T) {
	executor := defaultExecutor()
	s := setupServer(t, service.PipelineDeps{Executor: executor})

	result := callTool(t, s, "query", map[string]any{
		"sql":    "SELECT id FROM users WHERE id > :min",
		"params": map[string]any{"min": 1},
	})
	require.False(t, result.IsError, toolText(result))

	assert.Contains(t, executor.lastSQL, "$1")
	require.Len(t, executor.lastArgs, 1)
	assert.Equal(t, float64(1), executor.lastArgs[0])
}

func TestQuery_TimeoutIsSanitized(t *testing.T) {
	executor := &stubExecutor{err: fmt.Errorf("executing query: %w after 30s", domain.ErrExecutionTimeout)}
	s := setupServer(t, service.PipelineDeps{Executor: executor})

	result := callTool(t, s, "query", map[string]any{"sql": "SELECT id FROM users"})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "timed out")
	assert.NotContains(t, toolText(result), "executing query")
}

// --- schema tools tests ---

func TestListTables(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "list_tables", nil)
	require.False(t, result.IsError, toolText(result))

	var resp listTablesResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.Equal(t, uint64(1), resp.SchemaVersion)
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "users", resp.Tables[0].Name)
	assert.Len(t, resp.Tables[0].Columns, 2)
}

func TestListTables_NoSnapshot(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{
		Executor: defaultExecutor(),
		Schemas:  &stubSchemas{},
	})

	result := callTool(t, s, "list_tables", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "snapshot not ready")
}

func TestDescribeTable(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "describe_table", map[string]any{"table_name": "users"})
	require.False(t, result.IsError, toolText(result))

	var resp describeTableResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.Equal(t, "users", resp.Table.Name)
	assert.Equal(t, "bigint", resp.Table.Columns[0].DataType)
}

func TestDescribeTable_MissingTableName(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "describe_table", map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "table_name is required")
}

func TestDescribeTable_Unknown(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "describe_table", map[string]any{"table_name": "ghosts"})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "not found")
}

func TestSchemaVersion(t *testing.T) {
	s := setupServer(t, service.PipelineDeps{Executor: defaultExecutor()})

	result := callTool(t, s, "schema_version", nil)
	require.False(t, result.IsError, toolText(result))

	var resp schemaVersionResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.Equal(t, uint64(1), resp.Version)
	assert.NotEmpty(t, resp.ContentHash)
	assert.Equal(t, 1, resp.TableCount)
}

// --- trace tools tests ---

func traceServer(t *testing.T) *server.MCPServer {
	t.Helper()
	dir := t.TempDir()
	rec, err := runtrace.NewRecorder(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	return setupServer(t, service.PipelineDeps{
		Executor: defaultExecutor(),
		Recorder: rec,
		Runs:     runtrace.NewStore(dir),
	})
}

func TestListRunsAndDiffRuns(t *testing.T) {
	s := traceServer(t)

	first := callTool(t, s, "query", map[string]any{"sql": "SELECT id FROM users"})
	require.False(t, first.IsError, toolText(first))
	second := callTool(t, s, "query", map[string]any{"sql": "SELECT id FROM users"})
	require.False(t, second.IsError, toolText(second))

	var a, b queryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(first)), &a))
	require.NoError(t, json.Unmarshal([]byte(toolText(second)), &b))

	listResult := callTool(t, s, "list_runs", nil)
	require.False(t, listResult.IsError, toolText(listResult))

	var runs []port.RunSummary
	require.NoError(t, json.Unmarshal([]byte(toolText(listResult)), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "completed", runs[0].Status)

	diffResult := callTool(t, s, "diff_runs", map[string]any{"run_a": a.RunID, "run_b": b.RunID})
	require.False(t, diffResult.IsError, toolText(diffResult))

	var report runtrace.Report
	require.NoError(t, json.Unmarshal([]byte(toolText(diffResult)), &report))
	assert.Empty(t, report.Structural, "same query, same schema: no structural divergence")
}

func TestListRuns_BadTimeRange(t *testing.T) {
	s := traceServer(t)

	result := callTool(t, s, "list_runs", map[string]any{"from": "yesterday"})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "RFC 3339")
}

func TestDiffRuns_UnknownRun(t *testing.T) {
	s := traceServer(t)

	result := callTool(t, s, "diff_runs", map[string]any{"run_a": "nope-a", "run_b": "nope-b"})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "unknown run")
}

func TestDiffRuns_MissingArgs(t *testing.T) {
	s := traceServer(t)

	result := callTool(t, s, "diff_runs", map[string]any{"run_a": "only-one"})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "run_b is required")
}

// --- sanitizeError tests ---

func TestSanitizeError_StableKinds(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"no snapshot", domain.ErrNoSnapshot, "snapshot not ready"},
		{"timeout", fmt.Errorf("wrapped: %w", domain.ErrExecutionTimeout), "timed out"},
		{"connection", fmt.Errorf("wrapped: %w", domain.ErrConnection), "connection error"},
		{"cancelled", context.Canceled, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := sanitizeError(logger, tt.err, "query")
			assert.Contains(t, msg, tt.contains)
		})
	}
}

func TestSanitizeError_Generic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	msg := sanitizeError(logger, fmt.Errorf("unexpected pg error: relation OID 12345"), "query")
	assert.Contains(t, msg, "internal error")
	assert.Contains(t, msg, "check server logs")
	assert.NotContains(t, msg, "OID")
}
