package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewaylabs/causeway/internal/core/port"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

func boolp(v bool) *bool    { return &v }
func intp(v int) *int       { return &v }
func u64p(v uint64) *uint64 { return &v }

// seedTraceDir records three runs with controlled start times: a completed
// cache miss, a completed cache hit an hour later, and a rejected run an
// hour after that.
func seedTraceDir(t *testing.T) (dir string, base time.Time) {
	t.Helper()
	dir = t.TempDir()
	base = time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)

	rec, err := runtrace.NewRecorder(dir)
	require.NoError(t, err)
	defer rec.Close()

	record := func(id string, events []port.TraceEvent, status string) {
		require.NoError(t, rec.Begin(id))
		for _, ev := range events {
			require.NoError(t, rec.Record(id, ev))
		}
		require.NoError(t, rec.Seal(id, status))
	}

	record("run-miss", []port.TraceEvent{
		{Stage: port.StageReceived, At: base, SQL: "SELECT id, name FROM users", Caller: "agent"},
		{Stage: port.StageVerdict, At: base, Status: "accepted", NormalizedSQL: "SELECT id, name FROM users", SchemaVersion: u64p(3)},
		{Stage: port.StageCache, At: base, CacheKey: "abc123def4567890", CacheHit: boolp(false)},
		{Stage: port.StageExecution, At: base, ElapsedMS: 12, RowCount: intp(2), Truncated: boolp(false)},
		{Stage: port.StageResult, At: base, RowCount: intp(2), RowsHash: "feed"},
	}, port.RunCompleted)

	record("run-hit", []port.TraceEvent{
		{Stage: port.StageReceived, At: base.Add(time.Hour), SQL: "SELECT id, name FROM users", Caller: "agent"},
		{Stage: port.StageVerdict, At: base.Add(time.Hour), Status: "accepted", NormalizedSQL: "SELECT id, name FROM users", SchemaVersion: u64p(3)},
		{Stage: port.StageCache, At: base.Add(time.Hour), CacheKey: "abc123def4567890", CacheHit: boolp(true)},
		{Stage: port.StageResult, At: base.Add(time.Hour), RowCount: intp(2), RowsHash: "feed"},
	}, port.RunCompleted)

	record("run-rejected", []port.TraceEvent{
		{Stage: port.StageReceived, At: base.Add(2 * time.Hour), SQL: "DELETE FROM users", Caller: "agent"},
		{Stage: port.StageVerdict, At: base.Add(2 * time.Hour), Status: "rejected", ReasonCode: "FORBIDDEN_VERB", Fragment: "DELETE"},
	}, port.RunRejected)

	return dir, base
}

func TestTraceList(t *testing.T) {
	dir, _ := seedTraceDir(t)

	out, err := runCtl(t, "trace", "list", "--trace-dir", dir, "-o", "json")
	require.NoError(t, err)

	var runs []port.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 3)

	// Newest first.
	assert.Equal(t, "run-rejected", runs[0].RunID)
	assert.Equal(t, "run-hit", runs[1].RunID)
	assert.Equal(t, "run-miss", runs[2].RunID)

	assert.Equal(t, port.RunRejected, runs[0].Status)
	assert.Equal(t, port.RunCompleted, runs[2].Status)
	assert.Equal(t, "SELECT id, name FROM users", runs[2].SQL)
}

func TestTraceList_FromFilter(t *testing.T) {
	dir, base := seedTraceDir(t)
	from := base.Add(30 * time.Minute).Format(time.RFC3339)

	out, err := runCtl(t, "trace", "list", "--trace-dir", dir, "--from", from, "-o", "json")
	require.NoError(t, err)

	var runs []port.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run-rejected", runs[0].RunID)
	assert.Equal(t, "run-hit", runs[1].RunID)
}

func TestTraceList_RejectsBadTime(t *testing.T) {
	_, err := runCtl(t, "trace", "list", "--trace-dir", t.TempDir(), "--from", "yesterday", "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --from time")
}

func TestTraceList_EmptyDir(t *testing.T) {
	out, err := runCtl(t, "trace", "list", "--trace-dir", t.TempDir(), "-o", "json")
	require.NoError(t, err)

	var runs []port.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)
}

func TestTraceShow(t *testing.T) {
	dir, _ := seedTraceDir(t)

	out, err := runCtl(t, "trace", "show", "run-miss", "--trace-dir", dir, "-o", "json")
	require.NoError(t, err)

	var events []port.TraceEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 6)

	wantStages := []port.TraceStage{
		port.StageReceived, port.StageVerdict, port.StageCache,
		port.StageExecution, port.StageResult, port.StageSealed,
	}
	for i, ev := range events {
		assert.Equal(t, wantStages[i], ev.Stage)
		assert.Equal(t, i, ev.Seq)
		assert.Equal(t, "run-miss", ev.RunID)
	}
}

func TestTraceShow_UnknownRun(t *testing.T) {
	_, err := runCtl(t, "trace", "show", "run-nope", "--trace-dir", t.TempDir(), "-o", "json")
	require.Error(t, err)
	assert.ErrorIs(t, err, runtrace.ErrUnknownRun)
}

func TestTraceDiff_MissVersusHit(t *testing.T) {
	dir, _ := seedTraceDir(t)

	out, err := runCtl(t, "trace", "diff", "run-miss", "run-hit", "--trace-dir", dir, "-o", "json")
	require.NoError(t, err)

	var rep runtrace.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "run-miss", rep.RunA)
	assert.Equal(t, "run-hit", rep.RunB)
	require.False(t, rep.Identical())
	assert.Equal(t, "cache/cache_hit", rep.FirstDivergence())
}

func TestTraceDiff_SameRunIsIdentical(t *testing.T) {
	dir, _ := seedTraceDir(t)

	out, err := runCtl(t, "trace", "diff", "run-miss", "run-miss", "--trace-dir", dir, "-o", "json")
	require.NoError(t, err)

	var rep runtrace.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Identical())
}

func TestTraceDiff_UnknownRun(t *testing.T) {
	dir, _ := seedTraceDir(t)

	_, err := runCtl(t, "trace", "diff", "run-miss", "run-nope", "--trace-dir", dir, "-o", "json")
	require.Error(t, err)
	assert.ErrorIs(t, err, runtrace.ErrUnknownRun)
}

func TestEventDetail(t *testing.T) {
	detail := eventDetail(port.TraceEvent{
		Stage:      port.StageVerdict,
		Status:     "rejected",
		ReasonCode: "FORBIDDEN_VERB",
		Fragment:   "DELETE",
	})
	assert.Contains(t, detail, "status=rejected")
	assert.Contains(t, detail, "reason=FORBIDDEN_VERB")
	assert.Contains(t, detail, `fragment="DELETE"`)
}
