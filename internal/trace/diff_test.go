package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewaylabs/causeway/internal/core/port"
)

func boolp(v bool) *bool    { return &v }
func intp(v int) *int       { return &v }
func u64p(v uint64) *uint64 { return &v }

func completedRun(id string, cacheHit bool, execMS int64) []port.TraceEvent {
	events := []port.TraceEvent{
		{RunID: id, Seq: 0, Stage: port.StageReceived, SQL: "SELECT id FROM users", Caller: "agent"},
		{RunID: id, Seq: 1, Stage: port.StageVerdict, Status: "accepted", NormalizedSQL: "SELECT id FROM users", SchemaVersion: u64p(4)},
		{RunID: id, Seq: 2, Stage: port.StageCache, CacheKey: "abc123", CacheHit: boolp(cacheHit)},
	}
	seq := 3
	if !cacheHit {
		events = append(events, port.TraceEvent{
			RunID: id, Seq: seq, Stage: port.StageExecution, ElapsedMS: execMS, RowCount: intp(2), Truncated: boolp(false),
		})
		seq++
	}
	events = append(events,
		port.TraceEvent{RunID: id, Seq: seq, Stage: port.StageResult, RowCount: intp(2), RowsHash: "feed"},
		port.TraceEvent{RunID: id, Seq: seq + 1, Stage: port.StageSealed, Status: port.RunCompleted},
	)
	return events
}

func TestDiff_IdenticalRunsDifferOnlyInTiming(t *testing.T) {
	t.Parallel()
	a := completedRun("a", false, 12)
	b := completedRun("b", false, 340)

	rep := Diff(a, b)
	assert.True(t, rep.Identical())
	assert.Empty(t, rep.FirstDivergence())
	require.Len(t, rep.Timing, 1)
	assert.Equal(t, port.StageExecution, rep.Timing[0].Stage)
	assert.Equal(t, int64(12), rep.Timing[0].AMillis)
	assert.Equal(t, int64(340), rep.Timing[0].BMillis)
}

func TestDiff_FieldDifference(t *testing.T) {
	t.Parallel()
	a := completedRun("a", false, 10)
	b := completedRun("b", false, 10)
	b[4].RowsHash = "beef"

	rep := Diff(a, b)
	require.False(t, rep.Identical())
	assert.Equal(t, "result/rows_hash", rep.FirstDivergence())
	require.Len(t, rep.Structural, 1)
	assert.Equal(t, "feed", rep.Structural[0].A)
	assert.Equal(t, "beef", rep.Structural[0].B)
}

func TestDiff_CacheHitSkipsExecutionStage(t *testing.T) {
	t.Parallel()
	miss := completedRun("a", false, 10)
	hit := completedRun("b", true, 0)

	rep := Diff(miss, hit)
	require.False(t, rep.Identical())
	assert.Equal(t, "cache/cache_hit", rep.FirstDivergence())

	// The runs also diverge in shape: the hit run has no execution event.
	var stageDiff bool
	for _, d := range rep.Structural {
		if d.Field == "stage" {
			stageDiff = true
		}
	}
	assert.True(t, stageDiff)
}

func TestDiff_UnsetFieldReportedAsEmpty(t *testing.T) {
	t.Parallel()
	a := []port.TraceEvent{{RunID: "a", Stage: port.StageResult, Truncated: boolp(false)}}
	b := []port.TraceEvent{{RunID: "b", Stage: port.StageResult}}

	rep := Diff(a, b)
	require.Len(t, rep.Structural, 1)
	assert.Equal(t, "truncated", rep.Structural[0].Field)
	assert.Equal(t, "false", rep.Structural[0].A)
	assert.Equal(t, "", rep.Structural[0].B)
}

func TestDiff_LongerRunProducesStageEntries(t *testing.T) {
	t.Parallel()
	a := completedRun("a", false, 10)
	rep := Diff(a, a[:2])
	require.False(t, rep.Identical())

	var missing int
	for _, d := range rep.Structural {
		if d.Field == "stage" && d.B == "" {
			missing++
		}
	}
	assert.Equal(t, len(a)-2, missing)
}

func TestDiff_EmptyInputs(t *testing.T) {
	t.Parallel()
	rep := Diff(nil, nil)
	assert.True(t, rep.Identical())
	assert.Empty(t, rep.Timing)
}

func TestHashRows_Deterministic(t *testing.T) {
	t.Parallel()
	cols := []port.ResultColumn{{Name: "id", TypeName: "int8"}, {Name: "name", TypeName: "text"}}
	rows := [][]any{{int64(1), "ada"}, {int64(2), "bob"}}

	assert.Equal(t, HashRows(cols, rows), HashRows(cols, rows))
}

func TestHashRows_SensitiveToRowOrder(t *testing.T) {
	t.Parallel()
	cols := []port.ResultColumn{{Name: "id", TypeName: "int8"}}
	a := HashRows(cols, [][]any{{int64(1)}, {int64(2)}})
	b := HashRows(cols, [][]any{{int64(2)}, {int64(1)}})
	assert.NotEqual(t, a, b)
}

func TestHashRows_SensitiveToColumnTypes(t *testing.T) {
	t.Parallel()
	rows := [][]any{{int64(1)}}
	a := HashRows([]port.ResultColumn{{Name: "id", TypeName: "int8"}}, rows)
	b := HashRows([]port.ResultColumn{{Name: "id", TypeName: "int4"}}, rows)
	assert.NotEqual(t, a, b)
}
