package trace

import (
	"fmt"
	"strconv"

	"github.com/causewaylabs/causeway/internal/core/port"
)

// DiffEntry is one structural difference between two runs. A and B hold the
// canonical field values, empty when the field was not recorded on that side.
type DiffEntry struct {
	Seq   int             `json:"seq"`
	Stage port.TraceStage `json:"stage"`
	Field string          `json:"field"`
	A     string          `json:"a"`
	B     string          `json:"b"`
}

// TimingDelta reports elapsed time for one stage present in both runs.
type TimingDelta struct {
	Stage   port.TraceStage `json:"stage"`
	AMillis int64           `json:"a_ms"`
	BMillis int64           `json:"b_ms"`
}

// Report separates what differs in substance from what differs only in
// timing. Two runs of the same query are expected to produce an identical
// structural view even when their durations vary.
type Report struct {
	RunA       string        `json:"run_a"`
	RunB       string        `json:"run_b"`
	Structural []DiffEntry   `json:"structural,omitempty"`
	Timing     []TimingDelta `json:"timing,omitempty"`
}

// Identical reports whether the runs differ only in timing.
func (r *Report) Identical() bool { return len(r.Structural) == 0 }

// FirstDivergence names the stage and field where the runs first part ways.
func (r *Report) FirstDivergence() string {
	if len(r.Structural) == 0 {
		return ""
	}
	d := r.Structural[0]
	return fmt.Sprintf("%s/%s", d.Stage, d.Field)
}

// Diff compares two event sequences position by position. Sequence numbers,
// timestamps, run ids, and stage durations are excluded from the structural
// comparison; durations are reported separately.
func Diff(a, b []port.TraceEvent) *Report {
	rep := &Report{}
	if len(a) > 0 {
		rep.RunA = a[0].RunID
	}
	if len(b) > 0 {
		rep.RunB = b[0].RunID
	}

	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a):
			rep.Structural = append(rep.Structural, DiffEntry{Seq: i, Stage: b[i].Stage, Field: "stage", B: string(b[i].Stage)})
		case i >= len(b):
			rep.Structural = append(rep.Structural, DiffEntry{Seq: i, Stage: a[i].Stage, Field: "stage", A: string(a[i].Stage)})
		case a[i].Stage != b[i].Stage:
			rep.Structural = append(rep.Structural, DiffEntry{Seq: i, Stage: a[i].Stage, Field: "stage", A: string(a[i].Stage), B: string(b[i].Stage)})
		default:
			rep.Structural = append(rep.Structural, fieldDiffs(i, a[i], b[i])...)
			if a[i].ElapsedMS != 0 || b[i].ElapsedMS != 0 {
				rep.Timing = append(rep.Timing, TimingDelta{Stage: a[i].Stage, AMillis: a[i].ElapsedMS, BMillis: b[i].ElapsedMS})
			}
		}
	}
	return rep
}

var comparedFields = []struct {
	name string
	get  func(ev port.TraceEvent) string
}{
	{"sql", func(ev port.TraceEvent) string { return ev.SQL }},
	{"caller", func(ev port.TraceEvent) string { return ev.Caller }},
	{"status", func(ev port.TraceEvent) string { return ev.Status }},
	{"reason_code", func(ev port.TraceEvent) string { return ev.ReasonCode }},
	{"fragment", func(ev port.TraceEvent) string { return ev.Fragment }},
	{"normalized_sql", func(ev port.TraceEvent) string { return ev.NormalizedSQL }},
	{"schema_version", func(ev port.TraceEvent) string {
		if ev.SchemaVersion == nil {
			return ""
		}
		return strconv.FormatUint(*ev.SchemaVersion, 10)
	}},
	{"cache_key", func(ev port.TraceEvent) string { return ev.CacheKey }},
	{"cache_hit", func(ev port.TraceEvent) string {
		if ev.CacheHit == nil {
			return ""
		}
		return strconv.FormatBool(*ev.CacheHit)
	}},
	{"row_count", func(ev port.TraceEvent) string {
		if ev.RowCount == nil {
			return ""
		}
		return strconv.Itoa(*ev.RowCount)
	}},
	{"truncated", func(ev port.TraceEvent) string {
		if ev.Truncated == nil {
			return ""
		}
		return strconv.FormatBool(*ev.Truncated)
	}},
	{"rows_hash", func(ev port.TraceEvent) string { return ev.RowsHash }},
	{"error_kind", func(ev port.TraceEvent) string { return ev.ErrorKind }},
}

func fieldDiffs(seq int, a, b port.TraceEvent) []DiffEntry {
	var diffs []DiffEntry
	for _, f := range comparedFields {
		av, bv := f.get(a), f.get(b)
		if av != bv {
			diffs = append(diffs, DiffEntry{Seq: seq, Stage: a.Stage, Field: f.name, A: av, B: bv})
		}
	}
	return diffs
}
