package port

import "time"

// TraceStage names one step of a pipeline run.
type TraceStage string

const (
	StageReceived  TraceStage = "received"
	StageVerdict   TraceStage = "verdict"
	StageCache     TraceStage = "cache"
	StageExecution TraceStage = "execution"
	StageResult    TraceStage = "result"
	StageCancelled TraceStage = "cancelled"
	StageSealed    TraceStage = "sealed"
)

// Run outcomes recorded on the sealed event.
const (
	RunCompleted = "completed"
	RunRejected  = "rejected"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// TraceEvent is one recorded step of one run. Seq is assigned by the
// recorder and is strictly increasing within a run. Only the fields that
// belong to the event's stage are populated; pointer fields distinguish
// "not recorded" from a zero value so traces stay diffable.
type TraceEvent struct {
	RunID     string     `json:"run_id"`
	Seq       int        `json:"seq"`
	Stage     TraceStage `json:"stage"`
	At        time.Time  `json:"at"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`

	SQL    string `json:"sql,omitempty"`
	Caller string `json:"caller,omitempty"`

	Status        string  `json:"status,omitempty"`
	ReasonCode    string  `json:"reason_code,omitempty"`
	Fragment      string  `json:"fragment,omitempty"`
	NormalizedSQL string  `json:"normalized_sql,omitempty"`
	SchemaVersion *uint64 `json:"schema_version,omitempty"`

	CacheKey string `json:"cache_key,omitempty"`
	CacheHit *bool  `json:"cache_hit,omitempty"`

	RowCount  *int   `json:"row_count,omitempty"`
	Truncated *bool  `json:"truncated,omitempty"`
	RowsHash  string `json:"rows_hash,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// RunSummary is the listing view of a recorded run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Caller    string    `json:"caller,omitempty"`
	SQL       string    `json:"sql,omitempty"`
}

// RunRecorder captures the ordered events of pipeline runs. Implementations
// must reject events for a sealed run.
type RunRecorder interface {
	Begin(runID string) error
	Record(runID string, ev TraceEvent) error
	Seal(runID string, status string) error
	Close() error
}

// RunStore reads back recorded runs.
type RunStore interface {
	Load(runID string) ([]TraceEvent, error)
	List(from, to time.Time) ([]RunSummary, error)
}
