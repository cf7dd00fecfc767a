package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

type callerKey struct{}

// WithCaller returns a context carrying the requesting agent's identity for
// run traces.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok {
		return v
	}
	return ""
}

// QueryOutcome is the result of one pipeline run. Rejection is set instead
// of rows when the guard refused the statement; both cases are normal,
// traceable outcomes rather than errors.
type QueryOutcome struct {
	RunID         string
	SchemaVersion uint64
	Rejection     *domain.Rejection

	Columns   []port.ResultColumn
	Rows      [][]any
	RowCount  int
	Truncated bool
	CacheHit  bool
	CacheKey  domain.CacheKey
	Elapsed   time.Duration
}

// PipelineDeps wires a pipeline. Cache and Recorder may be nil to disable
// caching or tracing; Tracer, Instr, and Logger fall back to no-ops.
type PipelineDeps struct {
	Guard    *domain.Guard
	Schemas  port.SchemaSource
	Executor port.QueryExecutor
	Cache    port.ResultCache
	Recorder port.RunRecorder
	Runs     port.RunStore
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Instr    port.Instrumentation

	// StalenessTolerance is how many schema versions behind the current one
	// a cached result may be and still be served. Zero means exact match.
	StalenessTolerance uint64
}

// Pipeline runs requests through guard, cache, executor, and trace in a
// fixed stage order. Stages within one run are sequential; concurrent runs
// are independent.
type Pipeline struct {
	guard     *domain.Guard
	schemas   port.SchemaSource
	executor  port.QueryExecutor
	cache     port.ResultCache
	recorder  port.RunRecorder
	runs      port.RunStore
	logger    *slog.Logger
	tracer    trace.Tracer
	inst      port.Instrumentation
	staleness uint64
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if deps.Instr == nil {
		deps.Instr = port.NoopInstrumentation{}
	}
	return &Pipeline{
		guard:     deps.Guard,
		schemas:   deps.Schemas,
		executor:  deps.Executor,
		cache:     deps.Cache,
		recorder:  deps.Recorder,
		runs:      deps.Runs,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		inst:      deps.Instr,
		staleness: deps.StalenessTolerance,
	}
}

// Query takes a request through the full pipeline. The returned error is
// reserved for infrastructure failures (timeout, connection loss,
// cancellation); guard rejections come back inside the outcome.
func (p *Pipeline) Query(ctx context.Context, req domain.QueryRequest) (*QueryOutcome, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	caller := req.Caller
	if caller == "" {
		caller = callerFromCtx(ctx)
	}

	ctx, span := p.tracer.Start(ctx, "Pipeline.Query",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "query"),
			attribute.String("db.statement", req.SQL),
			attribute.String("causeway.run_id", runID),
		),
	)
	defer span.End()

	p.begin(ctx, runID)
	p.record(ctx, runID, port.TraceEvent{Stage: port.StageReceived, SQL: req.SQL, Caller: caller})

	snap := p.schemas.Current()
	if snap == nil {
		p.seal(ctx, runID, port.RunFailed)
		span.SetStatus(codes.Error, domain.ErrNoSnapshot.Error())
		return nil, domain.ErrNoSnapshot
	}

	verdict := p.guard.Vet(req, snap)
	if !verdict.Allowed() {
		rej := verdict.Rejected
		p.inst.IncrementRejections(ctx, string(rej.Code))
		span.RecordError(rej)
		span.SetAttributes(attribute.String("causeway.reason_code", string(rej.Code)))
		p.logger.WarnContext(ctx, "query rejected",
			slog.String("run_id", runID),
			slog.String("reason_code", string(rej.Code)),
			slog.String("fragment", rej.Fragment),
		)
		p.record(ctx, runID, port.TraceEvent{
			Stage:      port.StageVerdict,
			Status:     "rejected",
			ReasonCode: string(rej.Code),
			Fragment:   rej.Fragment,
		})
		p.seal(ctx, runID, port.RunRejected)
		return &QueryOutcome{RunID: runID, SchemaVersion: snap.Version, Rejection: rej}, nil
	}

	accepted := verdict.Accepted
	p.record(ctx, runID, port.TraceEvent{
		Stage:         port.StageVerdict,
		Status:        "accepted",
		NormalizedSQL: accepted.SQL(),
		SchemaVersion: &snap.Version,
	})

	key := domain.Fingerprint(accepted.SQL(), req.Params, snap.Version)
	if entry, hitKey, ok := p.probeCache(ctx, accepted.SQL(), req.Params, snap, key); ok {
		p.inst.IncrementCacheHits(ctx)
		p.record(ctx, runID, port.TraceEvent{Stage: port.StageCache, CacheKey: string(hitKey), CacheHit: ptr(true)})
		p.record(ctx, runID, port.TraceEvent{
			Stage:     port.StageResult,
			RowCount:  ptr(entry.RowCount),
			Truncated: ptr(entry.Truncated),
			RowsHash:  runtrace.HashRows(entry.Columns, entry.Rows),
		})
		p.seal(ctx, runID, port.RunCompleted)
		span.SetAttributes(attribute.Int("db.response.rows", entry.RowCount), attribute.Bool("causeway.cache_hit", true))
		return &QueryOutcome{
			RunID:         runID,
			SchemaVersion: snap.Version,
			Columns:       entry.Columns,
			Rows:          entry.Rows,
			RowCount:      entry.RowCount,
			Truncated:     entry.Truncated,
			CacheHit:      true,
			CacheKey:      hitKey,
		}, nil
	}
	if p.cache != nil {
		p.inst.IncrementCacheMisses(ctx)
		p.record(ctx, runID, port.TraceEvent{Stage: port.StageCache, CacheKey: string(key), CacheHit: ptr(false)})
	}

	start := time.Now()
	res, err := p.executor.Execute(ctx, accepted)
	elapsedMS := time.Since(start).Milliseconds()
	p.inst.RecordQueryDuration(ctx, float64(elapsedMS))

	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.record(ctx, runID, port.TraceEvent{Stage: port.StageCancelled, ElapsedMS: elapsedMS})
			p.seal(ctx, runID, port.RunCancelled)
			return nil, err
		}
		p.inst.IncrementQueryErrors(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.record(ctx, runID, port.TraceEvent{
			Stage:     port.StageExecution,
			ElapsedMS: elapsedMS,
			Error:     err.Error(),
			ErrorKind: errorKind(err),
		})
		p.seal(ctx, runID, port.RunFailed)
		return nil, err
	}

	p.inst.IncrementQueryCount(ctx)
	p.record(ctx, runID, port.TraceEvent{
		Stage:     port.StageExecution,
		ElapsedMS: elapsedMS,
		RowCount:  ptr(res.RowCount),
		Truncated: ptr(res.Truncated),
	})

	if p.cache != nil {
		entry := &port.CacheEntry{
			Key:           key,
			SchemaVersion: snap.Version,
			NormalizedSQL: accepted.SQL(),
			CreatedAt:     time.Now().UTC(),
			RowCount:      res.RowCount,
			Truncated:     res.Truncated,
			Columns:       res.Columns,
			Rows:          res.Rows,
		}
		if err := p.cache.Put(ctx, entry); err != nil {
			// Degraded, not failed: the caller still gets the result.
			p.logger.WarnContext(ctx, "cache write failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}

	p.record(ctx, runID, port.TraceEvent{
		Stage:     port.StageResult,
		RowCount:  ptr(res.RowCount),
		Truncated: ptr(res.Truncated),
		RowsHash:  runtrace.HashRows(res.Columns, res.Rows),
	})
	p.seal(ctx, runID, port.RunCompleted)
	span.SetAttributes(attribute.Int("db.response.rows", res.RowCount))

	return &QueryOutcome{
		RunID:         runID,
		SchemaVersion: snap.Version,
		Columns:       res.Columns,
		Rows:          res.Rows,
		RowCount:      res.RowCount,
		Truncated:     res.Truncated,
		CacheKey:      key,
		Elapsed:       res.Elapsed,
	}, nil
}

// probeCache looks up the exact key first, then keys of retained snapshot
// versions inside the staleness tolerance.
func (p *Pipeline) probeCache(ctx context.Context, normalizedSQL string, params map[string]any, snap *domain.SchemaSnapshot, key domain.CacheKey) (*port.CacheEntry, domain.CacheKey, bool) {
	if p.cache == nil {
		return nil, "", false
	}
	if entry, ok := p.cache.Get(ctx, key); ok {
		return entry, key, true
	}
	for _, old := range p.schemas.Recent() {
		if old.Version >= snap.Version {
			continue
		}
		if snap.Version-old.Version > p.staleness {
			break
		}
		oldKey := domain.Fingerprint(normalizedSQL, params, old.Version)
		if entry, ok := p.cache.Get(ctx, oldKey); ok {
			return entry, oldKey, true
		}
	}
	return nil, "", false
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrConnection):
		return "connection"
	default:
		return "execution"
	}
}

func ptr[T any](v T) *T { return &v }

func (p *Pipeline) begin(ctx context.Context, runID string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Begin(runID); err != nil {
		p.logger.WarnContext(ctx, "trace begin failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) record(ctx context.Context, runID string, ev port.TraceEvent) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(runID, ev); err != nil {
		p.logger.WarnContext(ctx, "trace record failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) seal(ctx context.Context, runID string, status string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Seal(runID, status); err != nil {
		p.logger.WarnContext(ctx, "trace seal failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

// ListTables returns the relations of the current snapshot.
func (p *Pipeline) ListTables(_ context.Context) ([]domain.Table, uint64, error) {
	snap := p.schemas.Current()
	if snap == nil {
		return nil, 0, domain.ErrNoSnapshot
	}
	return snap.Tables, snap.Version, nil
}

// DescribeTable resolves one relation of the current snapshot. The schema
// qualifier may be empty when the name is unambiguous.
func (p *Pipeline) DescribeTable(_ context.Context, schema, name string) (domain.Table, uint64, error) {
	snap := p.schemas.Current()
	if snap == nil {
		return domain.Table{}, 0, domain.ErrNoSnapshot
	}
	table, ok := snap.Resolve(schema, name)
	if !ok {
		return domain.Table{}, snap.Version, fmt.Errorf("relation %q not found in schema snapshot (or name is ambiguous)", name)
	}
	return table, snap.Version, nil
}

// SchemaVersion returns the current snapshot's identity.
func (p *Pipeline) SchemaVersion(_ context.Context) (*domain.SchemaSnapshot, error) {
	snap := p.schemas.Current()
	if snap == nil {
		return nil, domain.ErrNoSnapshot
	}
	return snap, nil
}

// ListRuns summarizes recorded runs inside [from, to].
func (p *Pipeline) ListRuns(_ context.Context, from, to time.Time) ([]port.RunSummary, error) {
	if p.runs == nil {
		return nil, fmt.Errorf("run traces are disabled")
	}
	return p.runs.List(from, to)
}

// DiffRuns compares two recorded runs structurally.
func (p *Pipeline) DiffRuns(_ context.Context, runA, runB string) (*runtrace.Report, error) {
	if p.runs == nil {
		return nil, fmt.Errorf("run traces are disabled")
	}
	a, err := p.runs.Load(runA)
	if err != nil {
		return nil, err
	}
	b, err := p.runs.Load(runB)
	if err != nil {
		return nil, err
	}
	rep := runtrace.Diff(a, b)
	rep.RunA, rep.RunB = runA, runB
	return rep, nil
}
