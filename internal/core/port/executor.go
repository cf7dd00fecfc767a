package port

import (
	"context"
	"time"

	"github.com/causewaylabs/causeway/internal/core/domain"
)

// ResultColumn describes one column of an execution result.
type ResultColumn struct {
	Name     string `json:"name"`
	TypeName string `json:"type"`
}

// ExecutionResult is the bounded outcome of running a vetted query.
// Truncated means the row ceiling cut the result short; the rows present
// are still valid.
type ExecutionResult struct {
	Columns   []ResultColumn
	Rows      [][]any
	RowCount  int
	Truncated bool
	Elapsed   time.Duration
}

// QueryExecutor runs vetted queries under the configured limits. It takes
// *domain.AcceptedQuery rather than raw SQL so an unvetted call is not
// representable.
type QueryExecutor interface {
	Execute(ctx context.Context, q *domain.AcceptedQuery) (*ExecutionResult, error)
}
