package domain

import "errors"

// Stable error kinds surfaced across the pipeline. Callers match with
// errors.Is; adapters wrap these with the underlying driver error.
var (
	// ErrExecutionTimeout means the statement exceeded the configured
	// execution deadline and was cancelled server-side.
	ErrExecutionTimeout = errors.New("query execution timed out")

	// ErrConnection means the database could not be reached or the
	// connection died mid-query.
	ErrConnection = errors.New("database connection failed")

	// ErrNoSnapshot means no schema snapshot has been published yet, so
	// nothing can be vetted.
	ErrNoSnapshot = errors.New("no schema snapshot published")
)
