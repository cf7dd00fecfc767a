package domain

// QueryRequest is a candidate query as submitted by an agent, before any
// vetting. Params are named bind values referenced as :name in the SQL.
type QueryRequest struct {
	SQL    string
	Params map[string]any
	RunID  string // assigned by the pipeline when empty
	Caller string
}
