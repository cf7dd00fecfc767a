package domain

import "fmt"

// ReasonCode is the closed set of rejection reasons. Values are part of the
// wire contract with calling agents: retry logic keys on them, so existing
// codes never change meaning and new ones extend the set.
type ReasonCode string

const (
	ReasonEmptyQuery         ReasonCode = "EMPTY_QUERY"
	ReasonParseFailed        ReasonCode = "PARSE_FAILED"
	ReasonMultiStatement     ReasonCode = "MULTI_STATEMENT"
	ReasonForbiddenVerb      ReasonCode = "FORBIDDEN_VERB"
	ReasonWildcardProjection ReasonCode = "WILDCARD_PROJECTION"
	ReasonUnknownTable       ReasonCode = "UNKNOWN_TABLE"
	ReasonUnknownColumn      ReasonCode = "UNKNOWN_COLUMN"
	ReasonAmbiguousColumn    ReasonCode = "AMBIGUOUS_COLUMN"
	ReasonForbiddenFunction  ReasonCode = "FORBIDDEN_FUNCTION"
	ReasonParameterMismatch  ReasonCode = "PARAMETER_MISMATCH"
	ReasonUnsupportedSyntax  ReasonCode = "UNSUPPORTED_SYNTAX"
	ReasonObfuscationSuspect ReasonCode = "OBFUSCATION_SUSPECTED"
	ReasonDepthExceeded      ReasonCode = "DEPTH_EXCEEDED"
)

// Rejection explains why the guard refused a query.
type Rejection struct {
	Code     ReasonCode `json:"code"`
	Fragment string     `json:"fragment,omitempty"` // offending portion of the input, when locatable
	Detail   string     `json:"detail,omitempty"`
}

func (r Rejection) Error() string {
	if r.Fragment == "" {
		return fmt.Sprintf("%s: %s", r.Code, r.Detail)
	}
	return fmt.Sprintf("%s at %q: %s", r.Code, r.Fragment, r.Detail)
}

// AcceptedQuery is a query that has passed every guard check. It cannot be
// constructed outside this package: holding one is proof of vetting, which
// is what lets the executor take it without re-checking.
type AcceptedQuery struct {
	sql        string   // deparsed canonical form with $1..$n placeholders
	paramNames []string // positional order of the original :name parameters
	args       []any    // bound values in paramNames order
	tables     []string // referenced snapshot tables, qualified, deduplicated
	columns    []string // output column names of the outermost select
}

// SQL returns the normalized statement text. Normalization is canonical:
// vetting the returned text again yields the same text.
func (q *AcceptedQuery) SQL() string { return q.sql }

// Args returns the bound parameter values in placeholder order.
func (q *AcceptedQuery) Args() []any { return append([]any(nil), q.args...) }

// ParamNames returns the original parameter names in placeholder order.
func (q *AcceptedQuery) ParamNames() []string { return append([]string(nil), q.paramNames...) }

// Tables returns the snapshot tables the query reads, in first-reference order.
func (q *AcceptedQuery) Tables() []string { return append([]string(nil), q.tables...) }

// Columns returns the output column names of the outermost select.
func (q *AcceptedQuery) Columns() []string { return append([]string(nil), q.columns...) }

// Verdict is the guard's decision on one candidate query. Exactly one of
// Accepted and Rejected is set.
type Verdict struct {
	Accepted *AcceptedQuery
	Rejected *Rejection
}

// Allowed reports whether the query passed every check.
func (v Verdict) Allowed() bool { return v.Accepted != nil }

func accept(q *AcceptedQuery) Verdict {
	return Verdict{Accepted: q}
}

func reject(code ReasonCode, fragment, detail string) Verdict {
	return Verdict{Rejected: &Rejection{Code: code, Fragment: fragment, Detail: detail}}
}
