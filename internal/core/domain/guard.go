package domain

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Guard vets candidate SQL using PostgreSQL's own parser before anything
// else may touch it. Vetting is pure: for one statement, snapshot and
// policy the verdict is always the same, and nothing is executed.
//
// The rule chain, in order: token-level checks (invisible characters,
// comment splices, parameter rewrite), parse, single-statement, select-only,
// no wildcard projections, schema conformance, function allow-list,
// nesting depth, parameter conformance. The first failing rule wins.
type Guard struct {
	policy GuardPolicy
}

// NewGuard builds a guard from a policy. Zero-valued policy fields fall
// back to the defaults so a partially specified policy stays usable.
func NewGuard(policy GuardPolicy) *Guard {
	def := DefaultGuardPolicy()
	if policy.AllowedFunctions == nil {
		policy.AllowedFunctions = def.AllowedFunctions
	}
	if policy.MaxSelectDepth <= 0 {
		policy.MaxSelectDepth = def.MaxSelectDepth
	}
	return &Guard{policy: policy}
}

// Vet runs the full rule chain against req and the snapshot and returns
// the verdict: a vetted, normalized query or the first rejection.
func (g *Guard) Vet(req QueryRequest, snap *SchemaSnapshot) Verdict {
	if snap == nil {
		snap = &SchemaSnapshot{}
	}
	if strings.TrimSpace(req.SQL) == "" {
		return reject(ReasonEmptyQuery, "", "statement is empty")
	}

	lex, lrej := scanPass(req.SQL, g.policy)
	if lrej != nil {
		return Verdict{Rejected: lrej}
	}

	tree, err := pg_query.Parse(lex.rewritten)
	if err != nil {
		return reject(ReasonParseFailed, "", err.Error())
	}
	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return reject(ReasonEmptyQuery, "", "no executable statement")
	}
	if len(tree.Stmts) > 1 {
		return reject(ReasonMultiStatement,
			statementFragment(lex.rewritten, tree.Stmts[1]),
			fmt.Sprintf("%d statements supplied; exactly one is allowed", len(tree.Stmts)))
	}

	w := &walker{
		snap:     snap,
		policy:   g.policy,
		sql:      lex.rewritten,
		seen:     make(map[string]bool),
		paramRef: make(map[int]bool),
	}
	columns, wrej := w.walkStatement(tree.Stmts[0].Stmt)
	if wrej != nil {
		return Verdict{Rejected: wrej}
	}

	referenced := lex.paramNames
	if lex.positional {
		var prej *Rejection
		referenced, prej = w.referencedPositional()
		if prej != nil {
			return Verdict{Rejected: prej}
		}
	}
	if prej := matchParams(referenced, req.Params); prej != nil {
		return Verdict{Rejected: prej}
	}

	normalized, err := pg_query.Deparse(tree)
	if err != nil {
		return reject(ReasonUnsupportedSyntax, "", "statement cannot be canonicalized: "+err.Error())
	}

	args := make([]any, len(referenced))
	for i, name := range referenced {
		args[i] = req.Params[name]
	}

	return accept(&AcceptedQuery{
		sql:        normalized,
		paramNames: referenced,
		args:       args,
		tables:     w.tables,
		columns:    columns,
	})
}

// matchParams checks that bound values and referenced parameters are the
// same set: nothing missing, nothing unused.
func matchParams(referenced []string, provided map[string]any) *Rejection {
	refSet := make(map[string]bool, len(referenced))
	for _, name := range referenced {
		refSet[name] = true
		if _, ok := provided[name]; !ok {
			return &Rejection{
				Code:     ReasonParameterMismatch,
				Fragment: ":" + name,
				Detail:   fmt.Sprintf("no value bound for parameter %q", name),
			}
		}
	}
	if len(provided) > len(refSet) {
		extras := make([]string, 0, len(provided))
		for name := range provided {
			if !refSet[name] {
				extras = append(extras, name)
			}
		}
		sort.Strings(extras)
		return &Rejection{
			Code:     ReasonParameterMismatch,
			Fragment: extras[0],
			Detail:   fmt.Sprintf("value bound for %q but the statement never references it", extras[0]),
		}
	}
	return nil
}

// statementFragment excerpts the source text of one parsed statement.
func statementFragment(sql string, stmt *pg_query.RawStmt) string {
	if stmt == nil {
		return ""
	}
	start := int(stmt.StmtLocation)
	if start < 0 || start >= len(sql) {
		return ""
	}
	return strings.TrimLeft(fragmentAt(sql, start), " \t\r\n;")
}
