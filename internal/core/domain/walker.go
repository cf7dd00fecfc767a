package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// relation is anything a column reference can resolve against: a snapshot
// table, a CTE, or an aliased derived table.
type relation struct {
	name    string          // lowercase alias or relation name; "" for an unnamed derived table
	columns map[string]bool // lowercase column names
	order   []string        // column names in output order, original case
}

// scope is one level of FROM visibility. Column lookups climb parent (set
// only where the subquery may correlate); relation-name lookups for CTEs
// climb cteParent, which always points at the enclosing select.
type scope struct {
	parent    *scope
	cteParent *scope
	rels      []*relation
	ctes      map[string]*relation
	merged    map[string]bool // USING / NATURAL join columns, unambiguous by definition
	aliases   map[string]bool // select-list aliases, visible to ORDER BY and GROUP BY
}

func newScope(env *scope, correlated bool) *scope {
	sc := &scope{
		cteParent: env,
		ctes:      make(map[string]*relation),
		merged:    make(map[string]bool),
		aliases:   make(map[string]bool),
	}
	if correlated {
		sc.parent = env
	}
	return sc
}

// walker checks one parsed statement against a schema snapshot and policy.
// Only positively recognized grammar passes; any node kind the walker does
// not know is rejected rather than waved through.
type walker struct {
	snap     *SchemaSnapshot
	policy   GuardPolicy
	sql      string // statement text after parameter rewrite, for fragments
	tables   []string
	seen     map[string]bool
	paramRef map[int]bool
}

func (w *walker) walkStatement(stmt *pg_query.Node) ([]string, *Rejection) {
	switch n := stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return w.walkSelect(n.SelectStmt, nil, false, 1)
	case *pg_query.Node_ExplainStmt:
		return nil, &Rejection{
			Code:   ReasonForbiddenVerb,
			Detail: "EXPLAIN is not a read-only select; it exposes planner state",
		}
	default:
		verb := strings.ToUpper(strings.TrimSuffix(nodeKindName(stmt), "Stmt"))
		return nil, &Rejection{
			Code:     ReasonForbiddenVerb,
			Fragment: verb,
			Detail:   fmt.Sprintf("%s is not a read-only select", verb),
		}
	}
}

func (w *walker) walkSelect(sel *pg_query.SelectStmt, env *scope, correlated bool, depth int) ([]string, *Rejection) {
	if sel == nil {
		return nil, &Rejection{Code: ReasonUnsupportedSyntax, Detail: "empty select node"}
	}
	if depth > w.policy.MaxSelectDepth {
		return nil, &Rejection{
			Code:   ReasonDepthExceeded,
			Detail: fmt.Sprintf("subqueries nest beyond the limit of %d levels", w.policy.MaxSelectDepth),
		}
	}
	if sel.IntoClause != nil {
		return nil, &Rejection{Code: ReasonForbiddenVerb, Fragment: "INTO", Detail: "SELECT INTO creates a table"}
	}
	if len(sel.LockingClause) > 0 {
		return nil, &Rejection{Code: ReasonForbiddenVerb, Fragment: "FOR UPDATE/FOR SHARE", Detail: "row locking acquires write locks"}
	}

	sc := newScope(env, correlated)

	if sel.WithClause != nil {
		if rej := w.walkCTEs(sel.WithClause, sc, depth); rej != nil {
			return nil, rej
		}
	}

	// UNION / INTERSECT / EXCEPT: both branches checked at the same depth,
	// output shape comes from the left branch.
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		louts, rej := w.walkSelect(sel.Larg, sc, true, depth)
		if rej != nil {
			return nil, rej
		}
		if _, rej := w.walkSelect(sel.Rarg, sc, true, depth); rej != nil {
			return nil, rej
		}
		for _, name := range louts {
			if name != "" {
				sc.aliases[strings.ToLower(name)] = true
			}
		}
		for _, s := range sel.SortClause {
			if rej := w.sortGroupExpr(s, sc, depth); rej != nil {
				return nil, rej
			}
		}
		if rej := w.walkExpr(sel.LimitCount, sc, false, depth); rej != nil {
			return nil, rej
		}
		if rej := w.walkExpr(sel.LimitOffset, sc, false, depth); rej != nil {
			return nil, rej
		}
		return louts, nil
	}

	// VALUES list: no relations, rows are plain expressions.
	if len(sel.ValuesLists) > 0 {
		width := 0
		for _, row := range sel.ValuesLists {
			l, ok := row.Node.(*pg_query.Node_List)
			if !ok || l.List == nil {
				return nil, &Rejection{Code: ReasonUnsupportedSyntax, Detail: "malformed VALUES row"}
			}
			if width == 0 {
				width = len(l.List.Items)
			}
			for _, item := range l.List.Items {
				if rej := w.walkExpr(item, sc, false, depth); rej != nil {
					return nil, rej
				}
			}
		}
		outs := make([]string, width)
		for i := range outs {
			outs[i] = "column" + strconv.Itoa(i+1)
		}
		return outs, nil
	}

	for _, from := range sel.FromClause {
		rels, rej := w.fromItem(from, sc, depth)
		if rej != nil {
			return nil, rej
		}
		sc.rels = append(sc.rels, rels...)
	}

	outs := make([]string, 0, len(sel.TargetList))
	for _, target := range sel.TargetList {
		rt, ok := target.Node.(*pg_query.Node_ResTarget)
		if !ok || rt.ResTarget == nil {
			return nil, &Rejection{Code: ReasonUnsupportedSyntax, Detail: "malformed select target"}
		}
		if rej := w.walkExpr(rt.ResTarget.Val, sc, false, depth); rej != nil {
			return nil, rej
		}
		outs = append(outs, outputName(rt.ResTarget))
	}
	for _, name := range outs {
		if name != "" {
			sc.aliases[strings.ToLower(name)] = true
		}
	}

	if rej := w.walkExpr(sel.WhereClause, sc, false, depth); rej != nil {
		return nil, rej
	}
	for _, g := range sel.GroupClause {
		if rej := w.sortGroupExpr(g, sc, depth); rej != nil {
			return nil, rej
		}
	}
	if rej := w.walkExpr(sel.HavingClause, sc, false, depth); rej != nil {
		return nil, rej
	}
	for _, wc := range sel.WindowClause {
		wd, ok := wc.Node.(*pg_query.Node_WindowDef)
		if !ok || wd.WindowDef == nil {
			return nil, &Rejection{Code: ReasonUnsupportedSyntax, Detail: "malformed window clause"}
		}
		if rej := w.windowDef(wd.WindowDef, sc, depth); rej != nil {
			return nil, rej
		}
	}
	for _, s := range sel.SortClause {
		if rej := w.sortGroupExpr(s, sc, depth); rej != nil {
			return nil, rej
		}
	}
	for _, d := range sel.DistinctClause {
		if d == nil || d.Node == nil {
			continue // plain DISTINCT
		}
		if rej := w.walkExpr(d, sc, false, depth); rej != nil {
			return nil, rej
		}
	}
	if rej := w.walkExpr(sel.LimitCount, sc, false, depth); rej != nil {
		return nil, rej
	}
	if rej := w.walkExpr(sel.LimitOffset, sc, false, depth); rej != nil {
		return nil, rej
	}

	return outs, nil
}

// walkCTEs vets each WITH query and registers it as a derived relation.
// Later CTEs see earlier ones; a recursive CTE sees itself with columns
// taken from its declared list or its non-recursive branch.
func (w *walker) walkCTEs(with *pg_query.WithClause, sc *scope, depth int) *Rejection {
	for _, cteNode := range with.Ctes {
		c, ok := cteNode.Node.(*pg_query.Node_CommonTableExpr)
		if !ok || c.CommonTableExpr == nil {
			return &Rejection{Code: ReasonUnsupportedSyntax, Detail: "malformed WITH clause"}
		}
		cte := c.CommonTableExpr
		body := cte.Ctequery.GetSelectStmt()
		if body == nil {
			return &Rejection{
				Code:     ReasonForbiddenVerb,
				Fragment: cte.Ctename,
				Detail:   "WITH query is not a read-only select",
			}
		}

		declared := stringListNames(cte.Aliascolnames)
		if with.Recursive {
			cols := declared
			if len(cols) == 0 {
				cols = deriveColumnNames(nonRecursiveBranch(body))
			}
			sc.ctes[strings.ToLower(cte.Ctename)] = newRelation(cte.Ctename, cols)
		}

		outs, rej := w.walkSelect(body, sc, false, depth+1)
		if rej != nil {
			return rej
		}
		cols := declared
		if len(cols) == 0 {
			cols = outs
		}
		sc.ctes[strings.ToLower(cte.Ctename)] = newRelation(cte.Ctename, cols)
	}
	return nil
}

// fromItem resolves one FROM entry into the relations it contributes.
func (w *walker) fromItem(node *pg_query.Node, sc *scope, depth int) ([]*relation, *Rejection) {
	if node == nil || node.Node == nil {
		return nil, nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		return w.rangeVar(n.RangeVar, sc)

	case *pg_query.Node_RangeSubselect:
		rs := n.RangeSubselect
		sub := rs.Subquery.GetSelectStmt()
		if sub == nil {
			return nil, &Rejection{Code: ReasonUnsupportedSyntax, Detail: "FROM subquery is not a select"}
		}
		outs, rej := w.walkSelect(sub, sc, rs.Lateral, depth+1)
		if rej != nil {
			return nil, rej
		}
		name := ""
		if rs.Alias != nil {
			name = rs.Alias.Aliasname
		}
		rel, rej := aliasedRelation(name, outs, rs.Alias)
		if rej != nil {
			return nil, rej
		}
		return []*relation{rel}, nil

	case *pg_query.Node_JoinExpr:
		return w.joinExpr(n.JoinExpr, sc, depth)

	case *pg_query.Node_RangeFunction:
		return nil, &Rejection{
			Code:   ReasonUnsupportedSyntax,
			Detail: "set-returning functions are not allowed in FROM",
		}

	default:
		return nil, &Rejection{
			Code:   ReasonUnsupportedSyntax,
			Detail: fmt.Sprintf("unsupported FROM clause element %s", nodeKindName(node)),
		}
	}
}

func (w *walker) rangeVar(rv *pg_query.RangeVar, sc *scope) ([]*relation, *Rejection) {
	if rv.Catalogname != "" {
		return nil, &Rejection{
			Code:     ReasonUnknownTable,
			Fragment: rv.Catalogname + "." + rv.Schemaname + "." + rv.Relname,
			Detail:   "cross-database references are not allowed",
		}
	}

	// CTEs shadow snapshot tables, but only for unqualified names.
	if rv.Schemaname == "" {
		if cte := lookupCTE(sc, rv.Relname); cte != nil {
			rel, rej := aliasedRelation(cte.name, cte.order, rv.Alias)
			if rej != nil {
				return nil, rej
			}
			return []*relation{rel}, nil
		}
	}

	t, ok := w.snap.Resolve(rv.Schemaname, rv.Relname)
	if !ok {
		name := rv.Relname
		if rv.Schemaname != "" {
			name = rv.Schemaname + "." + rv.Relname
		}
		return nil, &Rejection{
			Code:     ReasonUnknownTable,
			Fragment: name,
			Detail:   "relation is not in the schema snapshot (or matches more than one schema)",
		}
	}
	w.addTable(t.QualifiedName())

	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	rel, rej := aliasedRelation(t.Name, cols, rv.Alias)
	if rej != nil {
		return nil, rej
	}
	return []*relation{rel}, nil
}

func (w *walker) joinExpr(j *pg_query.JoinExpr, sc *scope, depth int) ([]*relation, *Rejection) {
	left, rej := w.fromItem(j.Larg, sc, depth)
	if rej != nil {
		return nil, rej
	}
	right, rej := w.fromItem(j.Rarg, sc, depth)
	if rej != nil {
		return nil, rej
	}

	// Columns merged by USING or NATURAL resolve without ambiguity.
	for _, u := range j.UsingClause {
		if s, ok := u.Node.(*pg_query.Node_String_); ok && s.String_ != nil {
			sc.merged[strings.ToLower(s.String_.Sval)] = true
		}
	}
	if j.IsNatural {
		for name := range columnSet(left) {
			if columnSet(right)[name] {
				sc.merged[name] = true
			}
		}
	}

	// The ON condition sees exactly the two join operands (plus outer
	// scopes for correlated subqueries).
	if j.Quals != nil {
		tmp := &scope{
			parent:    sc.parent,
			cteParent: sc.cteParent,
			rels:      append(append([]*relation{}, left...), right...),
			merged:    sc.merged,
			aliases:   sc.aliases,
		}
		if rej := w.walkExpr(j.Quals, tmp, false, depth); rej != nil {
			return nil, rej
		}
	}

	// A join alias hides the operand names behind a single relation.
	if j.Alias != nil && j.Alias.Aliasname != "" {
		var cols []string
		for _, rel := range append(append([]*relation{}, left...), right...) {
			cols = append(cols, rel.order...)
		}
		rel, rej := aliasedRelation(j.Alias.Aliasname, cols, j.Alias)
		if rej != nil {
			return nil, rej
		}
		return []*relation{rel}, nil
	}

	return append(left, right...), nil
}

// walkExpr vets one expression node. allowAliases only applies to a bare
// column reference at this level (ORDER BY / GROUP BY may name an output
// alias); it never propagates into subexpressions.
func (w *walker) walkExpr(node *pg_query.Node, sc *scope, allowAliases bool, depth int) *Rejection {
	if node == nil || node.Node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		return w.columnRef(n.ColumnRef, sc, allowAliases)

	case *pg_query.Node_AConst:
		return nil

	case *pg_query.Node_ParamRef:
		if n.ParamRef != nil {
			w.paramRef[int(n.ParamRef.Number)] = true
		}
		return nil

	case *pg_query.Node_AExpr:
		return w.aExpr(n.AExpr, sc, depth)

	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			if rej := w.walkExpr(arg, sc, false, depth); rej != nil {
				return rej
			}
		}
		return nil

	case *pg_query.Node_SubLink:
		if rej := w.walkExpr(n.SubLink.Testexpr, sc, false, depth); rej != nil {
			return rej
		}
		sub := n.SubLink.Subselect.GetSelectStmt()
		if sub == nil {
			return &Rejection{Code: ReasonUnsupportedSyntax, Detail: "subquery is not a select"}
		}
		_, rej := w.walkSelect(sub, sc, true, depth+1)
		return rej

	case *pg_query.Node_FuncCall:
		return w.funcCall(n.FuncCall, sc, depth)

	case *pg_query.Node_TypeCast:
		return w.walkExpr(n.TypeCast.Arg, sc, false, depth)

	case *pg_query.Node_CaseExpr:
		ce := n.CaseExpr
		if rej := w.walkExpr(ce.Arg, sc, false, depth); rej != nil {
			return rej
		}
		for _, when := range ce.Args {
			cw, ok := when.Node.(*pg_query.Node_CaseWhen)
			if !ok || cw.CaseWhen == nil {
				return &Rejection{Code: ReasonUnsupportedSyntax, Detail: "malformed CASE arm"}
			}
			if rej := w.walkExpr(cw.CaseWhen.Expr, sc, false, depth); rej != nil {
				return rej
			}
			if rej := w.walkExpr(cw.CaseWhen.Result, sc, false, depth); rej != nil {
				return rej
			}
		}
		return w.walkExpr(ce.Defresult, sc, false, depth)

	case *pg_query.Node_CoalesceExpr:
		for _, arg := range n.CoalesceExpr.Args {
			if rej := w.walkExpr(arg, sc, false, depth); rej != nil {
				return rej
			}
		}
		return nil

	case *pg_query.Node_MinMaxExpr:
		for _, arg := range n.MinMaxExpr.Args {
			if rej := w.walkExpr(arg, sc, false, depth); rej != nil {
				return rej
			}
		}
		return nil

	case *pg_query.Node_NullTest:
		return w.walkExpr(n.NullTest.Arg, sc, false, depth)

	case *pg_query.Node_BooleanTest:
		return w.walkExpr(n.BooleanTest.Arg, sc, false, depth)

	case *pg_query.Node_List:
		for _, item := range n.List.Items {
			if rej := w.walkExpr(item, sc, false, depth); rej != nil {
				return rej
			}
		}
		return nil

	case *pg_query.Node_AArrayExpr:
		for _, el := range n.AArrayExpr.Elements {
			if rej := w.walkExpr(el, sc, false, depth); rej != nil {
				return rej
			}
		}
		return nil

	case *pg_query.Node_ResTarget:
		return w.walkExpr(n.ResTarget.Val, sc, false, depth)

	case *pg_query.Node_String_:
		return nil

	default:
		return &Rejection{
			Code:     ReasonUnsupportedSyntax,
			Fragment: nodeKindName(node),
			Detail:   "syntax outside the supported read-only grammar",
		}
	}
}

var forbiddenVerbPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke|copy|vacuum|merge|call|do)\b`)

func (w *walker) aExpr(ae *pg_query.A_Expr, sc *scope, depth int) *Rejection {
	if operatorName(ae.Name) == "||" {
		if s, ok := constConcat(ae); ok && forbiddenVerbPattern.MatchString(s) {
			return &Rejection{
				Code:     ReasonObfuscationSuspect,
				Fragment: s,
				Detail:   "string concatenation assembles a forbidden statement verb",
			}
		}
	}
	if rej := w.walkExpr(ae.Lexpr, sc, false, depth); rej != nil {
		return rej
	}
	return w.walkExpr(ae.Rexpr, sc, false, depth)
}

// constConcat evaluates a chain of || over string literals. Only fully
// constant chains produce a value; anything else is not a smuggling vector
// worth flagging at this layer.
func constConcat(ae *pg_query.A_Expr) (string, bool) {
	l, lok := constString(ae.Lexpr)
	r, rok := constString(ae.Rexpr)
	if !lok || !rok {
		return "", false
	}
	return l + r, true
}

func constString(node *pg_query.Node) (string, bool) {
	if node == nil || node.Node == nil {
		return "", false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_AConst:
		if sv, ok := n.AConst.Val.(*pg_query.A_Const_Sval); ok && sv.Sval != nil {
			return sv.Sval.Sval, true
		}
		return "", false
	case *pg_query.Node_AExpr:
		if operatorName(n.AExpr.Name) != "||" {
			return "", false
		}
		return constConcat(n.AExpr)
	default:
		return "", false
	}
}

func (w *walker) funcCall(fc *pg_query.FuncCall, sc *scope, depth int) *Rejection {
	name, qualified := funcName(fc.Funcname)
	if name == "" {
		return &Rejection{Code: ReasonUnsupportedSyntax, Detail: "function call without a name"}
	}
	if qualified {
		return &Rejection{
			Code:     ReasonForbiddenFunction,
			Fragment: name,
			Detail:   "schema-qualified function calls are not allowed",
		}
	}
	if !w.policy.FunctionAllowed(name) {
		return &Rejection{
			Code:     ReasonForbiddenFunction,
			Fragment: name,
			Detail:   fmt.Sprintf("function %q is not on the allow-list", name),
		}
	}

	for _, arg := range fc.Args {
		if rej := w.walkExpr(arg, sc, false, depth); rej != nil {
			return rej
		}
	}
	for _, ord := range fc.AggOrder {
		if rej := w.sortGroupExpr(ord, sc, depth); rej != nil {
			return rej
		}
	}
	if rej := w.walkExpr(fc.AggFilter, sc, false, depth); rej != nil {
		return rej
	}
	if fc.Over != nil {
		return w.windowDef(fc.Over, sc, depth)
	}
	return nil
}

func (w *walker) windowDef(wd *pg_query.WindowDef, sc *scope, depth int) *Rejection {
	for _, p := range wd.PartitionClause {
		if rej := w.walkExpr(p, sc, false, depth); rej != nil {
			return rej
		}
	}
	for _, o := range wd.OrderClause {
		if rej := w.sortGroupExpr(o, sc, depth); rej != nil {
			return rej
		}
	}
	if rej := w.walkExpr(wd.StartOffset, sc, false, depth); rej != nil {
		return rej
	}
	return w.walkExpr(wd.EndOffset, sc, false, depth)
}

// sortGroupExpr handles ORDER BY / GROUP BY entries, where a bare name may
// refer to a select-list alias.
func (w *walker) sortGroupExpr(node *pg_query.Node, sc *scope, depth int) *Rejection {
	if node == nil || node.Node == nil {
		return nil
	}
	if sb, ok := node.Node.(*pg_query.Node_SortBy); ok && sb.SortBy != nil {
		return w.sortGroupExpr(sb.SortBy.Node, sc, depth)
	}
	return w.walkExpr(node, sc, true, depth)
}

func (w *walker) columnRef(cr *pg_query.ColumnRef, sc *scope, allowAliases bool) *Rejection {
	parts := make([]string, 0, len(cr.Fields))
	for _, f := range cr.Fields {
		switch fn := f.Node.(type) {
		case *pg_query.Node_String_:
			parts = append(parts, fn.String_.Sval)
		case *pg_query.Node_AStar:
			frag := "*"
			if len(parts) > 0 {
				frag = strings.Join(parts, ".") + ".*"
			}
			return &Rejection{
				Code:     ReasonWildcardProjection,
				Fragment: frag,
				Detail:   "wildcard projections are not allowed; list the columns",
			}
		default:
			return &Rejection{Code: ReasonUnsupportedSyntax, Detail: "unsupported column reference form"}
		}
	}

	frag := fragmentAt(w.sql, int(cr.Location))
	switch len(parts) {
	case 1:
		return w.resolveColumn(sc, "", parts[0], frag, allowAliases)
	case 2:
		return w.resolveColumn(sc, parts[0], parts[1], frag, false)
	case 3:
		// schema.rel.col: the relation name is what scopes know.
		return w.resolveColumn(sc, parts[1], parts[2], frag, false)
	default:
		return &Rejection{Code: ReasonUnsupportedSyntax, Fragment: frag, Detail: "column reference has too many qualifiers"}
	}
}

func (w *walker) resolveColumn(sc *scope, qualifier, name, frag string, allowAliases bool) *Rejection {
	lcol := strings.ToLower(name)

	if qualifier != "" {
		lq := strings.ToLower(qualifier)
		for s := sc; s != nil; s = s.parent {
			for _, rel := range s.rels {
				if rel.name != lq {
					continue
				}
				if rel.columns[lcol] {
					return nil
				}
				return &Rejection{
					Code:     ReasonUnknownColumn,
					Fragment: frag,
					Detail:   fmt.Sprintf("relation %q has no column %q", qualifier, name),
				}
			}
		}
		return &Rejection{
			Code:     ReasonUnknownTable,
			Fragment: frag,
			Detail:   fmt.Sprintf("qualifier %q does not name a relation in scope", qualifier),
		}
	}

	if allowAliases && sc.aliases[lcol] {
		return nil
	}
	for s := sc; s != nil; s = s.parent {
		matches := 0
		for _, rel := range s.rels {
			if rel.columns[lcol] {
				matches++
			}
		}
		if matches > 1 && !s.merged[lcol] {
			return &Rejection{
				Code:     ReasonAmbiguousColumn,
				Fragment: frag,
				Detail:   fmt.Sprintf("column %q exists in more than one relation in scope; qualify it", name),
			}
		}
		if matches >= 1 {
			return nil
		}
	}
	return &Rejection{
		Code:     ReasonUnknownColumn,
		Fragment: frag,
		Detail:   fmt.Sprintf("column %q is not part of any relation in scope", name),
	}
}

func (w *walker) addTable(name string) {
	if !w.seen[name] {
		w.seen[name] = true
		w.tables = append(w.tables, name)
	}
}

// --- helpers ---

func newRelation(name string, cols []string) *relation {
	rel := &relation{
		name:    strings.ToLower(name),
		columns: make(map[string]bool, len(cols)),
		order:   cols,
	}
	for _, c := range cols {
		if c != "" {
			rel.columns[strings.ToLower(c)] = true
		}
	}
	return rel
}

// aliasedRelation applies an optional alias to a relation: the alias name
// replaces the relation name, and an alias column list renames the leading
// columns.
func aliasedRelation(name string, cols []string, alias *pg_query.Alias) (*relation, *Rejection) {
	if alias != nil && alias.Aliasname != "" {
		name = alias.Aliasname
	}
	if alias != nil && len(alias.Colnames) > 0 {
		renames := stringListNames(alias.Colnames)
		if len(renames) > len(cols) {
			return nil, &Rejection{
				Code:   ReasonUnsupportedSyntax,
				Detail: fmt.Sprintf("alias %q lists %d columns but the relation has %d", name, len(renames), len(cols)),
			}
		}
		cols = append([]string(nil), cols...)
		copy(cols, renames)
	}
	return newRelation(name, cols), nil
}

func lookupCTE(sc *scope, name string) *relation {
	lname := strings.ToLower(name)
	for s := sc; s != nil; s = s.cteParent {
		if rel, ok := s.ctes[lname]; ok {
			return rel
		}
	}
	return nil
}

func columnSet(rels []*relation) map[string]bool {
	set := make(map[string]bool)
	for _, rel := range rels {
		for c := range rel.columns {
			set[c] = true
		}
	}
	return set
}

// funcName extracts the callable name, stripping the pg_catalog prefix the
// parser adds to SQL-syntax functions (EXTRACT, SUBSTRING, TRIM and
// friends). Any other qualification is reported as such.
func funcName(parts []*pg_query.Node) (string, bool) {
	names := stringListNames(parts)
	if len(names) == 0 {
		return "", false
	}
	if strings.EqualFold(names[0], "pg_catalog") {
		names = names[1:]
	}
	if len(names) == 0 {
		return "", false
	}
	if len(names) > 1 {
		return strings.Join(names, "."), true
	}
	return names[0], false
}

func operatorName(parts []*pg_query.Node) string {
	names := stringListNames(parts)
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

func stringListNames(nodes []*pg_query.Node) []string {
	var names []string
	for _, n := range nodes {
		if s, ok := n.Node.(*pg_query.Node_String_); ok && s.String_ != nil {
			names = append(names, s.String_.Sval)
		}
	}
	return names
}

// nonRecursiveBranch descends to the leftmost branch of a set operation,
// which defines the column shape of a recursive CTE.
func nonRecursiveBranch(sel *pg_query.SelectStmt) *pg_query.SelectStmt {
	for sel != nil && sel.Larg != nil {
		sel = sel.Larg
	}
	return sel
}

// deriveColumnNames infers output column names from a target list without
// walking it: alias, else the referenced column, else the function name.
// Unnameable expressions yield "" and cannot be referenced by later scopes.
func deriveColumnNames(sel *pg_query.SelectStmt) []string {
	if sel == nil {
		return nil
	}
	outs := make([]string, 0, len(sel.TargetList))
	for _, target := range sel.TargetList {
		rt, ok := target.Node.(*pg_query.Node_ResTarget)
		if !ok || rt.ResTarget == nil {
			outs = append(outs, "")
			continue
		}
		outs = append(outs, outputName(rt.ResTarget))
	}
	return outs
}

func outputName(rt *pg_query.ResTarget) string {
	if rt.Name != "" {
		return rt.Name
	}
	return valueName(rt.Val)
}

func valueName(node *pg_query.Node) string {
	if node == nil || node.Node == nil {
		return ""
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		fields := n.ColumnRef.Fields
		if len(fields) == 0 {
			return ""
		}
		if s, ok := fields[len(fields)-1].Node.(*pg_query.Node_String_); ok && s.String_ != nil {
			return s.String_.Sval
		}
		return ""
	case *pg_query.Node_FuncCall:
		name, _ := funcName(n.FuncCall.Funcname)
		return name
	case *pg_query.Node_TypeCast:
		return valueName(n.TypeCast.Arg)
	default:
		return ""
	}
}

func nodeKindName(n *pg_query.Node) string {
	if n == nil || n.Node == nil {
		return "unknown"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", n.Node), "*pg_query.Node_")
}

// referencedPositional returns the positional parameter numbers seen during
// the walk, as sorted decimal names, after checking contiguity (pgx binds
// $n to the n-th argument, so gaps cannot be satisfied).
func (w *walker) referencedPositional() ([]string, *Rejection) {
	if len(w.paramRef) == 0 {
		return nil, nil
	}
	nums := make([]int, 0, len(w.paramRef))
	for n := range w.paramRef {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	if nums[0] != 1 || nums[len(nums)-1] != len(nums) {
		return nil, &Rejection{
			Code:   ReasonParameterMismatch,
			Detail: fmt.Sprintf("positional parameters must be numbered 1..%d without gaps", len(nums)),
		}
	}
	names := make([]string, len(nums))
	for i, n := range nums {
		names[i] = strconv.Itoa(n)
	}
	return names, nil
}
