// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package rewrite transforms parsed SQL into shapes FetchXML can express.
//
// FetchXML has no subqueries and no date-part expressions, so three rewrites
// run over every SELECT before emission: IN-subqueries become inner joins,
// EXISTS / NOT EXISTS become inner / left outer joins, and date-part GROUP BY
// functions become date-grouping attributes.
//
// Every rewrite is conservative: it fires only on shapes it can prove
// equivalent and passes everything else through unchanged, leaving the
// emitter to reject what it cannot express. Rewritten statements never share
// mutable nodes with the input.
package rewrite

import (
	"fmt"
	"strings"

	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

// datePart maps SQL date functions to FetchXML dategrouping values.
var datePart = map[string]string{
	"YEAR":    "year",
	"QUARTER": "quarter",
	"MONTH":   "month",
	"WEEK":    "week",
	"DAY":     "day",
}

// Apply rewrites a statement tree. SELECTs are rewritten in place of their
// subquery and date-grouping constructs; DML and control-flow statements are
// recursed into. The input is not mutated.
func Apply(stmt sql.Statement) sql.Statement {
	switch s := stmt.(type) {
	case *sql.SelectStatement:
		return applySelect(s)
	case *sql.BlockStatement:
		out := &sql.BlockStatement{Statements: make([]sql.Statement, len(s.Statements))}
		for i, inner := range s.Statements {
			out.Statements[i] = Apply(inner)
		}
		return out
	case *sql.IfStatement:
		out := &sql.IfStatement{Cond: s.Cond, Then: Apply(s.Then)}
		if s.Else != nil {
			out.Else = Apply(s.Else)
		}
		return out
	default:
		return stmt
	}
}

// Select rewrites one SELECT statement and returns the result.
func Select(sel *sql.SelectStatement) *sql.SelectStatement {
	return applySelect(sel)
}

func applySelect(sel *sql.SelectStatement) *sql.SelectStatement {
	r := &rewriter{used: make(map[string]bool)}
	r.used[strings.ToLower(sel.From.AliasOrName())] = true
	for _, j := range sel.Joins {
		r.used[strings.ToLower(j.Table.AliasOrName())] = true
	}

	out := *sel
	out.Columns = append([]sql.SelectColumn(nil), sel.Columns...)
	out.Joins = append([]sql.Join(nil), sel.Joins...)
	out.GroupBy = append([]sql.Expr(nil), sel.GroupBy...)
	out.OrderBy = append([]sql.OrderItem(nil), sel.OrderBy...)

	r.rewriteSubqueries(&out)
	rewriteDateGroups(&out)
	return &out
}

type rewriter struct {
	used map[string]bool
	seq  int
}

// freshAlias returns <table>_sub<n>, skipping names already bound in the
// statement.
func (r *rewriter) freshAlias(table string) string {
	for {
		alias := fmt.Sprintf("%s_sub%d", table, r.seq)
		r.seq++
		if !r.used[strings.ToLower(alias)] {
			r.used[strings.ToLower(alias)] = true
			return alias
		}
	}
}

// rewriteSubqueries replaces IN-subquery and EXISTS conjuncts of the WHERE
// clause with joins. Only top-level conjuncts are considered: a subquery
// under OR or NOT has no equivalent join form and passes through for the
// emitter to reject.
func (r *rewriter) rewriteSubqueries(sel *sql.SelectStatement) {
	if sel.Where == nil {
		return
	}

	conjuncts := splitAnd(sel.Where)
	var kept []sql.Expr

	for _, c := range conjuncts {
		switch e := c.(type) {
		case *sql.InSubquery:
			if repl, ok := r.inSubqueryToJoin(sel, e); ok {
				kept = append(kept, repl...)
				continue
			}
		case *sql.Exists:
			if repl, ok := r.existsToJoin(sel, e); ok {
				kept = append(kept, repl...)
				continue
			}
		}
		kept = append(kept, c)
	}

	sel.Where = joinAnd(kept)
}

// inSubqueryToJoin rewrites `expr IN (SELECT col FROM T WHERE P)` into an
// inner join against a fresh alias of T with P re-qualified, and marks the
// outer SELECT DISTINCT. NOT IN, multi-column projections, grouped or limited
// subqueries, and subqueries with their own joins all fall back.
func (r *rewriter) inSubqueryToJoin(sel *sql.SelectStatement, in *sql.InSubquery) ([]sql.Expr, bool) {
	if in.Negated {
		return nil, false
	}
	sub := applySelect(in.Subquery)
	if len(sub.Columns) != 1 || sub.Columns[0].Star ||
		len(sub.GroupBy) != 0 || len(sub.Joins) != 0 ||
		sub.Top != 0 || sub.Distinct {
		return nil, false
	}
	subCol, ok := sub.Columns[0].Expr.(*sql.ColumnRef)
	if !ok {
		return nil, false
	}
	outerCol, ok := in.Expr.(*sql.ColumnRef)
	if !ok {
		return nil, false
	}

	alias := r.freshAlias(sub.From.Name)
	inner := map[string]bool{
		strings.ToLower(sub.From.AliasOrName()): true,
	}

	sel.Joins = append(sel.Joins, sql.Join{
		Kind:  sql.InnerJoin,
		Table: sql.TableRef{Name: sub.From.Name, Alias: alias},
		On: &sql.Comparison{
			Op:    sql.Eq,
			Left:  &sql.ColumnRef{Table: alias, Name: subCol.Name},
			Right: outerCol,
		},
	})
	sel.Distinct = true

	if sub.Where == nil {
		return nil, true
	}
	return []sql.Expr{requalify(sub.Where, inner, alias)}, true
}

// existsToJoin rewrites [NOT] EXISTS against a correlated equality predicate.
// EXISTS becomes an inner join plus DISTINCT; NOT EXISTS becomes a left outer
// join plus an IS NULL test on the join key. Remaining subquery predicates
// are re-qualified and merged into the outer WHERE. Falls back when no
// correlated equality against an outer table can be found.
func (r *rewriter) existsToJoin(sel *sql.SelectStatement, ex *sql.Exists) ([]sql.Expr, bool) {
	sub := applySelect(ex.Subquery)
	if len(sub.GroupBy) != 0 || len(sub.Joins) != 0 || sub.Top != 0 || sub.Where == nil {
		return nil, false
	}

	inner := map[string]bool{
		strings.ToLower(sub.From.AliasOrName()): true,
	}

	var key *sql.Comparison
	var rest []sql.Expr
	for _, c := range splitAnd(sub.Where) {
		if key == nil {
			if k, ok := correlatedEquality(c, inner, r.used); ok {
				key = k
				continue
			}
		}
		rest = append(rest, c)
	}
	if key == nil {
		return nil, false
	}

	alias := r.freshAlias(sub.From.Name)
	innerSide := key.Left.(*sql.ColumnRef)
	outerSide := key.Right.(*sql.ColumnRef)

	kind := sql.InnerJoin
	if ex.Negated {
		kind = sql.LeftOuterJoin
	}
	sel.Joins = append(sel.Joins, sql.Join{
		Kind:  kind,
		Table: sql.TableRef{Name: sub.From.Name, Alias: alias},
		On: &sql.Comparison{
			Op:    sql.Eq,
			Left:  &sql.ColumnRef{Table: alias, Name: innerSide.Name},
			Right: outerSide,
		},
	})

	var merged []sql.Expr
	if ex.Negated {
		merged = append(merged, &sql.NullTest{
			Expr: &sql.ColumnRef{Table: alias, Name: innerSide.Name},
		})
	} else {
		sel.Distinct = true
	}
	for _, q := range rest {
		merged = append(merged, requalify(q, inner, alias))
	}
	return merged, true
}

// correlatedEquality reports whether c is `inner.col = outer.col` (either
// orientation) and returns it normalized with the inner reference on the
// left.
func correlatedEquality(c sql.Expr, inner, outer map[string]bool) (*sql.Comparison, bool) {
	cmp, ok := c.(*sql.Comparison)
	if !ok || cmp.Op != sql.Eq {
		return nil, false
	}
	l, lok := cmp.Left.(*sql.ColumnRef)
	r, rok := cmp.Right.(*sql.ColumnRef)
	if !lok || !rok {
		return nil, false
	}

	lt, rt := strings.ToLower(l.Table), strings.ToLower(r.Table)
	switch {
	case inner[lt] && outer[rt]:
		return &sql.Comparison{Op: sql.Eq, Left: l, Right: r}, true
	case inner[rt] && outer[lt]:
		return &sql.Comparison{Op: sql.Eq, Left: r, Right: l}, true
	}
	return nil, false
}

// requalify deep-copies an expression, redirecting references to the
// subquery's table (or unqualified references) to the generated join alias.
func requalify(e sql.Expr, inner map[string]bool, alias string) sql.Expr {
	switch x := e.(type) {
	case *sql.ColumnRef:
		if x.Table == "" || inner[strings.ToLower(x.Table)] {
			return &sql.ColumnRef{Table: alias, Name: x.Name}
		}
		cp := *x
		return &cp
	case *sql.Literal:
		cp := *x
		return &cp
	case *sql.Comparison:
		return &sql.Comparison{
			Op:    x.Op,
			Left:  requalify(x.Left, inner, alias),
			Right: requalify(x.Right, inner, alias),
		}
	case *sql.NullTest:
		return &sql.NullTest{Expr: requalify(x.Expr, inner, alias), Negated: x.Negated}
	case *sql.InList:
		out := &sql.InList{Expr: requalify(x.Expr, inner, alias), Negated: x.Negated}
		for _, item := range x.Items {
			out.Items = append(out.Items, requalify(item, inner, alias))
		}
		return out
	case *sql.BinaryLogic:
		return &sql.BinaryLogic{
			Op:    x.Op,
			Left:  requalify(x.Left, inner, alias),
			Right: requalify(x.Right, inner, alias),
		}
	case *sql.Not:
		return &sql.Not{Expr: requalify(x.Expr, inner, alias)}
	case *sql.FuncCall:
		out := &sql.FuncCall{Name: x.Name, Distinct: x.Distinct, Star: x.Star}
		for _, arg := range x.Args {
			out.Args = append(out.Args, requalify(arg, inner, alias))
		}
		return out
	default:
		return e
	}
}

// rewriteDateGroups replaces date-part functions in GROUP BY (and the
// matching SELECT columns) with DateGroup attributes. The alias comes from
// the matching SELECT column when present, otherwise <part>_<attr>.
func rewriteDateGroups(sel *sql.SelectStatement) {
	for gi, g := range sel.GroupBy {
		call, ok := g.(*sql.FuncCall)
		if !ok {
			continue
		}
		part, ok := datePart[call.Name]
		if !ok || len(call.Args) != 1 {
			continue
		}
		col, ok := call.Args[0].(*sql.ColumnRef)
		if !ok {
			continue
		}

		alias := ""
		colIdx := -1
		for ci, sc := range sel.Columns {
			if sameDateCall(sc.Expr, call) {
				colIdx = ci
				if sc.Alias != "" {
					alias = sc.Alias
				}
				break
			}
		}
		if alias == "" {
			alias = part + "_" + col.Name
		}

		dg := &sql.DateGroup{Part: part, Column: *col, Alias: alias}
		sel.GroupBy[gi] = dg
		if colIdx >= 0 {
			sel.Columns[colIdx].Expr = dg
			if sel.Columns[colIdx].Alias == "" {
				sel.Columns[colIdx].Alias = alias
			}
		}
	}
}

func sameDateCall(e sql.Expr, call *sql.FuncCall) bool {
	other, ok := e.(*sql.FuncCall)
	if !ok || other.Name != call.Name || len(other.Args) != 1 {
		return false
	}
	a, aok := other.Args[0].(*sql.ColumnRef)
	b, bok := call.Args[0].(*sql.ColumnRef)
	return aok && bok && strings.EqualFold(a.Name, b.Name) && strings.EqualFold(a.Table, b.Table)
}

// splitAnd flattens an AND spine into its conjuncts.
func splitAnd(e sql.Expr) []sql.Expr {
	if bl, ok := e.(*sql.BinaryLogic); ok && bl.Op == sql.And {
		return append(splitAnd(bl.Left), splitAnd(bl.Right)...)
	}
	return []sql.Expr{e}
}

// joinAnd rebuilds an AND spine; nil for an empty list.
func joinAnd(conjuncts []sql.Expr) sql.Expr {
	var out sql.Expr
	for _, c := range conjuncts {
		if out == nil {
			out = c
			continue
		}
		out = &sql.BinaryLogic{Op: sql.And, Left: out, Right: c}
	}
	return out
}
