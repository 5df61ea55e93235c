// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package sqlquery is the SQL front door: one entry point that parses,
// guards, transpiles, and executes a SQL string against the service.
//
// SELECT statements run through the rewrite and FetchXML pipeline. DML
// statements pass the safety guard, resolve their target records by primary
// key, and fan out through the bulk dispatcher. BEGIN blocks run their
// statements in order; IF conditions are evaluated server-side where they
// reference data.
package sqlquery

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/bulk"
	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/fetchxml"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metadata"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/progress"
	"github.com/fetchcore-dev/fetchcore/pkg/query"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
	"github.com/fetchcore-dev/fetchcore/pkg/sql/guard"
	"github.com/fetchcore-dev/fetchcore/pkg/sql/rewrite"
)

// Kind classifies what a statement produced.
type Kind string

const (
	// KindQuery marks a SELECT result.
	KindQuery Kind = "query"
	// KindModify marks a DML result.
	KindModify Kind = "modify"
	// KindBlock marks a BEGIN block or IF statement result.
	KindBlock Kind = "block"
	// KindNone marks an IF whose branch did not run.
	KindNone Kind = "none"
)

// Options control one execution.
type Options struct {
	// Guard holds the DML safety settings.
	Guard guard.Options

	// Estimate runs the guard's row-cap check with a server-side count
	// before executing DML. Off, the cap is still enforced against the
	// resolved target count just before dispatch.
	Estimate bool

	// Reporter receives progress events from bulk DML. Nil discards them.
	Reporter progress.Reporter
}

// Result is the outcome of one statement (or statement sequence).
type Result struct {
	Kind Kind

	// Query holds the decoded rows for KindQuery.
	Query *query.Result

	// Affected counts successfully written records for KindModify, summed
	// over children for KindBlock.
	Affected int64

	// Failures lists per-record faults for partial DML failures.
	Failures []bulk.Failure

	// Statements holds child results for KindBlock.
	Statements []*Result
}

// Service combines the SQL pipeline into the public execute contract.
// Construct with New.
type Service struct {
	executor *query.Executor
	bulk     *bulk.Dispatcher
	meta     *metadata.Cache
}

// New creates the SQL query service.
func New(executor *query.Executor, dispatcher *bulk.Dispatcher, meta *metadata.Cache) *Service {
	return &Service{executor: executor, bulk: dispatcher, meta: meta}
}

// Execute parses and runs one SQL string.
func (s *Service) Execute(ctx context.Context, sqlText string, opts Options) (*Result, error) {
	if opts.Reporter == nil {
		opts.Reporter = progress.Noop{}
	}

	stmt, err := sql.Parse(sqlText)
	if err != nil {
		metrics.SQLTranspileErrors.WithLabelValues("parse").Inc()
		return nil, faults.Wrap(faults.CodeValidation, "SQL could not be parsed", err)
	}

	var est guard.RowEstimator
	if opts.Estimate {
		est = s.executor
	}
	if err := guard.Check(ctx, stmt, opts.Guard, est); err != nil {
		metrics.SQLTranspileErrors.WithLabelValues("guard").Inc()
		return nil, err
	}

	result, err := s.exec(ctx, stmt, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SQLStatements.WithLabelValues(statementKind(stmt), outcome).Inc()
	return result, err
}

func statementKind(stmt sql.Statement) string {
	switch stmt.(type) {
	case *sql.SelectStatement:
		return "select"
	case *sql.InsertStatement:
		return "insert"
	case *sql.UpdateStatement:
		return "update"
	case *sql.DeleteStatement:
		return "delete"
	case *sql.BlockStatement:
		return "block"
	case *sql.IfStatement:
		return "if"
	default:
		return "other"
	}
}

func (s *Service) exec(ctx context.Context, stmt sql.Statement, opts Options) (*Result, error) {
	switch st := stmt.(type) {
	case *sql.SelectStatement:
		return s.execSelect(ctx, st)
	case *sql.InsertStatement:
		return s.execInsert(ctx, st, opts)
	case *sql.UpdateStatement:
		return s.execUpdate(ctx, st, opts)
	case *sql.DeleteStatement:
		return s.execDelete(ctx, st, opts)
	case *sql.BlockStatement:
		return s.execBlock(ctx, st, opts)
	case *sql.IfStatement:
		return s.execIf(ctx, st, opts)
	default:
		return nil, faults.New(faults.CodeValidation, "unsupported statement")
	}
}

func (s *Service) execSelect(ctx context.Context, sel *sql.SelectStatement) (*Result, error) {
	doc, err := fetchxml.Emit(rewrite.Select(sel))
	if err != nil {
		metrics.SQLTranspileErrors.WithLabelValues("emit").Inc()
		return nil, err
	}
	logging.Ctx(ctx).Trace().Str("fetchxml", doc).Msg("transpiled select")

	res, err := s.executor.ExecuteQuery(ctx, doc)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindQuery, Query: res}, nil
}

func (s *Service) execInsert(ctx context.Context, ins *sql.InsertStatement, opts Options) (*Result, error) {
	rec := service.NewEntity(ins.Table)
	for i, col := range ins.Columns {
		val, err := literalValue(ins.Values[i])
		if err != nil {
			return nil, err
		}
		rec.Set(col, val)
	}

	res, err := s.bulk.CreateMany(ctx, []*service.Entity{rec}, opts.Reporter)
	if err != nil {
		return nil, err
	}
	return modifyResult(res), nil
}

func (s *Service) execUpdate(ctx context.Context, upd *sql.UpdateStatement, opts Options) (*Result, error) {
	ids, err := s.resolveTargets(ctx, upd.Table, upd.Where)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Result{Kind: KindModify}, nil
	}
	if err := checkResolvedCap(opts.Guard, upd.Table.Name, len(ids)); err != nil {
		return nil, err
	}

	records := make([]*service.Entity, len(ids))
	for i, id := range ids {
		rec := service.NewEntity(upd.Table.Name)
		rec.ID = id
		for _, assign := range upd.Set {
			val, err := literalValue(assign.Value)
			if err != nil {
				return nil, err
			}
			rec.Set(assign.Column.Name, val)
		}
		records[i] = rec
	}

	res, err := s.bulk.UpdateMany(ctx, records, opts.Reporter)
	if err != nil {
		return nil, err
	}
	return modifyResult(res), nil
}

func (s *Service) execDelete(ctx context.Context, del *sql.DeleteStatement, opts Options) (*Result, error) {
	ids, err := s.resolveTargets(ctx, del.Table, del.Where)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Result{Kind: KindModify}, nil
	}
	if err := checkResolvedCap(opts.Guard, del.Table.Name, len(ids)); err != nil {
		return nil, err
	}

	refs := make([]*service.EntityRef, len(ids))
	for i, id := range ids {
		refs[i] = &service.EntityRef{LogicalName: del.Table.Name, ID: id}
	}

	res, err := s.bulk.DeleteMany(ctx, refs, opts.Reporter)
	if err != nil {
		return nil, err
	}
	return modifyResult(res), nil
}

func (s *Service) execBlock(ctx context.Context, block *sql.BlockStatement, opts Options) (*Result, error) {
	out := &Result{Kind: KindBlock}
	for _, inner := range block.Statements {
		child, err := s.exec(ctx, inner, opts)
		if err != nil {
			return nil, err
		}
		out.Statements = append(out.Statements, child)
		out.Affected += child.Affected
		out.Failures = append(out.Failures, child.Failures...)
	}
	return out, nil
}

func (s *Service) execIf(ctx context.Context, ifs *sql.IfStatement, opts Options) (*Result, error) {
	cond, err := s.evalCondition(ctx, ifs.Cond)
	if err != nil {
		return nil, err
	}
	if cond {
		return s.exec(ctx, ifs.Then, opts)
	}
	if ifs.Else != nil {
		return s.exec(ctx, ifs.Else, opts)
	}
	return &Result{Kind: KindNone}, nil
}

// evalCondition evaluates an IF condition. EXISTS subqueries probe the
// server with a count; literal comparisons fold locally.
func (s *Service) evalCondition(ctx context.Context, cond sql.Expr) (bool, error) {
	switch c := cond.(type) {
	case *sql.Exists:
		n, err := s.countSelect(ctx, c.Subquery)
		if err != nil {
			return false, err
		}
		if c.Negated {
			return n == 0, nil
		}
		return n > 0, nil

	case *sql.Comparison:
		return foldComparison(c)

	case *sql.BinaryLogic:
		left, err := s.evalCondition(ctx, c.Left)
		if err != nil {
			return false, err
		}
		if c.Op == sql.And && !left {
			return false, nil
		}
		if c.Op == sql.Or && left {
			return true, nil
		}
		return s.evalCondition(ctx, c.Right)

	case *sql.Not:
		inner, err := s.evalCondition(ctx, c.Expr)
		return !inner, err

	default:
		return false, faults.New(faults.CodeValidation, "unsupported IF condition")
	}
}

// countSelect counts the rows a subquery would return, preserving its alias
// and filters. The count runs over the metadata-resolved primary key so
// entities with non-conventional key names stay countable.
func (s *Service) countSelect(ctx context.Context, sub *sql.SelectStatement) (int64, error) {
	count := &sql.FuncCall{Name: "COUNT", Star: true}
	if pk, err := s.meta.PrimaryID(ctx, sub.From.Name); err == nil && pk != "" {
		count = &sql.FuncCall{Name: "COUNT", Args: []sql.Expr{&sql.ColumnRef{Name: pk}}}
	}
	counted := &sql.SelectStatement{
		Columns: []sql.SelectColumn{{
			Expr:  count,
			Alias: "rowcount",
		}},
		From:  sub.From,
		Joins: sub.Joins,
		Where: sub.Where,
	}
	doc, err := fetchxml.Emit(rewrite.Select(counted))
	if err != nil {
		return 0, err
	}
	res, err := s.executor.ExecuteQuery(ctx, doc)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	cell, ok := res.Rows[0].Get("rowcount")
	if !ok {
		return 0, nil
	}
	switch n := cell.Raw.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, faults.New(faults.CodeInternal, "count probe returned no number")
	}
}

// checkResolvedCap enforces the affected-row ceiling against the resolved
// target count. This is the execution-time half of the guard's row cap: when
// no estimator ran up front, the exact count is known only after the id
// fetch, and it must be blocked here before anything is dispatched.
func checkResolvedCap(opts guard.Options, table string, resolved int) error {
	cap := opts.EffectiveRowCap()
	if cap > 0 && int64(resolved) > cap {
		metrics.SQLTranspileErrors.WithLabelValues("guard").Inc()
		return faults.Newf(faults.CodeDmlBlocked,
			"statement would affect %d rows on %s, above the %d row limit", resolved, table, cap)
	}
	return nil
}

// resolveTargets pages the primary keys of every record the WHERE clause
// matches.
func (s *Service) resolveTargets(ctx context.Context, table sql.TableRef, where sql.Expr) ([]uuid.UUID, error) {
	primaryID, err := s.meta.PrimaryID(ctx, table.Name)
	if err != nil {
		return nil, err
	}

	sel := &sql.SelectStatement{
		Columns: []sql.SelectColumn{{Expr: &sql.ColumnRef{Name: primaryID}}},
		From:    table,
		Where:   where,
	}
	doc, err := fetchxml.Emit(rewrite.Select(sel))
	if err != nil {
		metrics.SQLTranspileErrors.WithLabelValues("emit").Inc()
		return nil, err
	}

	res, err := s.executor.ExecuteQuery(ctx, doc)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(res.Rows))
	for _, row := range res.Rows {
		cell, ok := row.Get(primaryID)
		if !ok {
			continue
		}
		raw, ok := cell.Raw.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func modifyResult(res *bulk.Result) *Result {
	return &Result{
		Kind:     KindModify,
		Affected: int64(res.SuccessCount),
		Failures: res.Failures,
	}
}

// literalValue converts a literal expression to a Go value for an attribute
// cell.
func literalValue(e sql.Expr) (any, error) {
	lit, ok := e.(*sql.Literal)
	if !ok {
		return nil, faults.New(faults.CodeValidation, "only literal values may be written")
	}
	switch lit.Kind {
	case sql.NullLiteral:
		return nil, nil
	case sql.StringLiteral:
		return lit.Text, nil
	case sql.NumberLiteral:
		if !strings.Contains(lit.Text, ".") {
			if n, err := strconv.ParseInt(lit.Text, 10, 64); err == nil {
				return n, nil
			}
		}
		f, err := strconv.ParseFloat(lit.Text, 64)
		if err != nil {
			return nil, faults.Newf(faults.CodeValidation, "invalid numeric literal %q", lit.Text)
		}
		return f, nil
	default:
		return nil, faults.New(faults.CodeValidation, "unsupported literal")
	}
}

// foldComparison evaluates a comparison of two literals.
func foldComparison(c *sql.Comparison) (bool, error) {
	left, lok := c.Left.(*sql.Literal)
	right, rok := c.Right.(*sql.Literal)
	if !lok || !rok {
		return false, faults.New(faults.CodeValidation,
			"IF comparisons must use literals or EXISTS")
	}

	if left.Kind == sql.NumberLiteral && right.Kind == sql.NumberLiteral {
		l, err1 := strconv.ParseFloat(left.Text, 64)
		r, err2 := strconv.ParseFloat(right.Text, 64)
		if err1 != nil || err2 != nil {
			return false, faults.New(faults.CodeValidation, "invalid numeric literal")
		}
		return compareOrdered(c.Op, l, r)
	}
	return compareOrdered(c.Op, left.Text, right.Text)
}

func compareOrdered[T float64 | string](op sql.CompareOp, l, r T) (bool, error) {
	switch op {
	case sql.Eq:
		return l == r, nil
	case sql.Neq:
		return l != r, nil
	case sql.Lt:
		return l < r, nil
	case sql.Le:
		return l <= r, nil
	case sql.Gt:
		return l > r, nil
	case sql.Ge:
		return l >= r, nil
	default:
		return false, faults.New(faults.CodeValidation, "unsupported IF comparison")
	}
}
