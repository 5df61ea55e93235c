// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package guard blocks dangerous DML before it reaches the service.
//
// The guard is a pure structural analyzer over a parsed statement: no
// statement is executed and no network call is made unless the caller asks
// for a row estimate. Every rule is toggled by per-environment options so
// production environments can run stricter settings than sandboxes.
package guard

import (
	"context"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

// DefaultRowCap is the affected-row ceiling applied when Options.RowCap is
// zero and NoLimit is unset.
const DefaultRowCap = 5000

// Options control which guard rules are active.
type Options struct {
	// PreventDeleteWithoutWhere blocks DELETE statements lacking a WHERE
	// clause.
	PreventDeleteWithoutWhere bool `koanf:"prevent_delete_without_where"`

	// PreventUpdateWithoutWhere blocks UPDATE statements lacking a WHERE
	// clause.
	PreventUpdateWithoutWhere bool `koanf:"prevent_update_without_where"`

	// Confirmed records that the caller explicitly confirmed the DML.
	// Unconfirmed DML is always blocked.
	Confirmed bool `koanf:"confirmed"`

	// NoLimit disables the affected-row cap.
	NoLimit bool `koanf:"no_limit"`

	// RowCap is the maximum estimated affected rows; zero means
	// DefaultRowCap.
	RowCap int64 `koanf:"row_cap"`
}

// EffectiveRowCap returns the active affected-row ceiling: RowCap when set,
// DefaultRowCap otherwise, and zero (unlimited) under NoLimit. DML executors
// apply this to resolved target counts when no estimator ran up front.
func (o Options) EffectiveRowCap() int64 {
	if o.NoLimit {
		return 0
	}
	if o.RowCap > 0 {
		return o.RowCap
	}
	return DefaultRowCap
}

// DefaultOptions returns the strict settings recommended for production:
// every rule on, explicit confirmation required.
func DefaultOptions() Options {
	return Options{
		PreventDeleteWithoutWhere: true,
		PreventUpdateWithoutWhere: true,
		RowCap:                    DefaultRowCap,
	}
}

// RowEstimator supplies affected-row estimates for the cap rule. The query
// executor implements this; passing nil defers the cap check to execution
// time.
type RowEstimator interface {
	EstimateRows(ctx context.Context, table string, where sql.Expr) (int64, error)
}

// Check applies the guard rules to a statement. Control-flow statements are
// recursed into and the worst-case result wins: one blocked branch blocks
// the whole statement.
func Check(ctx context.Context, stmt sql.Statement, opts Options, est RowEstimator) error {
	switch s := stmt.(type) {
	case *sql.SelectStatement:
		return nil

	case *sql.BlockStatement:
		for _, inner := range s.Statements {
			if err := Check(ctx, inner, opts, est); err != nil {
				return err
			}
		}
		return nil

	case *sql.IfStatement:
		if err := Check(ctx, s.Then, opts, est); err != nil {
			return err
		}
		if s.Else != nil {
			return Check(ctx, s.Else, opts, est)
		}
		return nil

	case *sql.InsertStatement:
		return checkConfirmed(opts, s.Table)

	case *sql.UpdateStatement:
		if s.Where == nil && opts.PreventUpdateWithoutWhere {
			return faults.Newf(faults.CodeDmlBlocked,
				"UPDATE on %s has no WHERE clause", s.Table.Name)
		}
		if err := checkConfirmed(opts, s.Table.Name); err != nil {
			return err
		}
		return checkRowCap(ctx, opts, est, s.Table.Name, s.Where)

	case *sql.DeleteStatement:
		if s.Where == nil && opts.PreventDeleteWithoutWhere {
			return faults.Newf(faults.CodeDmlBlocked,
				"DELETE on %s has no WHERE clause", s.Table.Name)
		}
		if err := checkConfirmed(opts, s.Table.Name); err != nil {
			return err
		}
		return checkRowCap(ctx, opts, est, s.Table.Name, s.Where)

	default:
		return faults.New(faults.CodeValidation, "unsupported statement")
	}
}

func checkConfirmed(opts Options, entity string) error {
	if opts.Confirmed {
		return nil
	}
	return faults.Newf(faults.CodeDmlBlocked,
		"write to %s requires explicit confirmation", entity)
}

// checkRowCap enforces the affected-row ceiling when an estimator is
// available. Without one the check is deferred to execution time.
func checkRowCap(ctx context.Context, opts Options, est RowEstimator, table string, where sql.Expr) error {
	if opts.NoLimit || est == nil {
		return nil
	}
	cap := opts.RowCap
	if cap <= 0 {
		cap = DefaultRowCap
	}
	rows, err := est.EstimateRows(ctx, table, where)
	if err != nil {
		return err
	}
	if rows > cap {
		return faults.Newf(faults.CodeDmlBlocked,
			"statement would affect %d rows on %s, above the %d row limit", rows, table, cap)
	}
	return nil
}
