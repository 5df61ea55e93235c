// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package guard

import (
	"context"
	"strings"
	"testing"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

type fixedEstimator struct {
	rows int64
	err  error
}

func (f fixedEstimator) EstimateRows(context.Context, string, sql.Expr) (int64, error) {
	return f.rows, f.err
}

func parse(t *testing.T, src string) sql.Statement {
	t.Helper()
	stmt, err := sql.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", src, err)
	}
	return stmt
}

func TestDeleteWithoutWhereBlocked(t *testing.T) {
	stmt := parse(t, "DELETE FROM contact")
	opts := Options{PreventDeleteWithoutWhere: true, Confirmed: true}

	err := Check(context.Background(), stmt, opts, nil)
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}
	// The error must name the entity so the caller can report it.
	if !strings.Contains(err.Error(), "contact") {
		t.Errorf("error does not name the entity: %v", err)
	}
}

func TestDeleteWithoutWhereAllowedWhenRuleOff(t *testing.T) {
	stmt := parse(t, "DELETE FROM contact")
	opts := Options{Confirmed: true}
	if err := Check(context.Background(), stmt, opts, nil); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
}

func TestUpdateWithoutWhereBlocked(t *testing.T) {
	stmt := parse(t, "UPDATE account SET statecode = 1")
	opts := Options{PreventUpdateWithoutWhere: true, Confirmed: true}

	err := Check(context.Background(), stmt, opts, nil)
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "account") {
		t.Errorf("error does not name the entity: %v", err)
	}
}

func TestUnconfirmedDmlBlocked(t *testing.T) {
	for _, src := range []string{
		"INSERT INTO account (name) VALUES ('x')",
		"UPDATE account SET name = 'x' WHERE accountid = 1",
		"DELETE FROM account WHERE accountid = 1",
	} {
		err := Check(context.Background(), parse(t, src), Options{}, nil)
		if faults.CodeOf(err) != faults.CodeDmlBlocked {
			t.Errorf("Check(%q) code = %v, want DmlBlocked", src, faults.CodeOf(err))
		}
	}
}

func TestSelectNeverBlocked(t *testing.T) {
	stmt := parse(t, "SELECT * FROM account")
	if err := Check(context.Background(), stmt, Options{}, nil); err != nil {
		t.Fatalf("SELECT blocked: %v", err)
	}
}

func TestRowCapBlocksLargeStatements(t *testing.T) {
	stmt := parse(t, "DELETE FROM account WHERE statecode = 1")
	opts := Options{Confirmed: true, RowCap: 100}

	err := Check(context.Background(), stmt, opts, fixedEstimator{rows: 250})
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}

	if err := Check(context.Background(), stmt, opts, fixedEstimator{rows: 99}); err != nil {
		t.Fatalf("Check under cap failed: %v", err)
	}
}

func TestRowCapDefault(t *testing.T) {
	stmt := parse(t, "DELETE FROM account WHERE statecode = 1")
	opts := Options{Confirmed: true}

	if err := Check(context.Background(), stmt, opts, fixedEstimator{rows: DefaultRowCap}); err != nil {
		t.Fatalf("at-cap estimate blocked: %v", err)
	}
	err := Check(context.Background(), stmt, opts, fixedEstimator{rows: DefaultRowCap + 1})
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}
}

func TestNoLimitSkipsEstimate(t *testing.T) {
	stmt := parse(t, "DELETE FROM account WHERE statecode = 1")
	opts := Options{Confirmed: true, NoLimit: true}

	// The estimator must not matter at all.
	if err := Check(context.Background(), stmt, opts, fixedEstimator{rows: 1 << 40}); err != nil {
		t.Fatalf("Check with no_limit failed: %v", err)
	}
}

func TestNilEstimatorDefersCap(t *testing.T) {
	stmt := parse(t, "DELETE FROM account WHERE statecode = 1")
	opts := Options{Confirmed: true, RowCap: 1}
	if err := Check(context.Background(), stmt, opts, nil); err != nil {
		t.Fatalf("Check without estimator failed: %v", err)
	}
}

func TestBlockWorstCaseWins(t *testing.T) {
	stmt := parse(t, `BEGIN
		UPDATE account SET statecode = 1 WHERE accountid = 1;
		DELETE FROM contact;
	END`)
	opts := Options{PreventDeleteWithoutWhere: true, Confirmed: true}

	err := Check(context.Background(), stmt, opts, nil)
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}
}

func TestIfBranchesBothChecked(t *testing.T) {
	stmt := parse(t, `IF EXISTS (SELECT accountid FROM account)
		SELECT name FROM account
	ELSE
		DELETE FROM contact`)
	opts := Options{PreventDeleteWithoutWhere: true, Confirmed: true}

	err := Check(context.Background(), stmt, opts, nil)
	if faults.CodeOf(err) != faults.CodeDmlBlocked {
		t.Fatalf("code = %v, want DmlBlocked", faults.CodeOf(err))
	}
}

func TestEffectiveRowCap(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int64
	}{
		{"default", Options{}, DefaultRowCap},
		{"explicit", Options{RowCap: 250}, 250},
		{"no limit", Options{NoLimit: true, RowCap: 250}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.opts.EffectiveRowCap(); got != tc.want {
				t.Errorf("EffectiveRowCap = %d, want %d", got, tc.want)
			}
		})
	}
}
