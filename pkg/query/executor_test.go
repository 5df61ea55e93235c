// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package query

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/metadata"
	"github.com/fetchcore-dev/fetchcore/pkg/pool"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

// pagedInvoker serves scripted pages keyed by page number and can inject
// errors for the first N calls.
type pagedInvoker struct {
	pages     map[int]*service.Response
	failFirst int
	failWith  error
	calls     atomic.Int64
	lastReq   atomic.Value // *service.Request
}

func (f *pagedInvoker) Execute(_ context.Context, req *service.Request) (*service.Response, error) {
	n := f.calls.Add(1)
	f.lastReq.Store(req)
	if f.failWith != nil && n <= int64(f.failFirst) {
		return nil, f.failWith
	}
	page := req.PageNumber
	if resp, ok := f.pages[page]; ok {
		return resp, nil
	}
	return &service.Response{}, nil
}

func record(entity string, cells map[string]string) *service.Entity {
	rec := service.NewEntity(entity)
	for k, v := range cells {
		rec.Attributes[k] = json.RawMessage(v)
	}
	return rec
}

func newTestExecutor(t *testing.T, inv service.Invoker, meta *metadata.Cache, cfg Config) *Executor {
	t.Helper()
	p, err := pool.New(pool.Config{
		Principals:     []pool.PrincipalConfig{{Name: "app1"}},
		AcquireTimeout: 2 * time.Second,
	}, func(context.Context, string, pool.ClientOptions) (service.Invoker, error) {
		return inv, nil
	})
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return New(p, meta, cfg)
}

const accountFetch = `<fetch><entity name="account"><attribute name="name"></attribute></entity></fetch>`

func TestExecuteQueryFollowsPaging(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		1: {
			Records:      []*service.Entity{record("account", map[string]string{"name": `"One"`})},
			MoreRecords:  true,
			PagingCookie: "c1",
		},
		2: {
			Records:      []*service.Entity{record("account", map[string]string{"name": `"Two"`})},
			MoreRecords:  true,
			PagingCookie: "c2",
		},
		3: {
			Records: []*service.Entity{record("account", map[string]string{"name": `"Three"`})},
		},
	}}
	ex := newTestExecutor(t, inv, nil, Config{})

	result, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(result.Rows))
	}
	if got := inv.calls.Load(); got != 3 {
		t.Errorf("invoker called %d times, want 3", got)
	}
	// The second call must carry the first page's cookie.
	if result.EntityName != "account" {
		t.Errorf("entity = %q, want account", result.EntityName)
	}
}

func TestExecuteQueryMaxRowsTruncates(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		1: {
			Records: []*service.Entity{
				record("account", map[string]string{"name": `"One"`}),
				record("account", map[string]string{"name": `"Two"`}),
				record("account", map[string]string{"name": `"Three"`}),
			},
			MoreRecords: true,
		},
	}}
	ex := newTestExecutor(t, inv, nil, Config{MaxRows: 2})

	result, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(result.Rows) != 2 || !result.Truncated {
		t.Errorf("rows = %d truncated = %v, want 2/true", len(result.Rows), result.Truncated)
	}
	if got := inv.calls.Load(); got != 1 {
		t.Errorf("invoker called %d times, want 1", got)
	}
}

func TestExecuteQueryTopIsSinglePage(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		0: {
			Records:     []*service.Entity{record("account", map[string]string{"name": `"One"`})},
			MoreRecords: true, // must be ignored for TOP queries
		},
	}}
	ex := newTestExecutor(t, inv, nil, Config{})

	doc := `<fetch top="1"><entity name="account"></entity></fetch>`
	result, err := ex.ExecuteQuery(context.Background(), doc)
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(result.Rows))
	}
	if got := inv.calls.Load(); got != 1 {
		t.Errorf("invoker called %d times, want 1", got)
	}
	req := inv.lastReq.Load().(*service.Request)
	if req.PageNumber != 0 || req.PageSize != 0 {
		t.Errorf("TOP query carried paging: page=%d size=%d", req.PageNumber, req.PageSize)
	}
}

func TestExecuteQueryRetriesThrottle(t *testing.T) {
	inv := &pagedInvoker{
		failFirst: 2,
		failWith:  faults.Throttle("server busy", 10*time.Millisecond),
		pages: map[int]*service.Response{
			1: {Records: []*service.Entity{record("account", map[string]string{"name": `"One"`})}},
		},
	}
	ex := newTestExecutor(t, inv, nil, Config{})

	result, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(result.Rows))
	}
	if got := inv.calls.Load(); got != 3 {
		t.Errorf("invoker called %d times, want 3", got)
	}
}

func TestExecuteQueryThrottleBudgetExhausted(t *testing.T) {
	inv := &pagedInvoker{
		failFirst: 100,
		failWith:  faults.Throttle("server busy", time.Millisecond),
	}
	ex := newTestExecutor(t, inv, nil, Config{ThrottleRetries: 2})

	_, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if faults.CodeOf(err) != faults.CodeThrottle {
		t.Fatalf("code = %v, want ThrottleError", faults.CodeOf(err))
	}
	// Initial call plus two retries.
	if got := inv.calls.Load(); got != 3 {
		t.Errorf("invoker called %d times, want 3", got)
	}
}

func TestExecuteQueryAuthSurfacesImmediately(t *testing.T) {
	inv := &pagedInvoker{
		failFirst: 100,
		failWith:  faults.New(faults.CodeAuth, "token expired"),
	}
	ex := newTestExecutor(t, inv, nil, Config{})

	_, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if faults.CodeOf(err) != faults.CodeAuth {
		t.Fatalf("code = %v, want AuthError", faults.CodeOf(err))
	}
	if got := inv.calls.Load(); got != 1 {
		t.Errorf("invoker called %d times, want 1", got)
	}
}

// cancellingInvoker cancels the caller's context while serving the first
// page, so the between-pages cancellation check must fire.
type cancellingInvoker struct {
	cancel context.CancelFunc
}

func (f *cancellingInvoker) Execute(context.Context, *service.Request) (*service.Response, error) {
	f.cancel()
	return &service.Response{
		Records:      []*service.Entity{record("account", map[string]string{"name": `"One"`})},
		MoreRecords:  true,
		PagingCookie: "c1",
	}, nil
}

func TestExecuteQueryCancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := newTestExecutor(t, &cancellingInvoker{cancel: cancel}, nil, Config{})

	_, err := ex.ExecuteQuery(ctx, accountFetch)
	if faults.CodeOf(err) != faults.CodeCancelled {
		t.Fatalf("code = %v, want Cancelled", faults.CodeOf(err))
	}
}

func TestExecuteQueryRejectsMalformedDocument(t *testing.T) {
	ex := newTestExecutor(t, &pagedInvoker{}, nil, Config{})
	_, err := ex.ExecuteQuery(context.Background(), "<fetch><entity")
	if faults.CodeOf(err) != faults.CodeValidation {
		t.Fatalf("code = %v, want ValidationError", faults.CodeOf(err))
	}
}

type staticMetaSource struct{ ent *metadata.Entity }

func (s staticMetaSource) FetchEntity(context.Context, string) (*metadata.Entity, error) {
	return s.ent, nil
}

func TestDecodeCells(t *testing.T) {
	refID := uuid.New()
	rec := record("account", map[string]string{
		"name":         `"Contoso"`,
		"revenue":      `{"Value": 5000000.0}`,
		"industrycode": `2`,
		"ownerid":      `{"Id": "` + refID.String() + `", "LogicalName": "systemuser", "Name": "Sam Admin"}`,
		"donotemail":   `true`,
	})
	rec.Formatted["revenue"] = "$5,000,000.00"

	meta := metadata.NewCache(staticMetaSource{ent: &metadata.Entity{
		LogicalName: "account",
		Attributes: map[string]metadata.Attribute{
			"industrycode": {
				LogicalName: "industrycode",
				Type:        metadata.TypePicklist,
				Options:     map[int64]string{2: "Retail"},
			},
		},
	}})

	inv := &pagedInvoker{pages: map[int]*service.Response{
		1: {Records: []*service.Entity{rec}},
	}}
	ex := newTestExecutor(t, inv, meta, Config{})

	result, err := ex.ExecuteQuery(context.Background(), accountFetch)
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	row := result.Rows[0]

	name, _ := row.Get("name")
	if name.Raw != "Contoso" {
		t.Errorf("name = %#v, want Contoso", name.Raw)
	}

	revenue, _ := row.Get("revenue")
	if revenue.Formatted != "$5,000,000.00" {
		t.Errorf("revenue formatted = %q", revenue.Formatted)
	}
	if inner, ok := revenue.Raw.(float64); !ok || inner != 5000000.0 {
		t.Errorf("revenue raw = %#v, want unwrapped 5000000", revenue.Raw)
	}

	industry, _ := row.Get("industrycode")
	if industry.Formatted != "Retail" {
		t.Errorf("industry label = %q, want Retail from metadata", industry.Formatted)
	}

	owner, _ := row.Get("ownerid")
	if !owner.IsRef() || owner.TargetEntity != "systemuser" || owner.TargetID != refID {
		t.Errorf("owner = %+v, want systemuser reference", owner)
	}
	if owner.Formatted != "Sam Admin" {
		t.Errorf("owner formatted = %q, want Sam Admin", owner.Formatted)
	}

	flag, _ := row.Get("donotemail")
	if flag.Raw != true {
		t.Errorf("donotemail = %#v, want true", flag.Raw)
	}

	if len(result.Columns) != 5 {
		t.Errorf("columns = %v, want 5 keys", result.Columns)
	}
}

func TestExecuteCount(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		0: {Records: []*service.Entity{record("account", map[string]string{"rowcount": `1234`})}},
	}}
	ex := newTestExecutor(t, inv, nil, Config{})

	n, err := ex.ExecuteCount(context.Background(), "account", nil)
	if err != nil {
		t.Fatalf("ExecuteCount failed: %v", err)
	}
	if n != 1234 {
		t.Errorf("count = %d, want 1234", n)
	}

	req := inv.lastReq.Load().(*service.Request)
	if req.Operation != service.OpRetrieveMultiple {
		t.Errorf("operation = %q", req.Operation)
	}
}

func TestExecuteCountUsesMetadataPrimaryKey(t *testing.T) {
	// activitypointer's primary key is activityid, not activitypointerid;
	// the count must aggregate over the real key.
	meta := metadata.NewCache(staticMetaSource{ent: &metadata.Entity{
		LogicalName:        "activitypointer",
		PrimaryIDAttribute: "activityid",
	}})
	inv := &pagedInvoker{pages: map[int]*service.Response{
		0: {Records: []*service.Entity{record("activitypointer", map[string]string{"rowcount": `42`})}},
	}}
	ex := newTestExecutor(t, inv, meta, Config{})

	n, err := ex.ExecuteCount(context.Background(), "activitypointer", nil)
	if err != nil {
		t.Fatalf("ExecuteCount failed: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}

	doc := inv.lastReq.Load().(*service.Request).FetchXML
	if !strings.Contains(doc, `name="activityid"`) {
		t.Errorf("count does not aggregate over the primary key:\n%s", doc)
	}
	if strings.Contains(doc, "activitypointerid") {
		t.Errorf("count fabricated a key by naming convention:\n%s", doc)
	}
}

func TestExecuteCountWithFilter(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		0: {Records: []*service.Entity{record("account", map[string]string{"rowcount": `{"Value": 7}`})}},
	}}
	ex := newTestExecutor(t, inv, nil, Config{})

	where := &sql.Comparison{
		Op:    sql.Eq,
		Left:  &sql.ColumnRef{Name: "statecode"},
		Right: &sql.Literal{Kind: sql.NumberLiteral, Text: "1"},
	}
	n, err := ex.EstimateRows(context.Background(), "account", where)
	if err != nil {
		t.Fatalf("EstimateRows failed: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}

func TestExecuteMinMax(t *testing.T) {
	inv := &pagedInvoker{pages: map[int]*service.Response{
		0: {Records: []*service.Entity{record("account", map[string]string{
			"low":  `{"Value": 10.0}`,
			"high": `{"Value": 990.0}`,
		})}},
	}}
	ex := newTestExecutor(t, inv, nil, Config{})

	low, high, err := ex.ExecuteMinMax(context.Background(), "account", "revenue")
	if err != nil {
		t.Fatalf("ExecuteMinMax failed: %v", err)
	}
	if low.Raw.(float64) != 10.0 || high.Raw.(float64) != 990.0 {
		t.Errorf("min/max = %#v/%#v", low.Raw, high.Raw)
	}
}
