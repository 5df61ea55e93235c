// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package query executes FetchXML documents against pooled connections.
//
// The executor owns paging: it keeps fetching while the service reports more
// records, acquiring and releasing a pooled client per page so long queries
// never monopolize a connection. Returned cells are decoded against cached
// metadata into typed values.
package query

import (
	"context"
	"encoding/xml"
	"strconv"
	"time"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/fetchxml"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metadata"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/pool"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
	"github.com/fetchcore-dev/fetchcore/pkg/sql"
)

// Config tunes the executor.
type Config struct {
	// PageSize is the rows requested per page.
	PageSize int `koanf:"page_size" validate:"omitempty,min=1,max=5000"`

	// MaxRows caps the total rows returned; zero means unlimited.
	MaxRows int `koanf:"max_rows" validate:"min=0"`

	// ThrottleRetries bounds how many throttle signals one query absorbs
	// before surfacing the error.
	ThrottleRetries int `koanf:"throttle_retries" validate:"min=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PageSize: 5000, ThrottleRetries: 5}
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 5000
	}
	if c.ThrottleRetries <= 0 {
		c.ThrottleRetries = 5
	}
	return c
}

// Result is the decoded outcome of one query.
type Result struct {
	// EntityName is the primary entity of the query.
	EntityName string

	// Columns lists cell keys in first-seen order, for stable presentation.
	Columns []string

	// Rows holds the decoded records.
	Rows []Row

	// Truncated is set when MaxRows cut the result short.
	Truncated bool
}

// Executor runs FetchXML queries. Construct with New.
type Executor struct {
	pool *pool.Pool
	meta *metadata.Cache
	cfg  Config
}

// New creates an executor.
func New(p *pool.Pool, meta *metadata.Cache, cfg Config) *Executor {
	return &Executor{pool: p, meta: meta, cfg: cfg.withDefaults()}
}

// ExecuteQuery runs one FetchXML document to completion, following paging
// cookies until the service reports no more records or MaxRows is reached.
func (e *Executor) ExecuteQuery(ctx context.Context, fetchXML string) (*Result, error) {
	started := time.Now()
	defer func() { metrics.QueryDuration.Observe(time.Since(started).Seconds()) }()

	entityName, top, err := inspectFetch(fetchXML)
	if err != nil {
		return nil, err
	}

	var ent *metadata.Entity
	if e.meta != nil {
		// Descriptor lookups are best-effort: queries against entities with
		// unavailable metadata still return raw cells.
		if fetched, err := e.meta.Entity(ctx, entityName); err == nil {
			ent = fetched
		} else if faults.Is(err, faults.CodeNotFound) {
			return nil, err
		}
	}

	result := &Result{EntityName: entityName}
	seen := make(map[string]bool)

	page := 1
	cookie := ""
	for {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.CodeCancelled, "query cancelled", ctx.Err())
		}

		req := &service.Request{
			Operation:    service.OpRetrieveMultiple,
			FetchXML:     fetchXML,
			PageNumber:   page,
			PageSize:     e.cfg.PageSize,
			PagingCookie: cookie,
		}
		// TOP queries are a single page; paging cookies and top are mutually
		// exclusive on the service side.
		if top > 0 {
			req.PageNumber = 0
			req.PageSize = 0
		}

		resp, err := e.execute(ctx, req)
		if err != nil {
			return nil, err
		}
		metrics.QueryPages.Inc()

		for i, rec := range resp.Records {
			row := decodeRecord(ent, rec)
			for _, key := range row.keys {
				if !seen[key] {
					seen[key] = true
					result.Columns = append(result.Columns, key)
				}
			}
			result.Rows = append(result.Rows, row)
			if e.cfg.MaxRows > 0 && len(result.Rows) >= e.cfg.MaxRows {
				result.Truncated = resp.MoreRecords || i < len(resp.Records)-1
				return result, nil
			}
		}

		if top > 0 || !resp.MoreRecords {
			return result, nil
		}
		page++
		cookie = resp.PagingCookie
	}
}

// execute runs one organization request with pool bookkeeping and a bounded
// throttle-retry loop.
func (e *Executor) execute(ctx context.Context, req *service.Request) (*service.Response, error) {
	throttles := 0
	exclude := ""
	for {
		client, err := e.pool.Acquire(ctx, pool.AcquireOptions{ExcludePrincipal: exclude})
		if err != nil {
			return nil, err
		}

		resp, err := client.Execute(ctx, req)
		if err == nil {
			e.pool.ReportSuccess(client.Principal)
			client.Release()
			return resp, nil
		}

		principal := client.Principal
		switch {
		case faults.Is(err, faults.CodeThrottle):
			retryAfter := faults.RetryAfterOf(err)
			e.pool.ReportThrottle(principal, retryAfter)
			client.Release()
			throttles++
			if throttles > e.cfg.ThrottleRetries {
				return nil, err
			}
			logging.Ctx(ctx).Debug().
				Str("principal", principal).
				Dur("retry_after", retryAfter).
				Int("attempt", throttles).
				Msg("query throttled, waiting before retry")
			if !sleepCtx(ctx, retryAfter) {
				return nil, faults.Wrap(faults.CodeCancelled, "query cancelled", ctx.Err())
			}
			exclude = principal
			continue

		case faults.Is(err, faults.CodeAuth):
			client.Invalidate("auth")
			e.pool.RecordAuthFailure(principal)

		case faults.Is(err, faults.CodeConnection):
			client.Invalidate("connection")
			e.pool.RecordConnectionFailure(principal)
		}
		client.Release()
		return nil, err
	}
}

// ExecuteCount returns the row count of an entity, optionally filtered.
// Implemented as an aggregate count over the primary key. The key is
// resolved from metadata because not every entity names it <entity>id
// (activitypointer's is activityid); without a cache the emitter falls
// back to the naming convention.
func (e *Executor) ExecuteCount(ctx context.Context, entity string, where sql.Expr) (int64, error) {
	count := &sql.FuncCall{Name: "COUNT", Star: true}
	if e.meta != nil {
		if pk, err := e.meta.PrimaryID(ctx, entity); err == nil && pk != "" {
			count = &sql.FuncCall{Name: "COUNT", Args: []sql.Expr{&sql.ColumnRef{Name: pk}}}
		}
	}
	sel := &sql.SelectStatement{
		Columns: []sql.SelectColumn{{
			Expr:  count,
			Alias: "rowcount",
		}},
		From:  sql.TableRef{Name: entity},
		Where: where,
	}
	doc, err := fetchxml.Emit(sel)
	if err != nil {
		return 0, err
	}

	resp, err := e.execute(ctx, &service.Request{
		Operation: service.OpRetrieveMultiple,
		FetchXML:  doc,
	})
	if err != nil {
		return 0, err
	}
	if len(resp.Records) == 0 {
		return 0, nil
	}
	return decodeInt64(resp.Records[0].Attributes["rowcount"])
}

// EstimateRows implements the DML guard's row estimator.
func (e *Executor) EstimateRows(ctx context.Context, table string, where sql.Expr) (int64, error) {
	return e.ExecuteCount(ctx, table, where)
}

// ExecuteMinMax returns the minimum and maximum values of one attribute.
func (e *Executor) ExecuteMinMax(ctx context.Context, entity, attribute string) (Value, Value, error) {
	sel := &sql.SelectStatement{
		Columns: []sql.SelectColumn{
			{Expr: &sql.FuncCall{Name: "MIN", Args: []sql.Expr{&sql.ColumnRef{Name: attribute}}}, Alias: "low"},
			{Expr: &sql.FuncCall{Name: "MAX", Args: []sql.Expr{&sql.ColumnRef{Name: attribute}}}, Alias: "high"},
		},
		From: sql.TableRef{Name: entity},
	}
	doc, err := fetchxml.Emit(sel)
	if err != nil {
		return Value{}, Value{}, err
	}

	resp, err := e.execute(ctx, &service.Request{
		Operation: service.OpRetrieveMultiple,
		FetchXML:  doc,
	})
	if err != nil {
		return Value{}, Value{}, err
	}
	if len(resp.Records) == 0 {
		return Value{}, Value{}, nil
	}
	rec := resp.Records[0]
	return decodeCell(nil, "low", rec), decodeCell(nil, "high", rec), nil
}

// inspectFetch extracts the primary entity name and top attribute from a
// FetchXML document without executing it.
func inspectFetch(doc string) (entity string, top int, err error) {
	var parsed fetchxml.Fetch
	if uerr := xml.Unmarshal([]byte(doc), &parsed); uerr != nil {
		return "", 0, faults.Wrap(faults.CodeValidation, "malformed query document", uerr)
	}
	if parsed.Entity.Name == "" {
		return "", 0, faults.New(faults.CodeValidation, "query document names no entity")
	}
	if parsed.Top != "" {
		top, _ = strconv.Atoi(parsed.Top)
	}
	return parsed.Entity.Name, top, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
