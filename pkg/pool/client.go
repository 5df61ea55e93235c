// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package pool

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
)

// Client is a short-lived pooled handle bound to one principal.
//
// A Client is held by at most one caller at a time. Callers must release it
// on every exit path, typically:
//
//	client, err := p.Acquire(ctx, pool.AcquireOptions{})
//	if err != nil { ... }
//	defer client.Release()
//
// Release is idempotent; calling it twice is harmless.
type Client struct {
	// ID identifies this handle in logs.
	ID uuid.UUID

	// Principal is the owning principal's name.
	Principal string

	created  time.Time
	lastUsed atomic.Int64 // unix nanos

	invoker service.Invoker
	base    service.Invoker // origin connection the invoker was cloned from
	pool    *Pool
	ps      *principalState

	released atomic.Bool
	invalid  atomic.Bool
	reason   atomic.Value // string
}

// Execute forwards an organization request on this handle's connection.
func (c *Client) Execute(ctx context.Context, req *service.Request) (*service.Response, error) {
	if c.released.Load() {
		return nil, faults.New(faults.CodeInternal, "pooled client used after release")
	}
	c.lastUsed.Store(time.Now().UnixNano())

	resp, err := c.invoker.Execute(ctx, req)
	if err == nil && resp != nil && resp.RecommendedDegree > 0 {
		// First successful call reports the Service's recommended degree.
		c.ps.recommended.CompareAndSwap(0, int32(resp.RecommendedDegree))
	}
	return resp, err
}

// Invalidate marks the handle as broken. On release it is destroyed instead
// of returned for reuse.
func (c *Client) Invalidate(reason string) {
	c.invalid.Store(true)
	c.reason.Store(reason)
}

// Invalid reports whether the handle was marked broken, and why.
func (c *Client) Invalid() (bool, string) {
	if !c.invalid.Load() {
		return false, ""
	}
	reason, _ := c.reason.Load().(string)
	return true, reason
}

// Age returns how long ago this handle was created.
func (c *Client) Age() time.Duration {
	return time.Since(c.created)
}

// Release returns the handle to the pool. Invalid handles are destroyed.
// Safe to call multiple times; only the first call has effect.
func (c *Client) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}

	if invalid, reason := c.Invalid(); invalid {
		if closer, ok := c.invoker.(io.Closer); ok {
			_ = closer.Close() // best-effort teardown of a broken handle
		}
		metrics.PoolClientsDestroyed.WithLabelValues(reason).Inc()
	}

	c.pool.release(c)
}
