// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package bulk fans batched write operations out across the connection pool.
//
// A job is chunked into Service-capped sub-batches, dispatched with bounded
// concurrency derived from the throttle controller, and aggregated into a
// structured result with per-record failures. Fault classes get distinct
// retry policies: throttles re-enqueue indefinitely after the Retry-After
// wait, deadlocks and transport faults retry a bounded number of times with
// exponential back-off, auth faults abort the job, and anything else becomes
// a per-record failure.
//
// Ordering is preserved only within a sub-batch's response mapping; across
// sub-batches the Service's semantics are set-based and no ordering is
// guaranteed.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/pool"
	"github.com/fetchcore-dev/fetchcore/pkg/progress"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
)

// Operation is the write kind of a batch job.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Failure is one record that definitively failed. Index refers to the
// caller's original slice.
type Failure struct {
	Index int
	Fault *service.Fault
	Code  faults.Code
}

// Result aggregates a completed job. A job with failures is not an error:
// callers inspect Failures (the PartialFailure contract).
type Result struct {
	SuccessCount int
	Failures     []Failure
}

// Config tunes the dispatcher.
type Config struct {
	// SubBatchSize is the Service-imposed per-request cap.
	SubBatchSize int `koanf:"sub_batch_size" validate:"gte=0"`

	// MaxRetries bounds deadlock and transport retries per sub-batch.
	// Throttle retries are not bounded by this.
	MaxRetries int `koanf:"max_retries" validate:"gte=0"`

	// RetryBackoff is the initial back-off for bounded retries; doubles per
	// attempt.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// Parallelism advises a fan-out ceiling below the pool-derived budget.
	// Zero means use the pool budget as-is.
	Parallelism int `koanf:"parallelism" validate:"gte=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubBatchSize: 1000,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = def.SubBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Dispatcher implements the BulkExecutor contract over a connection pool.
type Dispatcher struct {
	pool *pool.Pool
	cfg  Config
}

// NewDispatcher creates a dispatcher over the given pool.
func NewDispatcher(p *pool.Pool, cfg Config) *Dispatcher {
	return &Dispatcher{pool: p, cfg: cfg.withDefaults()}
}

// CreateMany persists records and returns per-record outcomes. Record order
// inside the result's failure indices matches the input slice.
func (d *Dispatcher) CreateMany(ctx context.Context, records []*service.Entity, rep progress.Reporter) (*Result, error) {
	reqs := make([]*service.Request, len(records))
	for i, rec := range records {
		reqs[i] = &service.Request{Operation: service.OpCreate, Record: rec}
	}
	return d.run(ctx, OpCreate, reqs, rep)
}

// UpdateMany applies set-based updates to existing records.
func (d *Dispatcher) UpdateMany(ctx context.Context, records []*service.Entity, rep progress.Reporter) (*Result, error) {
	reqs := make([]*service.Request, len(records))
	for i, rec := range records {
		reqs[i] = &service.Request{Operation: service.OpUpdate, Record: rec}
	}
	return d.run(ctx, OpUpdate, reqs, rep)
}

// DeleteMany removes the referenced records.
func (d *Dispatcher) DeleteMany(ctx context.Context, refs []*service.EntityRef, rep progress.Reporter) (*Result, error) {
	reqs := make([]*service.Request, len(refs))
	for i, ref := range refs {
		reqs[i] = &service.Request{Operation: service.OpDelete, Target: ref}
	}
	return d.run(ctx, OpDelete, reqs, rep)
}

// subBatch is one dispatch unit: a window of requests plus their original
// indices for fault mapping.
type subBatch struct {
	requests []*service.Request
	indices  []int
}

// run chunks, fans out, and aggregates.
func (d *Dispatcher) run(ctx context.Context, op Operation, requests []*service.Request, rep progress.Reporter) (*Result, error) {
	if rep == nil {
		rep = progress.Noop{}
	}
	if len(requests) == 0 {
		rep.ReportComplete("nothing to do")
		return &Result{}, nil
	}
	ctx = logging.ContextWithNewCorrelationID(ctx)

	rep.ReportStatus("chunking")
	batches := chunk(requests, d.cfg.SubBatchSize)

	fanOut := d.pool.EffectiveFanOut()
	if d.cfg.Parallelism > 0 && fanOut > d.cfg.Parallelism {
		fanOut = d.cfg.Parallelism
	}
	if fanOut > len(batches) {
		fanOut = len(batches)
	}
	if len(batches) <= 1 || fanOut < 1 {
		fanOut = 1
	}

	logging.Ctx(ctx).Debug().
		Str("operation", string(op)).
		Int("records", len(requests)).
		Int("sub_batches", len(batches)).
		Int("fan_out", fanOut).
		Msg("bulk job starting")
	rep.ReportStatus("dispatching")

	var (
		successes  atomic.Int64
		failuresMu sync.Mutex
		failures   []Failure
		start      = time.Now()
		total      = int64(len(requests))
	)
	report := func() {
		done := successes.Load() + func() int64 {
			failuresMu.Lock()
			defer failuresMu.Unlock()
			return int64(len(failures))
		}()
		throughput := 0.0
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			throughput = float64(done) / elapsed
		}
		rep.ReportProgress(done, total, throughput)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for _, batch := range batches {
		g.Go(func() error {
			// Cancellation check between sub-batches.
			if err := gctx.Err(); err != nil {
				return faults.Wrap(faults.CodeCancelled, "bulk job cancelled", err)
			}
			err := d.dispatchSubBatch(gctx, op, batch, &successes, func(f Failure) {
				failuresMu.Lock()
				failures = append(failures, f)
				failuresMu.Unlock()
			})
			report()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		rep.ReportError(err.Error())
		return nil, err
	}

	result := &Result{SuccessCount: int(successes.Load()), Failures: failures}
	metrics.BulkRecords.WithLabelValues(string(op), "success").Add(float64(result.SuccessCount))
	metrics.BulkRecords.WithLabelValues(string(op), "failure").Add(float64(len(result.Failures)))
	rep.ReportComplete(fmt.Sprintf("%d succeeded, %d failed", result.SuccessCount, len(result.Failures)))
	return result, nil
}

// dispatchSubBatch executes one sub-batch, applying per-class retry policy.
// The client is acquired inside this worker, per the pool's
// client-inside-loop rule.
func (d *Dispatcher) dispatchSubBatch(ctx context.Context, op Operation, batch subBatch, successes *atomic.Int64, addFailure func(Failure)) error {
	metrics.BulkSubBatches.WithLabelValues(string(op)).Inc()

	pending := batch
	boundedRetries := 0
	excludePrincipal := ""

	for {
		client, err := d.pool.Acquire(ctx, pool.AcquireOptions{ExcludePrincipal: excludePrincipal})
		if err != nil {
			return err
		}

		items, err := service.ExecuteMultiple(ctx, client, pending.requests, true)
		principal := client.Principal

		if err != nil {
			// Whole-call failure: classify and either retry or abort.
			switch code := faults.CodeOf(err); code {
			case faults.CodeThrottle:
				retryAfter := faults.RetryAfterOf(err)
				d.pool.ReportThrottle(principal, retryAfter)
				client.Release()
				metrics.BulkRetries.WithLabelValues("throttle").Inc()
				excludePrincipal = principal
				if werr := sleepCtx(ctx, retryAfter); werr != nil {
					return werr
				}
				continue
			case faults.CodeAuth:
				client.Invalidate("authentication failed")
				d.pool.RecordAuthFailure(principal)
				client.Release()
				return faults.Wrap(faults.CodeAuth, "bulk job aborted: authentication failed", err)
			case faults.CodeConnection:
				client.Invalidate("transport fault")
				d.pool.RecordConnectionFailure(principal)
				client.Release()
				boundedRetries++
				if boundedRetries > d.cfg.MaxRetries {
					return faults.Wrap(faults.CodeConnection, "bulk sub-batch failed after transport retries", err)
				}
				metrics.BulkRetries.WithLabelValues("connection").Inc()
				if werr := sleepCtx(ctx, backoff(d.cfg.RetryBackoff, boundedRetries)); werr != nil {
					return werr
				}
				continue
			default:
				client.Release()
				return err
			}
		}

		d.pool.ReportSuccess(principal)
		client.Release()

		// Per-item outcomes: successes count, faults are classified into a
		// retry set or recorded as definitive failures.
		var retry subBatch
		throttled := false
		deadlocked := false
		var maxRetryAfter time.Duration

		for i := range pending.requests {
			item := findItem(items, i)
			if item == nil || item.Fault == nil {
				successes.Add(1)
				continue
			}
			fault := item.Fault
			origIndex := pending.indices[i]
			switch {
			case fault.IsThrottle():
				throttled = true
				if fault.RetryAfter > maxRetryAfter {
					maxRetryAfter = fault.RetryAfter
				}
				retry.requests = append(retry.requests, pending.requests[i])
				retry.indices = append(retry.indices, origIndex)
			case fault.IsAuth():
				d.pool.RecordAuthFailure(principal)
				return faults.New(faults.CodeAuth, "bulk job aborted: authentication failed")
			case fault.IsDeadlock():
				deadlocked = true
				retry.requests = append(retry.requests, pending.requests[i])
				retry.indices = append(retry.indices, origIndex)
			default:
				addFailure(Failure{Index: origIndex, Fault: fault, Code: faults.CodeInternal})
			}
		}

		if len(retry.requests) == 0 {
			return nil
		}

		if throttled {
			d.pool.ReportThrottle(principal, maxRetryAfter)
			metrics.BulkRetries.WithLabelValues("throttle").Inc()
			excludePrincipal = principal
			// Throttle retries are unlimited; wait out the hint.
			if werr := sleepCtx(ctx, maxRetryAfter); werr != nil {
				return werr
			}
		} else if deadlocked {
			boundedRetries++
			if boundedRetries > d.cfg.MaxRetries {
				for i := range retry.requests {
					addFailure(Failure{
						Index: retry.indices[i],
						Fault: &service.Fault{Message: "deadlock retries exhausted"},
						Code:  faults.CodeConnection,
					})
				}
				return nil
			}
			metrics.BulkRetries.WithLabelValues("deadlock").Inc()
			if werr := sleepCtx(ctx, backoff(d.cfg.RetryBackoff, boundedRetries)); werr != nil {
				return werr
			}
		}

		pending = retry
	}
}

// findItem locates the response item for a request index. Responses echo the
// request's position in the sub-batch via RequestIndex.
func findItem(items []service.ItemResult, requestIndex int) *service.ItemResult {
	for i := range items {
		if items[i].RequestIndex == requestIndex {
			return &items[i]
		}
	}
	return nil
}

// chunk splits requests into Service-capped windows, remembering original
// indices.
func chunk(requests []*service.Request, size int) []subBatch {
	var batches []subBatch
	for start := 0; start < len(requests); start += size {
		end := start + size
		if end > len(requests) {
			end = len(requests)
		}
		b := subBatch{requests: requests[start:end]}
		for i := start; i < end; i++ {
			b.indices = append(b.indices, i)
		}
		batches = append(batches, b)
	}
	return batches
}

// backoff returns the bounded-retry wait for the given attempt (1-based).
func backoff(initial time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.CodeCancelled, "bulk job cancelled", ctx.Err())
	case <-timer.C:
		return nil
	}
}
