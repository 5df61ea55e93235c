// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package pool multiplexes Service traffic across several principals while
// staying inside each principal's protection budget.
//
// The pool owns one long-lived connection per principal and hands out
// short-lived cloned handles. Total capacity is bounded by a weighted
// semaphore; per-principal capacity is bounded by the adaptive throttle
// controller. Principals accumulating consecutive hard faults are quarantined
// by a circuit breaker and re-enter rotation after a cooldown probe.
//
// # Client-inside-loop rule
//
// Callers performing parallel work MUST acquire a client inside each parallel
// iteration, not once outside the loop. A single handle held across a
// parallel fan-out pins all traffic to one principal and one Service node,
// defeating the pool:
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.SetLimit(fanOut)
//	for _, batch := range batches {
//		g.Go(func() error {
//			client, err := p.Acquire(ctx, pool.AcquireOptions{})
//			if err != nil { return err }
//			defer client.Release()
//			return work(ctx, client, batch)
//		})
//	}
//
// # Affinity suppression
//
// By default handles are created with the Service's session-affinity routing
// token disabled (Options.DisableAffinityCookie). With affinity on, one
// principal's traffic is pinned to a single Service node and throughput
// collapses; leave the default unless a workload truly needs sticky
// consistency.
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
	"github.com/fetchcore-dev/fetchcore/pkg/throttle"
)

// ClientOptions is passed to the invoker factory when a principal's base
// connection is created.
type ClientOptions struct {
	// DisableAffinityCookie suppresses the Service's session-affinity
	// routing token. See the package comment; defaults to true via
	// Config.withDefaults.
	DisableAffinityCookie bool
}

// InvokerFactory creates the long-lived base invoker for one principal.
// Implementations live in transport adapters outside the core.
type InvokerFactory func(ctx context.Context, principal string, opts ClientOptions) (service.Invoker, error)

// SelectionStrategy picks the next principal among eligible candidates.
// Implementations receive each candidate's in-use count and must return the
// index of the chosen candidate.
type SelectionStrategy interface {
	Select(candidates []Candidate) int
}

// Candidate is one eligible principal presented to a SelectionStrategy.
type Candidate struct {
	Name  string
	InUse int
}

// LeastLoaded is the default strategy: fewest in-use handles, ties broken by
// a rotating index so equally loaded principals alternate.
type LeastLoaded struct {
	rr atomic.Uint64
}

// Select implements SelectionStrategy.
func (s *LeastLoaded) Select(candidates []Candidate) int {
	offset := int(s.rr.Add(1))
	best := -1
	bestInUse := 0
	for i := range candidates {
		idx := (i + offset) % len(candidates)
		if best == -1 || candidates[idx].InUse < bestInUse {
			best = idx
			bestInUse = candidates[idx].InUse
		}
	}
	return best
}

// Config configures the pool.
type Config struct {
	// Principals lists the identities to multiplex across. At least one.
	Principals []PrincipalConfig `koanf:"principals" validate:"min=1,dive"`

	// PerPrincipalCeiling is the default hard parallelism ceiling per
	// principal. Total capacity is PerPrincipalCeiling x len(Principals)
	// unless SharedCapacity overrides it.
	PerPrincipalCeiling int `koanf:"per_principal_ceiling" validate:"gte=0"`

	// SharedCapacity is the legacy single shared capacity. When non-zero it
	// takes precedence over the per-principal computation. Deprecated; kept
	// for configurations written against the old pool.
	SharedCapacity int `koanf:"shared_capacity" validate:"gte=0"`

	// AcquireTimeout bounds how long Acquire waits for a slot.
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`

	// DisableAffinityCookie is forwarded to the invoker factory.
	// Pointer so an explicit false survives default filling.
	DisableAffinityCookie *bool `koanf:"disable_affinity_cookie"`

	// FaultThreshold is the consecutive hard-fault count that quarantines a
	// principal.
	FaultThreshold int `koanf:"fault_threshold" validate:"gte=0"`

	// QuarantineCooldown is how long a quarantined principal stays out of
	// rotation before a probe is admitted.
	QuarantineCooldown time.Duration `koanf:"quarantine_cooldown"`

	// Throttle tunes the embedded adaptive controller.
	Throttle throttle.Config `koanf:"throttle"`
}

// DefaultConfig returns production defaults for a single principal named
// "default". Callers normally replace Principals wholesale.
func DefaultConfig() Config {
	return Config{
		PerPrincipalCeiling: 52,
		AcquireTimeout:      60 * time.Second,
		FaultThreshold:      3,
		QuarantineCooldown:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PerPrincipalCeiling <= 0 {
		c.PerPrincipalCeiling = def.PerPrincipalCeiling
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = def.FaultThreshold
	}
	if c.QuarantineCooldown <= 0 {
		c.QuarantineCooldown = def.QuarantineCooldown
	}
	if c.DisableAffinityCookie == nil {
		t := true
		c.DisableAffinityCookie = &t
	}
	return c
}

// AcquireOptions modifies one acquisition.
type AcquireOptions struct {
	// ExcludePrincipal skips the named principal when any alternative is
	// available. Used by retry paths that just saw a principal throttled.
	ExcludePrincipal string
}

// Pool is the fixed-composition connection pool. Construct with New; the
// zero value is not usable.
type Pool struct {
	cfg      Config
	factory  InvokerFactory
	throttle *throttle.Controller
	strategy SelectionStrategy

	sem      *semaphore.Weighted
	capacity int64

	principals []*principalState
	closed     atomic.Bool
}

// selectRetryInterval is the wait between principal-eligibility checks while
// holding a slot permit.
const selectRetryInterval = 25 * time.Millisecond

// New builds a pool over the configured principals. The factory is invoked
// lazily, once per principal, on first acquisition.
func New(cfg Config, factory InvokerFactory) (*Pool, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Principals) == 0 {
		return nil, faults.New(faults.CodeValidation, "pool requires at least one principal")
	}
	if factory == nil {
		return nil, faults.New(faults.CodeValidation, "pool requires an invoker factory")
	}

	capacity := int64(cfg.PerPrincipalCeiling) * int64(len(cfg.Principals))
	if cfg.SharedCapacity > 0 {
		// Legacy shared-pool mode takes precedence when configured.
		capacity = int64(cfg.SharedCapacity)
		logging.Warn().
			Int("shared_capacity", cfg.SharedCapacity).
			Msg("legacy shared-capacity pool mode enabled; prefer per-principal ceilings")
	}

	throttleCfg := cfg.Throttle
	if throttleCfg.HardCeiling <= 0 {
		throttleCfg.HardCeiling = cfg.PerPrincipalCeiling
	}

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		throttle: throttle.NewController(throttleCfg),
		strategy: &LeastLoaded{},
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
	for _, pc := range cfg.Principals {
		p.principals = append(p.principals, newPrincipalState(pc, uint32(cfg.FaultThreshold), cfg.QuarantineCooldown))
	}
	return p, nil
}

// SetStrategy replaces the principal selection strategy. Not safe to call
// concurrently with Acquire; set it during startup.
func (p *Pool) SetStrategy(s SelectionStrategy) {
	if s != nil {
		p.strategy = s
	}
}

// Throttle exposes the embedded controller for components that report
// outcomes directly.
func (p *Pool) Throttle() *throttle.Controller { return p.throttle }

// Capacity returns the total slot capacity.
func (p *Pool) Capacity() int { return int(p.capacity) }

// effectiveParallelism returns the throttle-derived ceiling for a principal.
func (p *Pool) effectiveParallelism(ps *principalState) int {
	limit := p.throttle.GetParallelism(ps.name, int(ps.recommended.Load()), len(p.principals))
	if ps.cfg.MaxParallelism > 0 && limit > ps.cfg.MaxParallelism {
		limit = ps.cfg.MaxParallelism
	}
	return limit
}

// Acquire waits for a slot, selects a principal, and returns a fresh handle
// bound to it. Fails with PoolExhausted when the wait exceeds the configured
// acquire timeout and with AllPrincipalsFailed when every principal is
// quarantined.
func (p *Pool) Acquire(ctx context.Context, opts AcquireOptions) (*Client, error) {
	if p.closed.Load() {
		return nil, faults.New(faults.CodeInternal, "pool is closed")
	}
	if err := ctx.Err(); err != nil {
		metrics.PoolAcquires.WithLabelValues("cancelled").Inc()
		return nil, faults.Wrap(faults.CodeCancelled, "acquire cancelled", err)
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			metrics.PoolAcquires.WithLabelValues("cancelled").Inc()
			return nil, faults.Wrap(faults.CodeCancelled, "acquire cancelled", ctx.Err())
		}
		metrics.PoolAcquires.WithLabelValues("exhausted").Inc()
		return nil, faults.Wrap(faults.CodePoolExhausted, "no pool slot available within acquire timeout", err)
	}

	client, err := p.selectAndBind(waitCtx, ctx, opts)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	metrics.PoolAcquires.WithLabelValues("ok").Inc()
	metrics.PoolAcquireDuration.Observe(time.Since(start).Seconds())
	return client, nil
}

// selectAndBind loops until a principal has headroom, then binds a handle.
// The slot permit is already held; the caller releases it on error.
func (p *Pool) selectAndBind(waitCtx, callerCtx context.Context, opts AcquireOptions) (*Client, error) {
	ticker := time.NewTicker(selectRetryInterval)
	defer ticker.Stop()

	for {
		available := 0
		candidates := make([]Candidate, 0, len(p.principals))
		states := make([]*principalState, 0, len(p.principals))
		for _, ps := range p.principals {
			if !ps.available() {
				continue
			}
			available++
			// Honor the exclusion only when an alternative exists.
			if opts.ExcludePrincipal != "" && ps.name == opts.ExcludePrincipal && len(p.principals) > 1 {
				continue
			}
			if int(ps.inUse.Load()) >= p.effectiveParallelism(ps) {
				continue
			}
			candidates = append(candidates, Candidate{Name: ps.name, InUse: int(ps.inUse.Load())})
			states = append(states, ps)
		}

		if available == 0 {
			metrics.PoolAcquires.WithLabelValues("failed").Inc()
			return nil, faults.New(faults.CodeAllPrincipalsFailed, "all principals are quarantined")
		}

		if len(candidates) == 0 && opts.ExcludePrincipal != "" {
			// Only the excluded principal has headroom; fall back to it.
			for _, ps := range p.principals {
				if ps.name == opts.ExcludePrincipal && ps.available() &&
					int(ps.inUse.Load()) < p.effectiveParallelism(ps) {
					candidates = append(candidates, Candidate{Name: ps.name, InUse: int(ps.inUse.Load())})
					states = append(states, ps)
				}
			}
		}

		if len(candidates) > 0 {
			ps := states[p.strategy.Select(candidates)]
			return p.bind(waitCtx, callerCtx, ps)
		}

		select {
		case <-waitCtx.Done():
			if callerCtx.Err() != nil {
				metrics.PoolAcquires.WithLabelValues("cancelled").Inc()
				return nil, faults.Wrap(faults.CodeCancelled, "acquire cancelled", callerCtx.Err())
			}
			metrics.PoolAcquires.WithLabelValues("exhausted").Inc()
			return nil, faults.New(faults.CodePoolExhausted, "no principal headroom within acquire timeout")
		case <-ticker.C:
		}
	}
}

// bind creates the handle: waits on the principal's pacer, ensures the base
// invoker exists, clones it when supported, and stamps identity metadata.
func (p *Pool) bind(waitCtx, callerCtx context.Context, ps *principalState) (*Client, error) {
	if ps.limiter != nil {
		if err := ps.limiter.Wait(waitCtx); err != nil {
			if callerCtx.Err() != nil {
				return nil, faults.Wrap(faults.CodeCancelled, "acquire cancelled", callerCtx.Err())
			}
			return nil, faults.Wrap(faults.CodePoolExhausted, "request pacer wait exceeded acquire timeout", err)
		}
	}

	base, err := p.baseInvoker(waitCtx, ps)
	if err != nil {
		ps.observe(err)
		ps.connFailures.Add(1)
		metrics.PoolAcquires.WithLabelValues("failed").Inc()
		return nil, faults.Wrap(faults.CodeConnection, "failed to open connection for principal", err)
	}

	invoker := base
	if cloner, ok := base.(service.Cloner); ok {
		invoker = cloner.Clone()
	}

	ps.inUse.Add(1)
	metrics.PoolInUse.WithLabelValues(ps.name).Inc()

	return &Client{
		ID:        uuid.New(),
		Principal: ps.name,
		created:   time.Now(),
		invoker:   invoker,
		base:      base,
		pool:      p,
		ps:        ps,
	}, nil
}

// baseInvoker returns the principal's long-lived invoker, creating it on
// first use.
func (p *Pool) baseInvoker(ctx context.Context, ps *principalState) (service.Invoker, error) {
	ps.baseMu.Lock()
	defer ps.baseMu.Unlock()
	if ps.base != nil {
		return ps.base, nil
	}
	inv, err := p.factory(ctx, ps.name, ClientOptions{
		DisableAffinityCookie: *p.cfg.DisableAffinityCookie,
	})
	if err != nil {
		return nil, err
	}
	ps.base = inv
	return inv, nil
}

// release is called by Client.Release.
func (p *Pool) release(c *Client) {
	if invalid, reason := c.Invalid(); invalid {
		// A broken handle may mean a broken base connection; drop the base
		// so the next acquire reconnects. Cloned handles share the base
		// transport, so the comparison is against the handle's origin, not
		// its (possibly cloned) invoker. A base already replaced by a newer
		// reconnect is left alone.
		c.ps.baseMu.Lock()
		if c.ps.base == c.base {
			c.ps.base = nil
		}
		c.ps.baseMu.Unlock()
		logging.Debug().
			Str("principal", c.Principal).
			Str("connection_id", c.ID.String()).
			Str("reason", reason).
			Msg("pooled client destroyed")
	}
	c.ps.inUse.Add(-1)
	metrics.PoolInUse.WithLabelValues(c.Principal).Dec()
	p.sem.Release(1)
}

// ReportSuccess feeds a successful Service call into the throttle controller
// and clears the principal's fault counters.
func (p *Pool) ReportSuccess(principal string) {
	if ps := p.lookup(principal); ps != nil {
		ps.authFailures.Store(0)
		ps.connFailures.Store(0)
		ps.observe(nil)
	}
	p.throttle.RecordSuccess(principal)
}

// ReportThrottle feeds a Service rate-limit signal into the throttle
// controller. Throttles are budget signals, not faults: they do not count
// against the quarantine breaker.
func (p *Pool) ReportThrottle(principal string, retryAfter time.Duration) {
	p.throttle.RecordThrottle(principal, retryAfter)
}

// RecordAuthFailure bumps the principal's auth fault counter and the
// quarantine breaker.
func (p *Pool) RecordAuthFailure(principal string) {
	if ps := p.lookup(principal); ps != nil {
		ps.authFailures.Add(1)
		ps.observe(errors.New("authentication failure"))
	}
}

// RecordConnectionFailure bumps the principal's connection fault counter and
// the quarantine breaker.
func (p *Pool) RecordConnectionFailure(principal string) {
	if ps := p.lookup(principal); ps != nil {
		ps.connFailures.Add(1)
		ps.observe(errors.New("connection failure"))
	}
}

// EffectiveFanOut returns the sum of per-principal effective parallelism
// across available principals: the dispatcher's bounded-concurrency budget.
func (p *Pool) EffectiveFanOut() int {
	total := 0
	for _, ps := range p.principals {
		if !ps.available() {
			continue
		}
		total += p.effectiveParallelism(ps)
	}
	if total < 1 {
		total = 1
	}
	return total
}

// InUse returns the number of handles currently held, across principals.
func (p *Pool) InUse() int {
	total := 0
	for _, ps := range p.principals {
		total += int(ps.inUse.Load())
	}
	return total
}

// Close tears the pool down. Outstanding handles stay valid until released;
// new acquisitions fail immediately.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, ps := range p.principals {
		ps.baseMu.Lock()
		if closer, ok := ps.base.(interface{ Close() error }); ok && ps.base != nil {
			_ = closer.Close()
		}
		ps.base = nil
		ps.baseMu.Unlock()
	}
	return nil
}

func (p *Pool) lookup(principal string) *principalState {
	for _, ps := range p.principals {
		if ps.name == principal {
			return ps
		}
	}
	return nil
}
