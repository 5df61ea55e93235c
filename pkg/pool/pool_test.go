// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchcore-dev/fetchcore/pkg/faults"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
	"github.com/fetchcore-dev/fetchcore/pkg/throttle"
)

// fakeInvoker is a minimal invoker that records execute calls.
type fakeInvoker struct {
	principal string
	executes  atomic.Int64
	closed    atomic.Bool
}

func (f *fakeInvoker) Execute(_ context.Context, _ *service.Request) (*service.Response, error) {
	f.executes.Add(1)
	return &service.Response{}, nil
}

func (f *fakeInvoker) Clone() service.Invoker { return f }

func (f *fakeInvoker) Close() error {
	f.closed.Store(true)
	return nil
}

// newTestPool builds a pool over named principals with a counting factory.
func newTestPool(t *testing.T, cfg Config, names ...string) (*Pool, *atomic.Int64) {
	t.Helper()
	for _, name := range names {
		cfg.Principals = append(cfg.Principals, PrincipalConfig{Name: name})
	}
	var factoryCalls atomic.Int64
	p, err := New(cfg, func(_ context.Context, principal string, _ ClientOptions) (service.Invoker, error) {
		factoryCalls.Add(1)
		return &fakeInvoker{principal: principal}, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, &factoryCalls
}

func TestAcquireRelease_Basic(t *testing.T) {
	p, factoryCalls := newTestPool(t, Config{PerPrincipalCeiling: 4}, "app1")

	client, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if client.Principal != "app1" {
		t.Errorf("expected principal app1, got %s", client.Principal)
	}
	if p.InUse() != 1 {
		t.Errorf("expected 1 in use, got %d", p.InUse())
	}

	client.Release()
	client.Release() // idempotent
	if p.InUse() != 0 {
		t.Errorf("expected 0 in use after release, got %d", p.InUse())
	}
	if factoryCalls.Load() != 1 {
		t.Errorf("expected one factory call, got %d", factoryCalls.Load())
	}
}

func TestAcquire_FactoryCalledOncePerPrincipal(t *testing.T) {
	p, factoryCalls := newTestPool(t, Config{PerPrincipalCeiling: 8}, "app1")

	for i := 0; i < 5; i++ {
		client, err := p.Acquire(context.Background(), AcquireOptions{})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		client.Release()
	}
	if factoryCalls.Load() != 1 {
		t.Errorf("base connection should be created once, factory ran %d times", factoryCalls.Load())
	}
}

func TestAcquire_LeastLoadedSpreadsAcrossPrincipals(t *testing.T) {
	p, _ := newTestPool(t, Config{PerPrincipalCeiling: 8}, "app1", "app2")

	seen := map[string]int{}
	var clients []*Client
	for i := 0; i < 8; i++ {
		client, err := p.Acquire(context.Background(), AcquireOptions{})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		clients = append(clients, client)
		seen[client.Principal]++
	}
	for _, c := range clients {
		c.Release()
	}

	if seen["app1"] != 4 || seen["app2"] != 4 {
		t.Errorf("expected even spread, got %v", seen)
	}
}

func TestAcquire_ExcludePrincipalHonored(t *testing.T) {
	p, _ := newTestPool(t, Config{PerPrincipalCeiling: 8}, "app1", "app2")

	for i := 0; i < 6; i++ {
		client, err := p.Acquire(context.Background(), AcquireOptions{ExcludePrincipal: "app1"})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if client.Principal == "app1" {
			t.Errorf("acquired excluded principal app1 while app2 had headroom")
		}
		client.Release()
	}
}

func TestAcquire_ExcludedPrincipalUsedWhenOnlyOption(t *testing.T) {
	p, _ := newTestPool(t, Config{PerPrincipalCeiling: 4}, "solo")

	client, err := p.Acquire(context.Background(), AcquireOptions{ExcludePrincipal: "solo"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer client.Release()
	if client.Principal != "solo" {
		t.Errorf("expected fallback to sole principal, got %s", client.Principal)
	}
}

func TestAcquire_PoolExhaustedOnTimeout(t *testing.T) {
	cfg := Config{
		PerPrincipalCeiling: 1,
		AcquireTimeout:      100 * time.Millisecond,
		Throttle:            throttle.Config{MinimumParallelism: 1, HardCeiling: 1},
	}
	p, _ := newTestPool(t, cfg, "app1")

	held, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	_, err = p.Acquire(context.Background(), AcquireOptions{})
	if !faults.Is(err, faults.CodePoolExhausted) {
		t.Errorf("expected PoolExhausted, got %v", err)
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	p, _ := newTestPool(t, Config{PerPrincipalCeiling: 4}, "app1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Acquire(ctx, AcquireOptions{})
	if !faults.Is(err, faults.CodeCancelled) {
		t.Errorf("expected Cancelled, got %v", err)
	}
}

func TestAcquire_AllPrincipalsQuarantined(t *testing.T) {
	cfg := Config{
		PerPrincipalCeiling: 4,
		FaultThreshold:      2,
		QuarantineCooldown:  time.Hour,
		AcquireTimeout:      200 * time.Millisecond,
	}
	p, _ := newTestPool(t, cfg, "app1")

	for i := 0; i < 3; i++ {
		p.RecordAuthFailure("app1")
	}

	_, err := p.Acquire(context.Background(), AcquireOptions{})
	if !faults.Is(err, faults.CodeAllPrincipalsFailed) {
		t.Errorf("expected AllPrincipalsFailed, got %v", err)
	}
}

func TestQuarantine_SuccessClearsFaultCounters(t *testing.T) {
	cfg := Config{
		PerPrincipalCeiling: 4,
		FaultThreshold:      3,
		QuarantineCooldown:  time.Hour,
	}
	p, _ := newTestPool(t, cfg, "app1")

	// Two faults, then a success, then two more faults: never hits three
	// consecutive, so the principal stays in rotation.
	p.RecordConnectionFailure("app1")
	p.RecordConnectionFailure("app1")
	p.ReportSuccess("app1")
	p.RecordConnectionFailure("app1")
	p.RecordConnectionFailure("app1")

	client, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("expected principal still in rotation: %v", err)
	}
	client.Release()
}

func TestRelease_InvalidClientDropsBaseConnection(t *testing.T) {
	p, factoryCalls := newTestPool(t, Config{PerPrincipalCeiling: 4}, "app1")

	client, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	client.Invalidate("auth token rejected")
	client.Release()

	client2, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire after invalidation: %v", err)
	}
	client2.Release()

	if factoryCalls.Load() != 2 {
		t.Errorf("expected reconnect after invalid release, factory ran %d times", factoryCalls.Load())
	}
}

// sessionInvoker hands out a distinct invoker per clone, the way a real
// connection forks per-request sessions off one transport.
type sessionInvoker struct {
	fakeInvoker
	clones atomic.Int64
}

func (s *sessionInvoker) Clone() service.Invoker {
	s.clones.Add(1)
	return &fakeInvoker{principal: s.principal}
}

func TestRelease_InvalidCloneDropsBaseConnection(t *testing.T) {
	var (
		factoryCalls atomic.Int64
		first        *sessionInvoker
	)
	p, err := New(Config{
		Principals:          []PrincipalConfig{{Name: "app1"}},
		PerPrincipalCeiling: 4,
	}, func(_ context.Context, principal string, _ ClientOptions) (service.Invoker, error) {
		inv := &sessionInvoker{fakeInvoker: fakeInvoker{principal: principal}}
		if factoryCalls.Add(1) == 1 {
			first = inv
		}
		return inv, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	client, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.clones.Load() != 1 {
		t.Fatalf("expected handle to hold a clone, base cloned %d times", first.clones.Load())
	}
	client.Invalidate("connection reset")
	client.Release()

	client2, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire after invalidation: %v", err)
	}
	client2.Release()

	if factoryCalls.Load() != 2 {
		t.Errorf("expected reconnect after invalid cloned release, factory ran %d times", factoryCalls.Load())
	}
}

func TestInUse_NeverExceedsCapacity(t *testing.T) {
	cfg := Config{
		PerPrincipalCeiling: 3,
		AcquireTimeout:      200 * time.Millisecond,
		Throttle:            throttle.Config{MinimumParallelism: 3, HardCeiling: 3},
	}
	p, _ := newTestPool(t, cfg, "app1", "app2")
	capacity := p.Capacity()

	var (
		wg      sync.WaitGroup
		maxSeen atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := p.Acquire(context.Background(), AcquireOptions{})
			if err != nil {
				return
			}
			inUse := int64(p.InUse())
			for {
				prev := maxSeen.Load()
				if inUse <= prev || maxSeen.CompareAndSwap(prev, inUse) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			client.Release()
		}()
	}
	wg.Wait()

	if maxSeen.Load() > int64(capacity) {
		t.Errorf("in-use count %d exceeded capacity %d", maxSeen.Load(), capacity)
	}
}

func TestSharedCapacityLegacyModeTakesPrecedence(t *testing.T) {
	cfg := Config{PerPrincipalCeiling: 10, SharedCapacity: 3}
	p, _ := newTestPool(t, cfg, "app1", "app2")

	if p.Capacity() != 3 {
		t.Errorf("expected legacy shared capacity 3, got %d", p.Capacity())
	}
}

func TestFactoryFailureIsConnectionError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Principals = []PrincipalConfig{{Name: "broken"}}
	cfg.AcquireTimeout = 200 * time.Millisecond
	p, err := New(cfg, func(_ context.Context, _ string, _ ClientOptions) (service.Invoker, error) {
		return nil, errors.New("dial failed")
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Close() }()

	_, err = p.Acquire(context.Background(), AcquireOptions{})
	if !faults.Is(err, faults.CodeConnection) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestAffinityCookieDisabledByDefault(t *testing.T) {
	cfg := Config{PerPrincipalCeiling: 2}
	cfg.Principals = []PrincipalConfig{{Name: "app1"}}

	var gotOpts ClientOptions
	p, err := New(cfg, func(_ context.Context, _ string, opts ClientOptions) (service.Invoker, error) {
		gotOpts = opts
		return &fakeInvoker{}, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Close() }()

	client, err := p.Acquire(context.Background(), AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	client.Release()

	if !gotOpts.DisableAffinityCookie {
		t.Error("affinity cookie must be disabled by default")
	}
}
