// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

package pool

import (
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
	"github.com/fetchcore-dev/fetchcore/pkg/service"
)

// PrincipalConfig describes one service principal in the pool.
type PrincipalConfig struct {
	// Name is the stable principal identifier, used for throttle keying,
	// logging, and metrics.
	Name string `koanf:"name" validate:"required"`

	// MaxParallelism overrides the pool-wide per-principal ceiling for this
	// principal when non-zero.
	MaxParallelism int `koanf:"max_parallelism" validate:"gte=0"`

	// RequestsPerSecond enables an optional request pacer. Zero disables
	// pacing; the adaptive throttle remains the primary control.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`

	// Burst is the pacer burst size; defaults to ceil(RequestsPerSecond).
	Burst int `koanf:"burst" validate:"gte=0"`
}

// principalState is the pool's live record of one principal: the long-lived
// base invoker, in-use accounting, the quarantine breaker, and the optional
// pacer.
type principalState struct {
	name string
	cfg  PrincipalConfig

	// base is the long-lived connection, created lazily on first acquire.
	// Fresh handles are cloned from it when the invoker supports cloning.
	baseMu sync.Mutex
	base   service.Invoker

	// recommended is the Service-reported parallelism degree, captured from
	// the first successful response.
	recommended atomic.Int32

	// inUse counts handles currently held by callers.
	inUse atomic.Int32

	// Consecutive transient-fault counters, reset on success.
	authFailures atomic.Int32
	connFailures atomic.Int32

	// breaker quarantines the principal after consecutive hard faults.
	// Open state means out of rotation; gobreaker's half-open probing
	// doubles as the cooldown re-entry.
	breaker *gobreaker.CircuitBreaker[struct{}]

	// limiter paces requests when RequestsPerSecond is configured.
	limiter *rate.Limiter
}

func newPrincipalState(cfg PrincipalConfig, faultThreshold uint32, cooldown time.Duration) *principalState {
	ps := &principalState{name: cfg.Name, cfg: cfg}

	ps.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "principal-" + cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= faultThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("principal", cfg.Name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("principal quarantine state changed")
			metrics.QuarantineState.WithLabelValues(cfg.Name).Set(breakerStateFloat(to))
		},
	})
	metrics.QuarantineState.WithLabelValues(cfg.Name).Set(0)

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		ps.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return ps
}

// observe feeds an outcome into the quarantine breaker. gobreaker only
// counts outcomes that flow through Execute, so faults reported out-of-band
// (by the dispatcher or executor) are registered with a no-op execution.
func (ps *principalState) observe(err error) {
	_, _ = ps.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, err
	})
}

// available reports whether the principal is in rotation. A half-open
// breaker admits probes, so only the open state excludes it.
func (ps *principalState) available() bool {
	return ps.breaker.State() != gobreaker.StateOpen
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
