// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package throttle implements the adaptive per-principal parallelism
// controller.
//
// The Service protects itself with per-principal concurrency, rate, and
// burst limits, and reports overshoot with Retry-After hints. The controller
// applies the classic additive-increase / multiplicative-decrease law to keep
// effective parallelism near the unknown capacity: sustained success raises
// the ceiling in small steps, a throttle signal cuts it multiplicatively and
// pins an ephemeral post-throttle ceiling so the controller does not
// immediately re-probe the level that just failed. A floor guarantees forward
// progress under sustained pressure.
//
// All methods are pure state updates: they never block and never fail.
package throttle

import (
	"sync"
	"time"

	"github.com/fetchcore-dev/fetchcore/pkg/logging"
	"github.com/fetchcore-dev/fetchcore/pkg/metrics"
)

// Config tunes the controller. The numeric values are tuning parameters, not
// invariants; the defaults reflect observed Service behavior but safe
// deployments may need different settings.
type Config struct {
	// MinimumParallelism is the configured component of the floor. The
	// effective floor is max(MinimumParallelism, recommended) scaled by the
	// principal count.
	MinimumParallelism int `koanf:"minimum_parallelism" validate:"gte=0"`

	// HardCeiling caps effective parallelism per principal regardless of
	// success history.
	HardCeiling int `koanf:"hard_ceiling" validate:"gte=0"`

	// IncreaseStep is the additive raise applied after sustained success.
	IncreaseStep int `koanf:"increase_step" validate:"gte=0"`

	// RecoveryMultiplier scales IncreaseStep while current parallelism is
	// below the last-known-good level, so recovery from a throttle is
	// faster than exploration of new territory.
	RecoveryMultiplier int `koanf:"recovery_multiplier" validate:"gte=0"`

	// StabilizationBatches is the consecutive-success count required before
	// a raise.
	StabilizationBatches int `koanf:"stabilization_batches" validate:"gte=0"`

	// MinIncreaseInterval is the minimum time between raises.
	MinIncreaseInterval time.Duration `koanf:"min_increase_interval"`

	// DecreaseFactor is the multiplicative cut applied on a throttle
	// signal, in (0, 1).
	DecreaseFactor float64 `koanf:"decrease_factor" validate:"gte=0,lte=1"`

	// StabilizationWindow pads the post-throttle ceiling expiry beyond the
	// Retry-After hint.
	StabilizationWindow time.Duration `koanf:"stabilization_window"`

	// IdleResetPeriod is the inactivity interval after which principal
	// state is reinitialized to the floor.
	IdleResetPeriod time.Duration `koanf:"idle_reset_period"`
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		MinimumParallelism:   2,
		HardCeiling:          52,
		IncreaseStep:         1,
		RecoveryMultiplier:   4,
		StabilizationBatches: 16,
		MinIncreaseInterval:  10 * time.Second,
		DecreaseFactor:       0.5,
		StabilizationWindow:  30 * time.Second,
		IdleResetPeriod:      10 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinimumParallelism <= 0 {
		c.MinimumParallelism = def.MinimumParallelism
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = def.HardCeiling
	}
	if c.IncreaseStep <= 0 {
		c.IncreaseStep = def.IncreaseStep
	}
	if c.RecoveryMultiplier <= 0 {
		c.RecoveryMultiplier = def.RecoveryMultiplier
	}
	if c.StabilizationBatches <= 0 {
		c.StabilizationBatches = def.StabilizationBatches
	}
	if c.MinIncreaseInterval <= 0 {
		c.MinIncreaseInterval = def.MinIncreaseInterval
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = def.DecreaseFactor
	}
	if c.StabilizationWindow <= 0 {
		c.StabilizationWindow = def.StabilizationWindow
	}
	if c.IdleResetPeriod <= 0 {
		c.IdleResetPeriod = def.IdleResetPeriod
	}
	return c
}

// state is the per-principal controller state. Guarded by its own mutex; the
// controller map itself is guarded separately so principals do not contend.
type state struct {
	mu sync.Mutex

	current       int
	floor         int
	lastKnownGood int

	successes    int
	lastIncrease time.Time
	lastActivity time.Time
	lastThrottle time.Time

	// postCeiling is the ephemeral ceiling installed after a throttle;
	// active while now < postCeilingExpiry.
	postCeiling       int
	postCeilingExpiry time.Time
}

// State is a read-only snapshot of a principal's throttle state.
type State struct {
	Current       int
	Floor         int
	LastKnownGood int
	Successes     int
	PostCeiling   int
	PostActive    bool
}

// Controller tracks AIMD state per principal name.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	states map[string]*state

	// now is replaceable for tests.
	now func() time.Time
}

// NewController creates a controller with the given tuning.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		states: make(map[string]*state),
		now:    time.Now,
	}
}

// lookup returns the state for principal, creating it lazily at the floor.
func (c *Controller) lookup(principal string) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[principal]
	if !ok {
		floor := c.cfg.MinimumParallelism
		s = &state{
			current:       floor,
			floor:         floor,
			lastKnownGood: floor,
			lastActivity:  c.now(),
		}
		c.states[principal] = s
	}
	return s
}

// maybeIdleReset reinitializes state to the floor after the idle period.
// Must be called with s.mu held.
func (c *Controller) maybeIdleReset(principal string, s *state, now time.Time) {
	if s.lastActivity.IsZero() || now.Sub(s.lastActivity) <= c.cfg.IdleResetPeriod {
		return
	}
	s.current = s.floor
	s.lastKnownGood = s.floor
	s.successes = 0
	s.postCeiling = 0
	s.postCeilingExpiry = time.Time{}
	metrics.ThrottleEvents.WithLabelValues(principal, "idle_reset").Inc()
	logging.Debug().Str("principal", principal).Int("floor", s.floor).Msg("throttle state idle reset")
}

// effectiveCeiling is the hard ceiling clamped by an active post-throttle
// ceiling. Must be called with s.mu held.
func (c *Controller) effectiveCeiling(s *state, now time.Time) int {
	ceiling := c.cfg.HardCeiling
	if s.postCeiling > 0 && now.Before(s.postCeilingExpiry) && s.postCeiling < ceiling {
		ceiling = s.postCeiling
	}
	return ceiling
}

// GetParallelism returns the current effective parallelism ceiling for a
// principal, creating state lazily. The floor is recomputed from the
// Service-recommended degree scaled by the principal count; when the floor
// rises above the current value, current is raised to the floor and marked
// last-known-good.
func (c *Controller) GetParallelism(principal string, recommended, principalCount int) int {
	s := c.lookup(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	c.maybeIdleReset(principal, s, now)
	s.lastActivity = now

	if principalCount < 1 {
		principalCount = 1
	}
	floor := c.cfg.MinimumParallelism
	if recommended > floor {
		floor = recommended
	}
	floor *= principalCount
	if floor > c.cfg.HardCeiling {
		floor = c.cfg.HardCeiling
	}
	s.floor = floor
	if s.current < floor {
		s.current = floor
		s.lastKnownGood = floor
	}

	ceiling := c.effectiveCeiling(s, now)
	if s.current > ceiling {
		s.current = ceiling
	}
	if s.current < s.floor {
		s.current = s.floor
	}

	metrics.ThrottleParallelism.WithLabelValues(principal).Set(float64(s.current))
	return s.current
}

// RecordSuccess notes a successful sub-batch. After StabilizationBatches
// consecutive successes, and no sooner than MinIncreaseInterval since the
// previous raise, current parallelism rises additively. The step is scaled
// by RecoveryMultiplier while below last-known-good.
func (c *Controller) RecordSuccess(principal string) {
	s := c.lookup(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	c.maybeIdleReset(principal, s, now)
	s.lastActivity = now
	s.successes++

	if s.successes < c.cfg.StabilizationBatches {
		return
	}
	if !s.lastIncrease.IsZero() && now.Sub(s.lastIncrease) < c.cfg.MinIncreaseInterval {
		return
	}
	ceiling := c.effectiveCeiling(s, now)
	if s.current >= ceiling {
		return
	}

	step := c.cfg.IncreaseStep
	if s.current < s.lastKnownGood {
		step *= c.cfg.RecoveryMultiplier
	}
	s.current += step
	if s.current > ceiling {
		s.current = ceiling
	}
	if s.current > s.lastKnownGood {
		s.lastKnownGood = s.current
	}
	s.successes = 0
	s.lastIncrease = now

	metrics.ThrottleParallelism.WithLabelValues(principal).Set(float64(s.current))
	metrics.ThrottleEvents.WithLabelValues(principal, "increase").Inc()
	logging.Debug().
		Str("principal", principal).
		Int("parallelism", s.current).
		Msg("throttle ceiling raised")
}

// reductionFactor maps a Retry-After hint to the post-throttle ceiling
// factor. Larger overshoot (longer waits) produces a deeper reduction. The
// mapping is linear in the hint and clamped to [0.5, 1.0]: a 30s hint keeps
// ~95% of current, a 5-minute hint keeps 50%.
func reductionFactor(retryAfter time.Duration) float64 {
	factor := 1.0 - retryAfter.Seconds()/600.0
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.0 {
		factor = 1.0
	}
	return factor
}

// RecordThrottle applies a Service rate-limit signal: installs the ephemeral
// post-throttle ceiling at current x reductionFactor(retryAfter) expiring
// retryAfter + StabilizationWindow from now, multiplicatively reduces
// current (clamped to the floor), and zeroes the success counter.
func (c *Controller) RecordThrottle(principal string, retryAfter time.Duration) {
	s := c.lookup(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	c.maybeIdleReset(principal, s, now)
	s.lastActivity = now
	s.lastThrottle = now

	post := int(float64(s.current) * reductionFactor(retryAfter))
	if post < s.floor {
		post = s.floor
	}
	s.postCeiling = post
	s.postCeilingExpiry = now.Add(retryAfter + c.cfg.StabilizationWindow)

	reduced := int(float64(s.current) * c.cfg.DecreaseFactor)
	if reduced < s.floor {
		reduced = s.floor
	}
	s.current = reduced
	s.successes = 0

	metrics.ThrottleParallelism.WithLabelValues(principal).Set(float64(s.current))
	metrics.ThrottleEvents.WithLabelValues(principal, "decrease").Inc()
	logging.Info().
		Str("principal", principal).
		Dur("retry_after", retryAfter).
		Int("parallelism", s.current).
		Int("post_ceiling", post).
		Msg("throttle signal applied")
}

// Reset returns a principal to its floor and clears success history.
func (c *Controller) Reset(principal string) {
	s := c.lookup(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = s.floor
	s.lastKnownGood = s.floor
	s.successes = 0
	s.postCeiling = 0
	s.postCeilingExpiry = time.Time{}
	s.lastActivity = c.now()

	metrics.ThrottleParallelism.WithLabelValues(principal).Set(float64(s.current))
	metrics.ThrottleEvents.WithLabelValues(principal, "reset").Inc()
}

// Snapshot returns a copy of the principal's state for inspection.
func (c *Controller) Snapshot(principal string) State {
	s := c.lookup(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	return State{
		Current:       s.current,
		Floor:         s.floor,
		LastKnownGood: s.lastKnownGood,
		Successes:     s.successes,
		PostCeiling:   s.postCeiling,
		PostActive:    s.postCeiling > 0 && now.Before(s.postCeilingExpiry),
	}
}

// SetClock overrides the time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
