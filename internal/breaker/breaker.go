// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker implements a health-driven circuit breaker, one state
// machine per scope (project-global, upstream instance, tenant, or worker
// pool). Scheduler and sync workers feed rolling health aggregates in and
// get back a decision: run normally, run degraded, probe, or wait.
//
// State persists through a StateStore so a restart resumes where the last
// process left off. Writers may race across processes; every write is a
// compare-and-set on the blob's version.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const casAttempts = 3

// Config carries thresholds and recovery behavior for one breaker.
type Config struct {
	// Trip thresholds, applied to smoothed rates when smoothing is on.
	FailureRateThreshold   float64
	RateLimitRateThreshold float64
	TimeoutRateThreshold   float64

	// MinSamples gates tripping: below this many runs in the health window
	// the rates are considered noise and the breaker stays closed.
	MinSamples int

	// EnableSmoothing applies an exponential moving average to incoming
	// rates. When off, raw values are used even if a prior smoothed value
	// is still persisted.
	EnableSmoothing bool
	SmoothingAlpha  float64

	OpenDuration           time.Duration
	RecoverySuccessCount   int
	ProbeBudgetPerInterval int
	ProbeJobTypes          []string

	// AllowBackfillWhenOpen lets low-rate backfill jobs through an open
	// breaker instead of blocking outright.
	AllowBackfillWhenOpen bool

	// Parameter envelope for degraded operation and graded recovery.
	DegradedBatchSize     int
	DefaultBatchSize      int
	DegradedForwardWindow time.Duration
	DefaultForwardWindow  time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:   0.5,
		RateLimitRateThreshold: 0.3,
		TimeoutRateThreshold:   0.3,
		MinSamples:             5,
		EnableSmoothing:        true,
		SmoothingAlpha:         0.5,
		OpenDuration:           5 * time.Minute,
		RecoverySuccessCount:   3,
		ProbeBudgetPerInterval: 2,
		ProbeJobTypes:          []string{"gitlab_commits"},
		AllowBackfillWhenOpen:  false,
		DegradedBatchSize:      10,
		DefaultBatchSize:       50,
		DegradedForwardWindow:  15 * time.Minute,
		DefaultForwardWindow:   time.Hour,
	}
}

// HealthStats is a rolling aggregate over recent runs in one scope.
type HealthStats struct {
	SampleCount   int
	FailureRate   float64
	RateLimitRate float64
	TimeoutRate   float64
}

// Decision tells the caller how to behave right now.
type Decision struct {
	AllowSync              bool
	IsBackfillOnly         bool
	SuggestedBatchSize     int
	SuggestedForwardWindow time.Duration
	SuggestedDiffMode      string
	Wait                   time.Duration
	NextAllowedAt          time.Time
	State                  State
	IsProbeMode            bool
	ProbeBudget            int
	ProbeJobTypes          []string
	TripReasons            []string
}

type rates struct {
	Failure   float64 `json:"failure_rate"`
	RateLimit float64 `json:"rate_limit_rate"`
	Timeout   float64 `json:"timeout_rate"`
}

// persisted is the blob written to the StateStore. Smoothed values live here
// so the EMA survives restarts.
type persisted struct {
	State           State     `json:"state"`
	OpenedAt        time.Time `json:"opened_at"`
	Smoothed        rates     `json:"smoothed"`
	HasSmoothed     bool      `json:"has_smoothed"`
	ProbeSuccesses  int       `json:"probe_successes"`
	ProbeUsed       int       `json:"probe_used"`
	LastTripReasons []string  `json:"last_trip_reasons,omitempty"`
}

// Breaker is the per-scope state machine. Safe for concurrent use within a
// process; cross-process safety comes from the store's version CAS.
type Breaker struct {
	cfg   Config
	scope ScopeKey
	store StateStore
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	st      persisted
	version int64
	loaded  bool
}

// New builds a breaker over the given scope and store.
func New(scope ScopeKey, cfg Config, store StateStore, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		cfg:   cfg,
		scope: scope,
		store: store,
		log:   log.With(zap.String("scope", scope.Canonical)),
		now:   time.Now,
	}
}

// Check folds one health snapshot into the breaker and returns the decision
// for the caller's next action.
func (b *Breaker) Check(ctx context.Context, stats HealthStats) (Decision, error) {
	var d Decision
	err := b.withState(ctx, func(st *persisted, now time.Time) bool {
		dirty := false

		eff := rates{stats.FailureRate, stats.RateLimitRate, stats.TimeoutRate}
		if b.cfg.EnableSmoothing {
			if st.HasSmoothed {
				a := b.cfg.SmoothingAlpha
				st.Smoothed = rates{
					Failure:   a*eff.Failure + (1-a)*st.Smoothed.Failure,
					RateLimit: a*eff.RateLimit + (1-a)*st.Smoothed.RateLimit,
					Timeout:   a*eff.Timeout + (1-a)*st.Smoothed.Timeout,
				}
			} else {
				st.Smoothed = eff
				st.HasSmoothed = true
			}
			eff = st.Smoothed
			dirty = true
		}

		switch st.State {
		case StateClosed, "":
			st.State = StateClosed
			if stats.SampleCount >= b.cfg.MinSamples {
				if reasons := b.exceeded(eff); len(reasons) > 0 {
					st.State = StateOpen
					st.OpenedAt = now
					st.ProbeSuccesses = 0
					st.ProbeUsed = 0
					st.LastTripReasons = reasons
					dirty = true
					b.log.Warn("circuit opened",
						zap.Strings("reasons", reasons),
						zap.Int("sample_count", stats.SampleCount),
						zap.Float64("failure_rate", eff.Failure),
						zap.Float64("rate_limit_rate", eff.RateLimit),
						zap.Float64("timeout_rate", eff.Timeout))
					tripsTotal.WithLabelValues(b.scope.Canonical, reasons[0]).Inc()
				}
			}
		case StateOpen:
			if now.Sub(st.OpenedAt) >= b.cfg.OpenDuration {
				st.State = StateHalfOpen
				st.ProbeSuccesses = 0
				st.ProbeUsed = 0
				dirty = true
				b.log.Info("circuit half-open, probing")
			}
		case StateHalfOpen:
			if st.ProbeUsed >= b.cfg.ProbeBudgetPerInterval &&
				st.ProbeSuccesses < b.cfg.RecoverySuccessCount {
				st.State = StateOpen
				st.OpenedAt = now
				st.ProbeSuccesses = 0
				st.ProbeUsed = 0
				dirty = true
				b.log.Warn("probe budget exhausted, circuit reopened")
				tripsTotal.WithLabelValues(b.scope.Canonical, "probe_budget_exhausted").Inc()
			}
		}

		if st.State == StateHalfOpen {
			st.ProbeUsed++
			dirty = true
		}

		d = b.decide(st, now)
		return dirty
	})
	if err != nil {
		return Decision{}, err
	}
	stateGauge.WithLabelValues(b.scope.Canonical).Set(stateValue(d.State))
	return d, nil
}

// RecordSuccess reports a successful probe. Outside HALF_OPEN it is a no-op.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	return b.withState(ctx, func(st *persisted, _ time.Time) bool {
		if st.State != StateHalfOpen {
			return false
		}
		st.ProbeSuccesses++
		probesTotal.WithLabelValues(b.scope.Canonical, "success").Inc()
		if st.ProbeSuccesses >= b.cfg.RecoverySuccessCount {
			st.State = StateClosed
			st.ProbeSuccesses = 0
			st.ProbeUsed = 0
			// Reseed the EMA so stale pre-outage rates cannot re-trip
			// the breaker before fresh samples arrive.
			st.HasSmoothed = false
			st.Smoothed = rates{}
			st.LastTripReasons = nil
			b.log.Info("circuit closed after recovery")
			stateGauge.WithLabelValues(b.scope.Canonical).Set(stateValue(StateClosed))
		}
		return true
	})
}

// RecordFailure reports a failed probe; any probe failure reopens the
// circuit. Outside HALF_OPEN it is a no-op.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	return b.withState(ctx, func(st *persisted, now time.Time) bool {
		if st.State != StateHalfOpen {
			return false
		}
		probesTotal.WithLabelValues(b.scope.Canonical, "failure").Inc()
		st.State = StateOpen
		st.OpenedAt = now
		st.ProbeSuccesses = 0
		st.ProbeUsed = 0
		b.log.Warn("probe failed, circuit reopened")
		stateGauge.WithLabelValues(b.scope.Canonical).Set(stateValue(StateOpen))
		tripsTotal.WithLabelValues(b.scope.Canonical, "probe_failure").Inc()
		return true
	})
}

// ForceOpen is the operator override: the circuit opens now and stays open
// for the configured open duration from this instant.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	return b.withState(ctx, func(st *persisted, now time.Time) bool {
		st.State = StateOpen
		st.OpenedAt = now
		st.ProbeSuccesses = 0
		st.ProbeUsed = 0
		st.LastTripReasons = []string{"force_open"}
		b.log.Warn("circuit force-opened by operator")
		stateGauge.WithLabelValues(b.scope.Canonical).Set(stateValue(StateOpen))
		tripsTotal.WithLabelValues(b.scope.Canonical, "force_open").Inc()
		return true
	})
}

// ForceClose is the operator override for clearing a stuck circuit.
func (b *Breaker) ForceClose(ctx context.Context) error {
	return b.withState(ctx, func(st *persisted, _ time.Time) bool {
		st.State = StateClosed
		st.ProbeSuccesses = 0
		st.ProbeUsed = 0
		st.HasSmoothed = false
		st.Smoothed = rates{}
		st.LastTripReasons = nil
		b.log.Warn("circuit force-closed by operator")
		stateGauge.WithLabelValues(b.scope.Canonical).Set(stateValue(StateClosed))
		return true
	})
}

// CurrentState returns the persisted state without advancing the machine.
func (b *Breaker) CurrentState(ctx context.Context) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(ctx); err != nil {
		return "", err
	}
	if b.st.State == "" {
		return StateClosed, nil
	}
	return b.st.State, nil
}

// decide builds the Decision for the current state. Caller holds the lock.
func (b *Breaker) decide(st *persisted, now time.Time) Decision {
	d := Decision{State: st.State, TripReasons: st.LastTripReasons}
	switch st.State {
	case StateClosed:
		d.AllowSync = true
		d.SuggestedBatchSize = b.cfg.DefaultBatchSize
		d.SuggestedForwardWindow = b.cfg.DefaultForwardWindow
		d.SuggestedDiffMode = "best_effort"
	case StateOpen:
		d.NextAllowedAt = st.OpenedAt.Add(b.cfg.OpenDuration)
		if wait := d.NextAllowedAt.Sub(now); wait > 0 {
			d.Wait = wait
		}
		d.SuggestedBatchSize = b.cfg.DegradedBatchSize
		d.SuggestedForwardWindow = b.cfg.DegradedForwardWindow
		d.SuggestedDiffMode = "none"
		if b.cfg.AllowBackfillWhenOpen {
			d.AllowSync = true
			d.IsBackfillOnly = true
		}
	case StateHalfOpen:
		d.AllowSync = true
		d.IsProbeMode = true
		d.ProbeJobTypes = b.cfg.ProbeJobTypes
		if rem := b.cfg.ProbeBudgetPerInterval - st.ProbeUsed; rem > 0 {
			d.ProbeBudget = rem
		}
		d.SuggestedBatchSize, d.SuggestedForwardWindow, d.SuggestedDiffMode =
			b.graded(st.ProbeSuccesses)
	}
	return d
}

// graded interpolates parameters linearly from the degraded envelope toward
// the defaults as probe successes accumulate.
func (b *Breaker) graded(successes int) (int, time.Duration, string) {
	req := b.cfg.RecoverySuccessCount
	if req < 1 {
		req = 1
	}
	frac := float64(successes) / float64(req)
	if frac > 1 {
		frac = 1
	}
	batch := b.cfg.DegradedBatchSize +
		int(float64(b.cfg.DefaultBatchSize-b.cfg.DegradedBatchSize)*frac)
	window := b.cfg.DegradedForwardWindow +
		time.Duration(float64(b.cfg.DefaultForwardWindow-b.cfg.DegradedForwardWindow)*frac)
	diff := "none"
	if frac >= 0.5 {
		diff = "best_effort"
	}
	return batch, window, diff
}

func (b *Breaker) exceeded(r rates) []string {
	var reasons []string
	if r.Failure >= b.cfg.FailureRateThreshold {
		reasons = append(reasons, "failure_rate")
	}
	if r.RateLimit >= b.cfg.RateLimitRateThreshold {
		reasons = append(reasons, "rate_limit_rate")
	}
	if r.Timeout >= b.cfg.TimeoutRateThreshold {
		reasons = append(reasons, "timeout_rate")
	}
	return reasons
}

// withState runs fn over a working copy of the persisted state and saves it
// when fn reports a mutation. On version conflict the state is reloaded and
// fn re-applied, a bounded number of times.
func (b *Breaker) withState(ctx context.Context, fn func(st *persisted, now time.Time) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := b.ensureLoaded(ctx); err != nil {
			return err
		}
		work := b.st
		if !fn(&work, b.now()) {
			b.st = work
			return nil
		}
		blob, err := json.Marshal(work)
		if err != nil {
			return fmt.Errorf("breaker %s: marshal state: %w", b.scope.Canonical, err)
		}
		newV, err := b.store.Save(ctx, b.scope.Canonical, blob, b.version)
		if err == nil {
			b.st = work
			b.version = newV
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("breaker %s: save state: %w", b.scope.Canonical, err)
		}
		b.loaded = false
	}
	return fmt.Errorf("breaker %s: gave up after %d version conflicts", b.scope.Canonical, casAttempts)
}

// ensureLoaded pulls state from the store, consulting legacy keys when the
// canonical one is empty. Legacy hits adopt the old values but the next save
// creates the canonical row; legacy keys are never written. Caller holds the
// lock.
func (b *Breaker) ensureLoaded(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	blob, version, found, err := b.store.Load(ctx, b.scope.Canonical)
	if err != nil {
		return fmt.Errorf("breaker %s: load state: %w", b.scope.Canonical, err)
	}
	if found {
		if err := json.Unmarshal(blob, &b.st); err != nil {
			return fmt.Errorf("breaker %s: decode state: %w", b.scope.Canonical, err)
		}
		b.version = version
		b.loaded = true
		return nil
	}
	for _, legacy := range b.scope.Legacy {
		blob, _, found, err = b.store.Load(ctx, legacy)
		if err != nil {
			return fmt.Errorf("breaker %s: load legacy state %s: %w", b.scope.Canonical, legacy, err)
		}
		if !found {
			continue
		}
		if err := json.Unmarshal(blob, &b.st); err != nil {
			return fmt.Errorf("breaker %s: decode legacy state %s: %w", b.scope.Canonical, legacy, err)
		}
		b.version = 0
		b.loaded = true
		b.log.Info("adopted legacy breaker state", zap.String("legacy_key", legacy))
		return nil
	}
	b.st = persisted{State: StateClosed}
	b.version = 0
	b.loaded = true
	return nil
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Registry hands out one Breaker per scope key, creating on first use.
type Registry struct {
	cfg   Config
	store StateStore
	log   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry over a shared store.
func NewRegistry(cfg Config, store StateStore, log *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a scope, creating it if needed.
func (r *Registry) For(scope ScopeKey) *Breaker {
	r.mu.RLock()
	br, ok := r.breakers[scope.Canonical]
	r.mu.RUnlock()
	if ok {
		return br
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if br, ok = r.breakers[scope.Canonical]; ok {
		return br
	}
	br = New(scope, r.cfg, r.store, r.log)
	r.breakers[scope.Canonical] = br
	return br
}
