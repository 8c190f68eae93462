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

// Package ratelimit paces outbound calls per upstream instance. Every
// limiter is a token bucket with burst keyed by the normalized instance key;
// the persistent backends (postgres, redis) share one bucket across all
// workers pointing at the same instance, the memory backend is
// process-local.
//
// Acquire charges tokens atomically and waits out the resulting debt, so
// concurrent workers converge on the configured rate without a central
// coordinator. A 429 from upstream pauses the bucket until the hinted
// instant; pauses only ever extend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/internal/scm"
	"engram/pkg/tokenbucket"
)

// ErrLimiterTimeout reports that the wait for tokens would exceed the
// caller's timeout. The tokens are returned to the bucket before this is
// surfaced.
var ErrLimiterTimeout = errors.New("ratelimit: acquire timed out")

// Backend names accepted by the provider.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Limiter is the per-instance pacing contract.
type Limiter interface {
	// Acquire blocks until n tokens are charged or timeout elapses.
	Acquire(ctx context.Context, n float64, timeout time.Duration) error
	// NotifyRateLimit records an upstream 429 and pauses the bucket per
	// the hint.
	NotifyRateLimit(ctx context.Context, hint scm.RateLimitHint) error
	// Stats reports the limiter's counters and the current bucket view.
	Stats(ctx context.Context) (Stats, error)
}

// Stats is the observability surface of one limiter.
type Stats struct {
	Total429Hits   int64
	TimeoutCount   int64
	AvgWaitMS      float64
	CurrentTokens  float64
	PausedUntil    time.Time
	PauseRemaining time.Duration
}

// counters accumulates in-process acquire telemetry shared by all backends.
type counters struct {
	mu        sync.Mutex
	hits429   int64
	timeouts  int64
	waits     int64
	totalWait time.Duration
}

func (c *counters) observeWait(d time.Duration) {
	c.mu.Lock()
	c.waits++
	c.totalWait += d
	c.mu.Unlock()
}

func (c *counters) observeTimeout() {
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

func (c *counters) observe429() {
	c.mu.Lock()
	c.hits429++
	c.mu.Unlock()
}

func (c *counters) fill(s *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Total429Hits = c.hits429
	s.TimeoutCount = c.timeouts
	if c.waits > 0 {
		s.AvgWaitMS = float64(c.totalWait.Milliseconds()) / float64(c.waits)
	}
}

// sleepCtx waits d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config selects and sizes the limiter backend.
type Config struct {
	Backend string
	Rate    float64
	Burst   float64
}

// Deps carries the backend clients the provider may need.
type Deps struct {
	Buckets BucketStore
	Redis   redis.Scripter
	Log     *zap.Logger
}

// Provider hands out one limiter per instance key, creating on first use.
type Provider struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	limiters map[string]Limiter
}

// NewProvider validates the backend choice and returns a provider.
func NewProvider(cfg Config, deps Deps) (*Provider, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	switch cfg.Backend {
	case BackendPostgres:
		if deps.Buckets == nil {
			return nil, fmt.Errorf("ratelimit: postgres backend requires a bucket store")
		}
	case BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("ratelimit: redis backend requires a redis client")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("ratelimit: rate and burst must be positive")
	}
	return &Provider{cfg: cfg, deps: deps, limiters: make(map[string]Limiter)}, nil
}

// For returns the limiter for an instance key.
func (p *Provider) For(instanceKey string) Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[instanceKey]; ok {
		return l
	}
	var l Limiter
	switch p.cfg.Backend {
	case BackendPostgres:
		l = NewPostgresLimiter(p.deps.Buckets, instanceKey, p.cfg.Rate, p.cfg.Burst, p.deps.Log)
	case BackendRedis:
		l = NewRedisLimiter(p.deps.Redis, instanceKey, p.cfg.Rate, p.cfg.Burst, p.deps.Log)
	default:
		l = NewMemoryLimiter(instanceKey, p.cfg.Rate, p.cfg.Burst)
	}
	p.limiters[instanceKey] = l
	return l
}

// Multi is the logical AND of several limiters: Acquire must succeed on all.
// On a partial failure the tokens already charged are given back where the
// backend supports it.
type Multi struct {
	children []Limiter
}

// NewMulti composes limiters; nil children are dropped.
func NewMulti(children ...Limiter) *Multi {
	m := &Multi{}
	for _, c := range children {
		if c != nil {
			m.children = append(m.children, c)
		}
	}
	return m
}

// Acquire implements Limiter over all children in order.
func (m *Multi) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for i, c := range m.children {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.giveBack(ctx, n, i)
			return ErrLimiterTimeout
		}
		if err := c.Acquire(ctx, n, remaining); err != nil {
			m.giveBack(ctx, n, i)
			return err
		}
	}
	return nil
}

func (m *Multi) giveBack(ctx context.Context, n float64, acquired int) {
	for j := 0; j < acquired; j++ {
		if g, ok := m.children[j].(interface {
			Give(ctx context.Context, n float64) error
		}); ok {
			_ = g.Give(ctx, n)
		}
	}
}

// NotifyRateLimit fans the hint out to every child.
func (m *Multi) NotifyRateLimit(ctx context.Context, hint scm.RateLimitHint) error {
	var firstErr error
	for _, c := range m.children {
		if err := c.NotifyRateLimit(ctx, hint); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats merges child stats; counters sum, bucket views take the most
// constrained child (fewest tokens, longest pause).
func (m *Multi) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	first := true
	for _, c := range m.children {
		s, err := c.Stats(ctx)
		if err != nil {
			return Stats{}, err
		}
		out.Total429Hits += s.Total429Hits
		out.TimeoutCount += s.TimeoutCount
		out.AvgWaitMS += s.AvgWaitMS
		if first || s.CurrentTokens < out.CurrentTokens {
			out.CurrentTokens = s.CurrentTokens
		}
		if s.PausedUntil.After(out.PausedUntil) {
			out.PausedUntil = s.PausedUntil
			out.PauseRemaining = s.PauseRemaining
		}
		first = false
	}
	return out, nil
}

// MemoryLimiter is a process-local limiter over a tokenbucket.Bucket.
type MemoryLimiter struct {
	key    string
	bucket *tokenbucket.Bucket
	cnt    counters
	now    func() time.Time
}

// NewMemoryLimiter builds a process-local limiter.
func NewMemoryLimiter(instanceKey string, rate, burst float64) *MemoryLimiter {
	return &MemoryLimiter{
		key:    instanceKey,
		bucket: tokenbucket.New(rate, burst),
		now:    time.Now,
	}
}

// Acquire implements Limiter.
func (l *MemoryLimiter) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	wait := l.bucket.Take(n)
	if wait == 0 {
		return nil
	}
	if wait > timeout {
		l.bucket.Give(n)
		l.cnt.observeTimeout()
		acquireTimeouts.WithLabelValues(BackendMemory).Inc()
		return ErrLimiterTimeout
	}
	l.cnt.observeWait(wait)
	acquireWait.WithLabelValues(BackendMemory).Observe(wait.Seconds())
	if err := sleepCtx(ctx, wait); err != nil {
		l.bucket.Give(n)
		return err
	}
	return nil
}

// Give returns tokens, for Multi compensation.
func (l *MemoryLimiter) Give(_ context.Context, n float64) error {
	l.bucket.Give(n)
	return nil
}

// NotifyRateLimit implements Limiter.
func (l *MemoryLimiter) NotifyRateLimit(_ context.Context, hint scm.RateLimitHint) error {
	until := hint.Until(l.now())
	l.bucket.Pause(until)
	l.cnt.observe429()
	upstream429.WithLabelValues(l.key).Inc()
	return nil
}

// Stats implements Limiter.
func (l *MemoryLimiter) Stats(_ context.Context) (Stats, error) {
	var s Stats
	l.cnt.fill(&s)
	snap := l.bucket.Snapshot()
	s.CurrentTokens = snap.Tokens
	s.PausedUntil = snap.PausedUntil
	if rem := snap.PausedUntil.Sub(l.now()); rem > 0 {
		s.PauseRemaining = rem
	}
	return s, nil
}
