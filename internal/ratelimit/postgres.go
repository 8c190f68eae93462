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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/internal/scm"
	"engram/internal/store"
	"engram/pkg/tokenbucket"
)

// BucketStore is the slice of the store the Postgres limiter needs.
// *store.Store satisfies it.
type BucketStore interface {
	EnsureBucket(ctx context.Context, instanceKey string, rate, burst float64) error
	TakeBucketTokens(ctx context.Context, instanceKey string, n float64) (*store.BucketRow, error)
	GiveBucketTokens(ctx context.Context, instanceKey string, n float64) error
	PauseBucket(ctx context.Context, instanceKey string, until time.Time) error
	GetBucket(ctx context.Context, instanceKey string) (*store.BucketRow, error)
}

// PostgresLimiter paces against a shared bucket row in Postgres. The charge
// is one atomic UPDATE, so every worker in the fleet sees the same balance
// and the same debt.
type PostgresLimiter struct {
	buckets BucketStore
	key     string
	rate    float64
	burst   float64
	log     *zap.Logger
	cnt     counters
	now     func() time.Time

	mu      sync.Mutex
	ensured bool
}

// NewPostgresLimiter builds a limiter over the shared bucket for one
// instance. The bucket row is created lazily on first use.
func NewPostgresLimiter(buckets BucketStore, instanceKey string, rate, burst float64, log *zap.Logger) *PostgresLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresLimiter{
		buckets: buckets,
		key:     instanceKey,
		rate:    rate,
		burst:   burst,
		log:     log.With(zap.String("instance", instanceKey)),
		now:     time.Now,
	}
}

// ensure creates the bucket row once per process. Failures are retried on
// the next call rather than latched.
func (l *PostgresLimiter) ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ensured {
		return nil
	}
	if err := l.buckets.EnsureBucket(ctx, l.key, l.rate, l.burst); err != nil {
		return err
	}
	l.ensured = true
	return nil
}

// Acquire implements Limiter. The UPDATE both refills and deducts; the
// returned row tells us how long the resulting debt (or pause) lasts. When
// the wait exceeds the caller's timeout the tokens are given back so an
// abandoned acquire does not starve the next one.
func (l *PostgresLimiter) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	if err := l.ensure(ctx); err != nil {
		return fmt.Errorf("ratelimit: ensure bucket: %w", err)
	}
	row, err := l.buckets.TakeBucketTokens(ctx, l.key, n)
	if err != nil {
		return fmt.Errorf("ratelimit: take tokens: %w", err)
	}
	wait := tokenbucket.Wait(rowState(row), l.now())
	if wait <= 0 {
		return nil
	}
	if wait > timeout {
		if giveErr := l.buckets.GiveBucketTokens(ctx, l.key, n); giveErr != nil {
			l.log.Warn("token give-back failed after acquire timeout", zap.Error(giveErr))
		}
		l.cnt.observeTimeout()
		acquireTimeouts.WithLabelValues(BackendPostgres).Inc()
		return ErrLimiterTimeout
	}
	l.cnt.observeWait(wait)
	acquireWait.WithLabelValues(BackendPostgres).Observe(wait.Seconds())
	if err := sleepCtx(ctx, wait); err != nil {
		if giveErr := l.buckets.GiveBucketTokens(ctx, l.key, n); giveErr != nil {
			l.log.Warn("token give-back failed after cancel", zap.Error(giveErr))
		}
		return err
	}
	return nil
}

// Give returns tokens for Multi compensation.
func (l *PostgresLimiter) Give(ctx context.Context, n float64) error {
	return l.buckets.GiveBucketTokens(ctx, l.key, n)
}

// NotifyRateLimit implements Limiter. The pause lands in the shared row, so
// one worker's 429 backs off the whole fleet.
func (l *PostgresLimiter) NotifyRateLimit(ctx context.Context, hint scm.RateLimitHint) error {
	if err := l.ensure(ctx); err != nil {
		return fmt.Errorf("ratelimit: ensure bucket: %w", err)
	}
	until := hint.Until(l.now())
	if err := l.buckets.PauseBucket(ctx, l.key, until); err != nil {
		return fmt.Errorf("ratelimit: pause bucket: %w", err)
	}
	l.cnt.observe429()
	upstream429.WithLabelValues(l.key).Inc()
	l.log.Info("instance paused after 429", zap.Time("until", until))
	return nil
}

// Stats implements Limiter. The bucket view is refilled to now so the token
// count reads as current, not as of the last write.
func (l *PostgresLimiter) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	l.cnt.fill(&s)
	row, err := l.buckets.GetBucket(ctx, l.key)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: get bucket: %w", err)
	}
	now := l.now()
	st := tokenbucket.Refill(rowState(row), now)
	s.CurrentTokens = st.Tokens
	s.PausedUntil = st.PausedUntil
	s.PauseRemaining = tokenbucket.PauseRemaining(st, now)
	return s, nil
}

// rowState maps the stored row onto the shared bucket math.
func rowState(row *store.BucketRow) tokenbucket.State {
	st := tokenbucket.State{
		Tokens:    row.Tokens,
		Rate:      row.Rate,
		Burst:     row.Burst,
		UpdatedAt: row.UpdatedAt,
	}
	if row.PausedUntil != nil {
		st.PausedUntil = *row.PausedUntil
	}
	return st
}
