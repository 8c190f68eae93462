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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/internal/scm"
)

// RedisBucketKey is the hash holding one instance's bucket. Public so
// operational tooling can inspect buckets directly.
func RedisBucketKey(instanceKey string) string {
	return fmt.Sprintf("engram:bucket:%s", instanceKey)
}

// redisTakeScript is the acquire path: refill by elapsed time, deduct
// (debt allowed), persist, and return the wait in milliseconds. The whole
// read-modify-write runs inside Redis so concurrent workers serialize on the
// key. Time comes from the caller, not the server, so tests can pin it; the
// workers' clocks only need to agree to within the refill granularity.
const redisTakeScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local b = redis.call('HMGET', key, 'tokens', 'updated_at_ms', 'paused_until_ms')
local tokens = tonumber(b[1])
local updated = tonumber(b[2])
local paused = tonumber(b[3]) or 0
if tokens == nil then
  tokens = burst
  updated = now_ms
end
local elapsed = (now_ms - updated) / 1000.0
if elapsed > 0 then
  tokens = math.min(burst, tokens + rate * elapsed)
end
tokens = tokens - n
redis.call('HSET', key, 'tokens', tostring(tokens), 'updated_at_ms', now_ms, 'paused_until_ms', paused)

local wait_ms = 0
if tokens < 0 and rate > 0 then
  wait_ms = math.ceil(-tokens / rate * 1000)
end
local pause_ms = paused - now_ms
if pause_ms > wait_ms then
  wait_ms = pause_ms
end
return wait_ms
`

// redisGiveScript returns tokens an acquire charged but abandoned, capped at
// burst. A missing bucket is a no-op.
const redisGiveScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if tokens == nil then
  return 0
end
tokens = math.min(burst, tokens + n)
redis.call('HSET', key, 'tokens', tostring(tokens))
return 0
`

// redisPauseScript extends the pause window; pauses never shrink.
const redisPauseScript = `
local key = KEYS[1]
local until_ms = tonumber(ARGV[1])
local cur = tonumber(redis.call('HGET', key, 'paused_until_ms')) or 0
if until_ms > cur then
  redis.call('HSET', key, 'paused_until_ms', until_ms)
  cur = until_ms
end
return cur
`

// redisViewScript reads the bucket refilled to now without charging it.
// Values come back as strings so fractional tokens survive the Lua-to-Redis
// integer conversion.
const redisViewScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local b = redis.call('HMGET', key, 'tokens', 'updated_at_ms', 'paused_until_ms')
local tokens = tonumber(b[1])
local updated = tonumber(b[2])
local paused = tonumber(b[3]) or 0
if tokens == nil then
  tokens = burst
  updated = now_ms
end
local elapsed = (now_ms - updated) / 1000.0
if elapsed > 0 then
  tokens = math.min(burst, tokens + rate * elapsed)
end
return {tostring(tokens), tostring(paused)}
`

var (
	takeScript  = redis.NewScript(redisTakeScript)
	giveScript  = redis.NewScript(redisGiveScript)
	pauseScript = redis.NewScript(redisPauseScript)
	viewScript  = redis.NewScript(redisViewScript)
)

// RedisLimiter paces against a shared bucket hash in Redis. Same math as the
// Postgres limiter, different home for the row.
type RedisLimiter struct {
	client redis.Scripter
	key    string
	rate   float64
	burst  float64
	log    *zap.Logger
	cnt    counters
	now    func() time.Time
}

// NewRedisLimiter builds a limiter over one instance's Redis bucket.
func NewRedisLimiter(client redis.Scripter, instanceKey string, rate, burst float64, log *zap.Logger) *RedisLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		key:    instanceKey,
		rate:   rate,
		burst:  burst,
		log:    log.With(zap.String("instance", instanceKey)),
		now:    time.Now,
	}
}

// Acquire implements Limiter.
func (l *RedisLimiter) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	keys := []string{RedisBucketKey(l.key)}
	waitMS, err := takeScript.Run(ctx, l.client, keys, n, l.rate, l.burst, l.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("ratelimit: redis take: %w", err)
	}
	wait := time.Duration(waitMS) * time.Millisecond
	if wait <= 0 {
		return nil
	}
	if wait > timeout {
		l.give(ctx, n)
		l.cnt.observeTimeout()
		acquireTimeouts.WithLabelValues(BackendRedis).Inc()
		return ErrLimiterTimeout
	}
	l.cnt.observeWait(wait)
	acquireWait.WithLabelValues(BackendRedis).Observe(wait.Seconds())
	if err := sleepCtx(ctx, wait); err != nil {
		l.give(ctx, n)
		return err
	}
	return nil
}

// Give returns tokens for Multi compensation.
func (l *RedisLimiter) Give(ctx context.Context, n float64) error {
	keys := []string{RedisBucketKey(l.key)}
	if err := giveScript.Run(ctx, l.client, keys, n, l.burst).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis give: %w", err)
	}
	return nil
}

func (l *RedisLimiter) give(ctx context.Context, n float64) {
	if err := l.Give(ctx, n); err != nil {
		l.log.Warn("token give-back failed", zap.Error(err))
	}
}

// NotifyRateLimit implements Limiter.
func (l *RedisLimiter) NotifyRateLimit(ctx context.Context, hint scm.RateLimitHint) error {
	until := hint.Until(l.now())
	keys := []string{RedisBucketKey(l.key)}
	if err := pauseScript.Run(ctx, l.client, keys, until.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis pause: %w", err)
	}
	l.cnt.observe429()
	upstream429.WithLabelValues(l.key).Inc()
	l.log.Info("instance paused after 429", zap.Time("until", until))
	return nil
}

// Stats implements Limiter.
func (l *RedisLimiter) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	l.cnt.fill(&s)
	now := l.now()
	keys := []string{RedisBucketKey(l.key)}
	vals, err := viewScript.Run(ctx, l.client, keys, l.rate, l.burst, now.UnixMilli()).Slice()
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: redis view: %w", err)
	}
	if len(vals) != 2 {
		return Stats{}, fmt.Errorf("ratelimit: redis view returned %d values", len(vals))
	}
	tokens, err := parseLuaFloat(vals[0])
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: redis view tokens: %w", err)
	}
	pausedMS, err := parseLuaFloat(vals[1])
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: redis view pause: %w", err)
	}
	s.CurrentTokens = tokens
	if pausedMS > 0 {
		s.PausedUntil = time.UnixMilli(int64(pausedMS))
		if rem := s.PausedUntil.Sub(now); rem > 0 {
			s.PauseRemaining = rem
		}
	}
	return s, nil
}

func parseLuaFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
