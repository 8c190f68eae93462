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

// Package tokenbucket provides the token-bucket arithmetic shared by the
// in-process, Postgres-backed, and Redis-backed instance limiters. The math
// lives here as pure functions over an explicit State so that every backend,
// whatever its storage, produces identical admission and wait decisions.
//
// The bucket allows debt: a take always succeeds and may leave the balance
// negative; the returned wait is how long the caller must sleep before the
// taken tokens exist. Callers that refuse the wait return the tokens with
// Give. This keeps the acquire path a single atomic mutation per backend.
package tokenbucket

import (
	"sync"
	"time"
)

// State is a bucket snapshot. Rate is tokens per second, Burst the maximum
// balance. PausedUntil, when in the future, suppresses all admission
// regardless of balance (an upstream 429 told us to back off).
type State struct {
	Tokens      float64
	Rate        float64
	Burst       float64
	PausedUntil time.Time
	UpdatedAt   time.Time
}

// Refill advances the state to now, crediting rate*elapsed up to Burst.
// A zero UpdatedAt is treated as "just created": the bucket starts full.
func Refill(s State, now time.Time) State {
	if s.UpdatedAt.IsZero() {
		s.Tokens = s.Burst
		s.UpdatedAt = now
		return s
	}
	elapsed := now.Sub(s.UpdatedAt).Seconds()
	if elapsed > 0 {
		s.Tokens += s.Rate * elapsed
		if s.Tokens > s.Burst {
			s.Tokens = s.Burst
		}
		s.UpdatedAt = now
	}
	return s
}

// Take refills, deducts n (debt allowed), and reports how long the caller
// must wait before the deducted tokens are real. The wait includes any
// remaining pause window.
func Take(s State, n float64, now time.Time) (State, time.Duration) {
	s = Refill(s, now)
	s.Tokens -= n
	return s, waitAfterTake(s, now)
}

// Give returns n previously taken tokens. Used to compensate a Take whose
// wait exceeded the caller's deadline.
func Give(s State, n float64, now time.Time) State {
	s = Refill(s, now)
	s.Tokens += n
	if s.Tokens > s.Burst {
		s.Tokens = s.Burst
	}
	return s
}

// WaitFor reports how long until n tokens would be available, without
// mutating the balance. Zero means an immediate Take would not wait.
func WaitFor(s State, n float64, now time.Time) time.Duration {
	s = Refill(s, now)
	s.Tokens -= n
	return waitAfterTake(s, now)
}

// Pause records an upstream back-off hint. The effective pause is the later
// of the existing and proposed instants; pauses never shrink.
func Pause(s State, until time.Time) State {
	if until.After(s.PausedUntil) {
		s.PausedUntil = until
	}
	return s
}

// PauseRemaining reports how much of the pause window is left at now.
func PauseRemaining(s State, now time.Time) time.Duration {
	if s.PausedUntil.After(now) {
		return s.PausedUntil.Sub(now)
	}
	return 0
}

// Wait reports how long an already-deducted balance needs before it is
// usable. The shared backends deduct server-side and feed the resulting row
// through this so their wait decisions match the in-process bucket's.
func Wait(s State, now time.Time) time.Duration {
	return waitAfterTake(s, now)
}

// waitAfterTake derives the post-deduction wait: debt repayment time plus
// whatever pause window remains, whichever ends later.
func waitAfterTake(s State, now time.Time) time.Duration {
	var debt time.Duration
	if s.Tokens < 0 && s.Rate > 0 {
		debt = time.Duration(-s.Tokens / s.Rate * float64(time.Second))
	}
	if pause := PauseRemaining(s, now); pause > debt {
		return pause
	}
	return debt
}

// Bucket is a mutex-guarded State for in-process use. It backs the memory
// limiter and tests; the shared backends keep their State in Postgres or
// Redis and apply the same functions server-side.
type Bucket struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// New creates a full in-process bucket.
func New(rate, burst float64) *Bucket {
	return &Bucket{
		state: State{Tokens: burst, Rate: rate, Burst: burst, UpdatedAt: time.Now()},
		now:   time.Now,
	}
}

// NewAt is New with an injectable clock, for tests.
func NewAt(rate, burst float64, now func() time.Time) *Bucket {
	return &Bucket{
		state: State{Tokens: burst, Rate: rate, Burst: burst, UpdatedAt: now()},
		now:   now,
	}
}

// Take deducts n and returns the wait before the tokens are usable.
func (b *Bucket) Take(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var wait time.Duration
	b.state, wait = Take(b.state, n, b.now())
	return wait
}

// Give returns n tokens taken by a Take the caller abandoned.
func (b *Bucket) Give(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Give(b.state, n, b.now())
}

// TryTake deducts n only if it incurs no wait.
func (b *Bucket) TryTake(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if WaitFor(b.state, n, b.now()) > 0 {
		return false
	}
	b.state, _ = Take(b.state, n, b.now())
	return true
}

// Pause applies an upstream back-off hint.
func (b *Bucket) Pause(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Pause(b.state, until)
}

// Snapshot returns the refilled state as of now.
func (b *Bucket) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Refill(b.state, b.now())
	return b.state
}
