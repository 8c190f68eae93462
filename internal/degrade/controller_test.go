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

package degrade

import (
	"testing"
	"time"

	"engram/internal/scm"
)

func rateLimited() LoopStats {
	return LoopStats{Errors: []scm.Category{scm.CategoryRateLimited}}
}

func clean() LoopStats { return LoopStats{SyncedCount: 1} }

// TestDiffModeDisabledAfterConsecutiveRateLimits verifies that two
// rate-limited loops in a row turn diff fetching off, and that a single
// rate-limited loop does not.
func TestDiffModeDisabledAfterConsecutiveRateLimits(t *testing.T) {
	c := New(DefaultConfig(), nil)

	s := c.Observe(rateLimited())
	if s.DiffMode != DiffModeBestEffort {
		t.Fatalf("after 1 rate-limited loop diff mode = %q, want %q", s.DiffMode, DiffModeBestEffort)
	}

	s = c.Observe(rateLimited())
	if s.DiffMode != DiffModeNone {
		t.Fatalf("after 2 rate-limited loops diff mode = %q, want %q", s.DiffMode, DiffModeNone)
	}
	if !contains(s.AdjustmentReasons, "diff_mode_disabled_rate_limited") {
		t.Fatalf("adjustment reasons %v missing diff_mode_disabled_rate_limited", s.AdjustmentReasons)
	}
}

// TestCleanLoopBreaksTheStreak verifies that an intervening clean loop resets
// the consecutive counter so the threshold is not reached.
func TestCleanLoopBreaksTheStreak(t *testing.T) {
	c := New(DefaultConfig(), nil)

	c.Observe(rateLimited())
	c.Observe(clean())
	s := c.Observe(rateLimited())
	if s.DiffMode != DiffModeBestEffort {
		t.Fatalf("non-consecutive rate limits disabled diff mode: %q", s.DiffMode)
	}
}

// TestDiffModeRestoredAfterRecovery verifies that diff fetching comes back
// after the configured run of clean loops.
func TestDiffModeRestoredAfterRecovery(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)

	c.Observe(rateLimited())
	c.Observe(rateLimited())

	var s Suggestion
	for i := 0; i < cfg.RecoverySuccessThreshold; i++ {
		s = c.Observe(clean())
	}
	if s.DiffMode != DiffModeBestEffort {
		t.Fatalf("diff mode after %d clean loops = %q, want %q",
			cfg.RecoverySuccessThreshold, s.DiffMode, DiffModeBestEffort)
	}
	if !contains(s.AdjustmentReasons, "diff_mode_restored") {
		t.Fatalf("adjustment reasons %v missing diff_mode_restored", s.AdjustmentReasons)
	}
}

// TestBatchShrinksAndRegrows verifies the halve-on-pressure,
// grow-by-half-on-recovery batch sizing, bounded by min and default.
func TestBatchShrinksAndRegrows(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)

	s := c.Observe(rateLimited())
	if s.BatchSize != 25 {
		t.Fatalf("batch after one shrink = %d, want 25", s.BatchSize)
	}
	s = c.Observe(LoopStats{Errors: []scm.Category{scm.CategoryTimeout}})
	if s.BatchSize != 12 {
		t.Fatalf("batch after two shrinks = %d, want 12", s.BatchSize)
	}

	// Shrinks never go below the floor.
	for i := 0; i < 5; i++ {
		s = c.Observe(rateLimited())
	}
	if s.BatchSize != cfg.MinBatchSize {
		t.Fatalf("batch floor = %d, want %d", s.BatchSize, cfg.MinBatchSize)
	}

	// Recovery grows it back, capped at the default.
	for i := 0; i < 20; i++ {
		s = c.Observe(clean())
	}
	if s.BatchSize != cfg.DefaultBatchSize {
		t.Fatalf("batch after recovery = %d, want %d", s.BatchSize, cfg.DefaultBatchSize)
	}
}

// TestWindowShrinksOnlyOnRateLimit verifies the forward window halves on
// rate-limited loops, respects its floor, and ignores other categories.
func TestWindowShrinksOnlyOnRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)

	s := c.Observe(LoopStats{Errors: []scm.Category{scm.CategoryServerError}})
	if s.ForwardWindow != cfg.DefaultForwardWindow {
		t.Fatalf("server error shrank window to %v", s.ForwardWindow)
	}

	s = c.Observe(rateLimited())
	if s.ForwardWindow != 30*time.Minute {
		t.Fatalf("window after one shrink = %v, want 30m", s.ForwardWindow)
	}

	for i := 0; i < 6; i++ {
		s = c.Observe(rateLimited())
	}
	if s.ForwardWindow != cfg.MinForwardWindow {
		t.Fatalf("window floor = %v, want %v", s.ForwardWindow, cfg.MinForwardWindow)
	}
}

// TestPauseAfterConsecutiveTimeouts verifies the pause trigger and the
// exponential sleep schedule with its cap.
func TestPauseAfterConsecutiveTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	timeout := LoopStats{Errors: []scm.Category{scm.CategoryTimeout}}

	s := c.Observe(timeout)
	s = c.Observe(timeout)
	if s.ShouldPause {
		t.Fatalf("paused after 2 timeouts, threshold is %d", cfg.TimeoutThreshold)
	}

	s = c.Observe(timeout)
	if !s.ShouldPause || s.PauseReason != "consecutive_timeouts" {
		t.Fatalf("after 3 timeouts pause=%v reason=%q", s.ShouldPause, s.PauseReason)
	}
	// Third consecutive timeout: base * 2^(3-1) = 8s.
	if s.Sleep != 8*time.Second {
		t.Fatalf("sleep at count 3 = %v, want 8s", s.Sleep)
	}

	// The schedule caps at SleepMax.
	for i := 0; i < 12; i++ {
		s = c.Observe(timeout)
	}
	if s.Sleep != cfg.SleepMax {
		t.Fatalf("sleep cap = %v, want %v", s.Sleep, cfg.SleepMax)
	}
}

// TestRetryAfterOverridesBackoff verifies a server hint replaces the computed
// sleep, still capped at the maximum.
func TestRetryAfterOverridesBackoff(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)

	s := c.Observe(LoopStats{
		Errors:     []scm.Category{scm.CategoryRateLimited},
		RetryAfter: 42 * time.Second,
	})
	if s.Sleep != 42*time.Second {
		t.Fatalf("sleep = %v, want the 42s Retry-After", s.Sleep)
	}

	s = c.Observe(LoopStats{RetryAfter: time.Hour})
	if s.Sleep != cfg.SleepMax {
		t.Fatalf("oversized Retry-After not capped: %v", s.Sleep)
	}
}

// TestMixedCategoriesCountIndependently verifies that alternating categories
// never reach any per-category threshold.
func TestMixedCategoriesCountIndependently(t *testing.T) {
	c := New(DefaultConfig(), nil)

	for i := 0; i < 6; i++ {
		var s Suggestion
		if i%2 == 0 {
			s = c.Observe(LoopStats{Errors: []scm.Category{scm.CategoryTimeout}})
		} else {
			s = c.Observe(LoopStats{Errors: []scm.Category{scm.CategoryServerError}})
		}
		if s.ShouldPause {
			t.Fatalf("alternating categories paused at loop %d", i)
		}
	}
}

// TestCurrentDoesNotAdvanceCounters verifies Current is a pure read.
func TestCurrentDoesNotAdvanceCounters(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.Observe(rateLimited())

	before := c.Current()
	for i := 0; i < 3; i++ {
		c.Current()
	}
	s := c.Observe(rateLimited())
	if s.DiffMode != DiffModeNone {
		t.Fatalf("second consecutive rate limit ignored after Current reads")
	}
	if before.BatchSize != 25 {
		t.Fatalf("Current batch = %d, want 25", before.BatchSize)
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
