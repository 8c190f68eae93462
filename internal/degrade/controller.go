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

// Package degrade adapts a single sync loop's parameters to upstream
// pressure. One Controller accompanies one loop; after every iteration the
// loop reports what happened and receives the parameters for the next pass:
// diff fidelity, batch size, forward window, and whether to sleep before
// continuing. The controller is deliberately local; cross-worker protection
// is the circuit breaker's job, this is per-loop pacing.
package degrade

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/internal/scm"
)

// Diff fidelity modes, in descending cost order.
const (
	DiffModeBestEffort = "best_effort"
	DiffModeNone       = "none"
)

// Config carries the adjustment policy knobs.
type Config struct {
	DefaultBatchSize  int
	MinBatchSize      int
	BatchShrinkFactor float64
	BatchGrowFactor   float64

	DefaultForwardWindow time.Duration
	MinForwardWindow     time.Duration
	WindowShrinkFactor   float64

	SleepBase time.Duration
	SleepMax  time.Duration

	// Consecutive-loop thresholds per error category.
	RateLimitedThreshold     int
	ContentTooLargeThreshold int
	TimeoutThreshold         int
	ServerErrorThreshold     int

	// Consecutive clean loops before parameters recover.
	RecoverySuccessThreshold int
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize:         50,
		MinBatchSize:             5,
		BatchShrinkFactor:        0.5,
		BatchGrowFactor:          1.5,
		DefaultForwardWindow:     time.Hour,
		MinForwardWindow:         5 * time.Minute,
		WindowShrinkFactor:       0.5,
		SleepBase:                2 * time.Second,
		SleepMax:                 5 * time.Minute,
		RateLimitedThreshold:     2,
		ContentTooLargeThreshold: 2,
		TimeoutThreshold:         3,
		ServerErrorThreshold:     3,
		RecoverySuccessThreshold: 3,
	}
}

// LoopStats is what the loop reports after one iteration.
type LoopStats struct {
	Requests scm.RequestStats
	// Errors holds the categories of the iteration's unrecoverable errors.
	Errors        []scm.Category
	DegradedCount int
	BulkCount     int
	SyncedCount   int
	// RetryAfter carries an explicit server back-off hint, when present.
	RetryAfter time.Duration
}

func (s LoopStats) clean() bool { return len(s.Errors) == 0 }

func (s LoopStats) has(c scm.Category) bool {
	for _, e := range s.Errors {
		if e == c {
			return true
		}
	}
	return false
}

// Suggestion is the parameter set for the next iteration.
type Suggestion struct {
	DiffMode          string
	BatchSize         int
	ForwardWindow     time.Duration
	Sleep             time.Duration
	ShouldPause       bool
	PauseReason       string
	AdjustmentReasons []string
}

// Controller accumulates per-category consecutive counters and derives the
// next iteration's parameters. Safe for concurrent use, though a loop
// normally owns its controller exclusively.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	batchSize     int
	forwardWindow time.Duration
	diffMode      string
	consecutive   map[scm.Category]int
	successes     int
}

// New constructs a controller at the config's default parameters.
func New(cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:           cfg,
		log:           log,
		batchSize:     cfg.DefaultBatchSize,
		forwardWindow: cfg.DefaultForwardWindow,
		diffMode:      DiffModeBestEffort,
		consecutive:   make(map[scm.Category]int),
	}
}

// Observe folds one iteration's outcome into the counters and returns the
// suggestion for the next iteration.
func (c *Controller) Observe(stats LoopStats) Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advanceCounters(stats)

	var reasons []string
	s := Suggestion{}

	// Diff fidelity.
	switch {
	case c.consecutive[scm.CategoryRateLimited] >= c.cfg.RateLimitedThreshold:
		if c.diffMode != DiffModeNone {
			reasons = append(reasons, "diff_mode_disabled_rate_limited")
		}
		c.diffMode = DiffModeNone
	case c.consecutive[scm.CategoryContentTooLarge] >= c.cfg.ContentTooLargeThreshold:
		if c.diffMode != DiffModeNone {
			reasons = append(reasons, "diff_mode_disabled_content_too_large")
		}
		c.diffMode = DiffModeNone
	case c.successes >= c.cfg.RecoverySuccessThreshold:
		if c.diffMode != DiffModeBestEffort {
			reasons = append(reasons, "diff_mode_restored")
		}
		c.diffMode = DiffModeBestEffort
	}

	// Batch size.
	if stats.has(scm.CategoryRateLimited) || stats.has(scm.CategoryTimeout) {
		shrunk := int(float64(c.batchSize) * c.cfg.BatchShrinkFactor)
		if shrunk < c.cfg.MinBatchSize {
			shrunk = c.cfg.MinBatchSize
		}
		if shrunk != c.batchSize {
			reasons = append(reasons, "batch_shrunk")
		}
		c.batchSize = shrunk
	} else if c.successes >= c.cfg.RecoverySuccessThreshold && c.batchSize < c.cfg.DefaultBatchSize {
		grown := int(float64(c.batchSize) * c.cfg.BatchGrowFactor)
		if grown > c.cfg.DefaultBatchSize {
			grown = c.cfg.DefaultBatchSize
		}
		reasons = append(reasons, "batch_grown")
		c.batchSize = grown
	}

	// Forward window.
	if stats.has(scm.CategoryRateLimited) {
		shrunk := time.Duration(float64(c.forwardWindow) * c.cfg.WindowShrinkFactor)
		if shrunk < c.cfg.MinForwardWindow {
			shrunk = c.cfg.MinForwardWindow
		}
		if shrunk != c.forwardWindow {
			reasons = append(reasons, "window_shrunk")
		}
		c.forwardWindow = shrunk
	}

	// Pause and sleep.
	if n := c.consecutive[scm.CategoryTimeout]; n >= c.cfg.TimeoutThreshold {
		s.ShouldPause = true
		s.PauseReason = "consecutive_timeouts"
		s.Sleep = c.backoff(n)
		reasons = append(reasons, "paused_consecutive_timeouts")
	}
	if n := c.consecutive[scm.CategoryServerError]; n >= c.cfg.ServerErrorThreshold {
		s.ShouldPause = true
		if s.PauseReason == "" {
			s.PauseReason = "consecutive_server_errors"
		}
		if d := c.backoff(n); d > s.Sleep {
			s.Sleep = d
		}
		reasons = append(reasons, "paused_consecutive_server_errors")
	}
	if stats.RetryAfter > 0 {
		d := stats.RetryAfter
		if d > c.cfg.SleepMax {
			d = c.cfg.SleepMax
		}
		s.Sleep = d
		reasons = append(reasons, "sleep_retry_after")
	}

	s.DiffMode = c.diffMode
	s.BatchSize = c.batchSize
	s.ForwardWindow = c.forwardWindow
	s.AdjustmentReasons = reasons

	if len(reasons) > 0 {
		c.log.Info("degradation adjustment",
			zap.Strings("reasons", reasons),
			zap.String("diff_mode", s.DiffMode),
			zap.Int("batch_size", s.BatchSize),
			zap.Duration("forward_window", s.ForwardWindow),
			zap.Duration("sleep", s.Sleep),
			zap.Bool("should_pause", s.ShouldPause))
	}
	return s
}

// Current returns the parameters as they stand, without observing a loop.
func (c *Controller) Current() Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Suggestion{
		DiffMode:      c.diffMode,
		BatchSize:     c.batchSize,
		ForwardWindow: c.forwardWindow,
	}
}

// advanceCounters increments counters for the categories seen this loop and
// zeroes the ones not seen; the success counter tracks fully clean loops.
func (c *Controller) advanceCounters(stats LoopStats) {
	seen := make(map[scm.Category]bool, len(stats.Errors))
	for _, e := range stats.Errors {
		seen[e] = true
	}
	for _, cat := range []scm.Category{
		scm.CategoryRateLimited,
		scm.CategoryTimeout,
		scm.CategoryContentTooLarge,
		scm.CategoryServerError,
		scm.CategoryAuthError,
		scm.CategoryNetworkError,
		scm.CategoryUnknown,
	} {
		if seen[cat] {
			c.consecutive[cat]++
		} else {
			c.consecutive[cat] = 0
		}
	}
	if stats.clean() {
		c.successes++
	} else {
		c.successes = 0
	}
}

// backoff computes base * 2^(count-1) capped at SleepMax.
func (c *Controller) backoff(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	d := c.cfg.SleepBase
	for i := 1; i < count; i++ {
		d *= 2
		if d >= c.cfg.SleepMax {
			return c.cfg.SleepMax
		}
	}
	if d > c.cfg.SleepMax {
		d = c.cfg.SleepMax
	}
	return d
}
