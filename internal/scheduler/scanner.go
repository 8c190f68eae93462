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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engram/internal/queue"
	"engram/internal/scm"
	"engram/internal/store"
	"engram/pkg/tokenbucket"
)

// ScanStore is the slice of the store one scan reads. *store.Store satisfies
// it.
type ScanStore interface {
	ListRepoStates(ctx context.Context, windowSize int) ([]store.RepoStateRow, error)
	QueuedPairs(ctx context.Context) (map[[2]string]bool, error)
	LoadBudgetSnapshot(ctx context.Context) (*store.BudgetSnapshot, error)
	ListBuckets(ctx context.Context) ([]store.BucketRow, error)
}

// Enqueuer inserts planned jobs; *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (uuid.UUID, bool, error)
}

// Scanner drives the pure planner against the store on each tick.
type Scanner struct {
	st  ScanStore
	q   Enqueuer
	cfg Config
	log *zap.Logger
	now func() time.Time
}

// NewScanner builds a scan driver.
func NewScanner(st ScanStore, q Enqueuer, cfg Config, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{st: st, q: q, cfg: cfg, log: log.Named("scheduler"), now: time.Now}
}

// ScanOnce gathers inputs, plans, and enqueues the admitted candidates.
// Returns the number of jobs actually inserted.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	scans.Inc()
	now := s.now()

	states, err := s.st.ListRepoStates(ctx, s.cfg.ErrorBudgetWindowSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: repo states: %w", err)
	}
	queuedRaw, err := s.st.QueuedPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: queued pairs: %w", err)
	}
	budget, err := s.st.LoadBudgetSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: budget snapshot: %w", err)
	}
	bucketRows, err := s.st.ListBuckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: buckets: %w", err)
	}

	res := Plan(Inputs{
		Now:     now,
		Repos:   mapRepoStates(states),
		Config:  s.cfg,
		Queued:  mapPairs(queuedRaw),
		Budget:  mapBudget(budget),
		Buckets: mapBuckets(bucketRows, now),
	})

	for _, sk := range res.Skips {
		skips.WithLabelValues(sk.Reason).Inc()
	}
	if res.Blocked != "" {
		blocked.WithLabelValues(res.Blocked).Inc()
		s.log.Info("scan blocked by admission control", zap.String("gate", res.Blocked),
			zap.Int("running", budget.Running), zap.Int("active", budget.Active))
		return 0, nil
	}

	inserted := 0
	for _, c := range res.Candidates {
		_, ok, err := s.q.Enqueue(ctx, queue.EnqueueRequest{
			RepoID:   c.RepoID,
			JobType:  c.JobType,
			Mode:     scm.ModeIncremental,
			Priority: c.Priority,
			Payload: queue.Payload{
				TenantID:    c.TenantID,
				InstanceKey: c.InstanceKey,
				Reasons:     c.Reasons,
			},
		})
		if err != nil {
			enqueueErrors.Inc()
			s.log.Error("enqueue failed", zap.String("repo", c.RepoID),
				zap.String("job_type", c.JobType), zap.Error(err))
			continue
		}
		if ok {
			inserted++
			emitted.Inc()
		}
	}
	s.log.Info("scan complete",
		zap.Int("repos", len(states)),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("inserted", inserted),
		zap.Int("skips", len(res.Skips)))
	return inserted, nil
}

func mapRepoStates(rows []store.RepoStateRow) []RepoState {
	out := make([]RepoState, 0, len(rows))
	for _, r := range rows {
		st := RepoState{
			RepoID:          r.RepoID,
			VCSType:         r.VCSType,
			InstanceKey:     r.InstanceKey,
			CursorUpdatedAt: r.CursorUpdatedAt,
			RunCount:        r.RunCount,
			FailedCount:     r.FailedCount,
			RateLimitHits:   r.Hits429,
			TotalRequests:   r.TotalRequests,
		}
		if r.TenantID != nil {
			st.TenantID = *r.TenantID
		}
		if r.LastStatus != nil {
			st.LastStatus = *r.LastStatus
		}
		out = append(out, st)
	}
	return out
}

func mapPairs(raw map[[2]string]bool) map[Pair]bool {
	out := make(map[Pair]bool, len(raw))
	for k, v := range raw {
		out[Pair{RepoID: k[0], JobType: k[1]}] = v
	}
	return out
}

func mapBudget(b *store.BudgetSnapshot) Budget {
	return Budget{
		Running:    b.Running,
		Pending:    b.Pending,
		Active:     b.Active,
		ByInstance: b.ByInstance,
		ByTenant:   b.ByTenant,
	}
}

// mapBuckets projects stored bucket rows to scan-time status, refilled to
// now so token readings are current rather than as-of-last-write.
func mapBuckets(rows []store.BucketRow, now time.Time) map[string]BucketStatus {
	out := make(map[string]BucketStatus, len(rows))
	for _, r := range rows {
		st := tokenbucket.State{
			Tokens:    r.Tokens,
			Rate:      r.Rate,
			Burst:     r.Burst,
			UpdatedAt: r.UpdatedAt,
		}
		if r.PausedUntil != nil {
			st.PausedUntil = *r.PausedUntil
		}
		st = tokenbucket.Refill(st, now)
		b := BucketStatus{CurrentTokens: st.Tokens, Burst: r.Burst, Rate: r.Rate}
		if st.PausedUntil.After(now) {
			b.IsPaused = true
			b.PauseRemaining = st.PausedUntil.Sub(now)
		}
		out[r.InstanceKey] = b
	}
	return out
}
