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

// Package scheduler selects which repositories get sync jobs. The core is a
// pure function over repo health, queue load, and bucket pressure: given the
// same inputs it plans the same candidates, which keeps the scan testable and
// the daemon loop a thin driver around it.
package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"engram/internal/scm"
)

// Priority adjustments. Candidates sort ascending, so negative values pull a
// job forward and penalties push it back.
const (
	NeverSyncedBonus            = -100
	RateLimitPenalty            = 50
	BucketPausedPriorityPenalty = 1000
	BucketLowTokensPenalty      = 200

	maxCursorAgeBonusHours = 24
	lowTokenFraction       = 0.2
)

// Skip and decision reasons. Stable tokens: they land in job payloads,
// metrics labels, and logs.
const (
	ReasonNeverSynced       = "never_synced"
	ReasonCursorStale       = "cursor_stale"
	ReasonRateLimitPressure = "rate_limit_pressure"
	ReasonBucketPausedPen   = "bucket_paused_penalty"
	ReasonBucketLowTokens   = "bucket_low_tokens_penalty"

	SkipErrorBudget    = "error_budget_exceeded"
	SkipCursorFresh    = "cursor_fresh"
	SkipAlreadyQueued  = "already_queued"
	SkipLegacyQueued   = "already_queued_legacy"
	SkipNotInAllowlist = "mvp_filtered"
	SkipBucketPaused   = "bucket_paused"
	SkipInstanceBudget = "instance_concurrency"
	SkipTenantBudget   = "tenant_concurrency"
	SkipScanBudget     = "scan_budget"
	BlockedMaxRunning  = "max_running"
	BlockedQueueDepth  = "max_queue_depth"
)

// RepoState is the per-repo scan input. IsQueued is the repo-level flag older
// callers still set; QueuedPairs supersedes it and wins whenever the repo has
// any per-type row.
type RepoState struct {
	RepoID          string
	VCSType         string
	InstanceKey     string
	TenantID        string
	CursorUpdatedAt *time.Time
	RunCount        int
	FailedCount     int
	RateLimitHits   int
	TotalRequests   int
	LastStatus      string
	IsQueued        bool
}

// FailureRate is failed runs over total runs in the health window.
func (r RepoState) FailureRate() float64 {
	if r.RunCount <= 0 {
		return 0
	}
	return float64(r.FailedCount) / float64(r.RunCount)
}

// RateLimitRate is 429 responses over total upstream requests in the window.
func (r RepoState) RateLimitRate() float64 {
	if r.TotalRequests <= 0 {
		return 0
	}
	return float64(r.RateLimitHits) / float64(r.TotalRequests)
}

// Config tunes one scan. Zero caps mean unlimited.
type Config struct {
	MaxRunning                int
	MaxQueueDepth             int
	PerInstanceConcurrency    int
	PerTenantConcurrency      int
	CursorAgeThreshold        time.Duration
	ErrorBudgetThreshold      float64
	ErrorBudgetWindowSize     int
	RateLimitHitThreshold     float64
	MaxEnqueuePerScan         int
	EnableTenantFairness      bool
	TenantFairnessMaxPerRound int
	JobTypePriority           map[string]int
	MVPJobTypes               []string
	SkipOnPause               bool
}

// DefaultConfig is the production baseline; environment overrides land on
// top of it.
func DefaultConfig() Config {
	return Config{
		MaxRunning:                10,
		MaxQueueDepth:             100,
		PerInstanceConcurrency:    3,
		PerTenantConcurrency:      5,
		CursorAgeThreshold:        time.Hour,
		ErrorBudgetThreshold:      0.5,
		ErrorBudgetWindowSize:     10,
		RateLimitHitThreshold:     0.1,
		MaxEnqueuePerScan:         20,
		EnableTenantFairness:      true,
		TenantFairnessMaxPerRound: 2,
		JobTypePriority: map[string]int{
			scm.JobTypeGitLabCommits: 1,
			scm.JobTypeSVN:           1,
			scm.JobTypeGitLabMRs:     2,
			scm.JobTypeGitLabReviews: 3,
		},
	}
}

// Pair identifies a job family already in the queue.
type Pair struct {
	RepoID  string
	JobType string
}

// Budget is the admission-control view of current queue load.
type Budget struct {
	Running    int
	Pending    int
	Active     int
	ByInstance map[string]int
	ByTenant   map[string]int
}

// BucketStatus is the limiter view for one instance at scan time.
type BucketStatus struct {
	IsPaused       bool
	PauseRemaining time.Duration
	CurrentTokens  float64
	Burst          float64
	Rate           float64
}

// Candidate is one job the plan wants enqueued, with every decision that
// shaped it.
type Candidate struct {
	RepoID      string
	JobType     string
	InstanceKey string
	TenantID    string
	Priority    int
	Reasons     []string
}

// Skip records why a repo or a (repo, job type) pair was not planned.
type Skip struct {
	RepoID  string
	JobType string
	Reason  string
}

// Inputs is everything one scan sees.
type Inputs struct {
	Now     time.Time
	Repos   []RepoState
	Config  Config
	Queued  map[Pair]bool
	Budget  Budget
	Buckets map[string]BucketStatus
}

// Result is the plan: candidates in emit order, skips for observability, and
// the admission gate that closed the scan if any.
type Result struct {
	Candidates []Candidate
	Skips      []Skip
	Blocked    string
}

// Plan runs one scan over the inputs.
func Plan(in Inputs) Result {
	cfg := in.Config
	var res Result

	if cfg.MaxRunning > 0 && in.Budget.Running >= cfg.MaxRunning {
		res.Blocked = BlockedMaxRunning
		return res
	}
	if cfg.MaxQueueDepth > 0 && in.Budget.Active >= cfg.MaxQueueDepth {
		res.Blocked = BlockedQueueDepth
		return res
	}

	queuedRepos := map[string]bool{}
	for p := range in.Queued {
		queuedRepos[p.RepoID] = true
	}

	jobTypes := make([]string, 0, len(cfg.JobTypePriority))
	for jt := range cfg.JobTypePriority {
		jobTypes = append(jobTypes, jt)
	}
	sort.Strings(jobTypes)

	var cands []Candidate
	for _, st := range in.Repos {
		schedule, adjust, reason := decide(in.Now, st, cfg)
		if !schedule {
			res.Skips = append(res.Skips, Skip{RepoID: st.RepoID, Reason: reason})
			continue
		}
		// The legacy flag only counts for repos that have no per-type rows.
		if st.IsQueued && !queuedRepos[st.RepoID] {
			res.Skips = append(res.Skips, Skip{RepoID: st.RepoID, Reason: SkipLegacyQueued})
			continue
		}
		for _, jt := range jobTypes {
			if in.Queued[Pair{RepoID: st.RepoID, JobType: jt}] {
				res.Skips = append(res.Skips, Skip{st.RepoID, jt, SkipAlreadyQueued})
				continue
			}
			if len(cfg.MVPJobTypes) > 0 && !lo.Contains(cfg.MVPJobTypes, jt) {
				res.Skips = append(res.Skips, Skip{st.RepoID, jt, SkipNotInAllowlist})
				continue
			}
			prio := float64(cfg.JobTypePriority[jt])*100 + adjust +
				100*st.FailureRate() + 200*st.RateLimitRate()
			reasons := []string{reason}

			bucket, known := in.Buckets[st.InstanceKey]
			switch {
			case known && bucket.IsPaused && cfg.SkipOnPause:
				res.Skips = append(res.Skips, Skip{st.RepoID, jt, SkipBucketPaused})
				continue
			case known && bucket.IsPaused:
				prio += BucketPausedPriorityPenalty
				reasons = append(reasons, ReasonBucketPausedPen)
			case known && bucket.Burst > 0 && bucket.CurrentTokens/bucket.Burst < lowTokenFraction:
				prio += BucketLowTokensPenalty
				reasons = append(reasons, ReasonBucketLowTokens)
			}

			cands = append(cands, Candidate{
				RepoID:      st.RepoID,
				JobType:     jt,
				InstanceKey: st.InstanceKey,
				TenantID:    st.TenantID,
				Priority:    int(math.Round(prio)),
				Reasons:     reasons,
			})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority < cands[j].Priority
		}
		if cands[i].RepoID != cands[j].RepoID {
			return cands[i].RepoID < cands[j].RepoID
		}
		return cands[i].JobType < cands[j].JobType
	})

	if cfg.EnableTenantFairness {
		perRound := cfg.TenantFairnessMaxPerRound
		if perRound <= 0 {
			perRound = 1
		}
		cands = fairOrder(cands, perRound)
	}

	limit := len(cands)
	if cfg.MaxEnqueuePerScan > 0 && limit > cfg.MaxEnqueuePerScan {
		limit = cfg.MaxEnqueuePerScan
	}
	if cfg.MaxQueueDepth > 0 {
		if room := cfg.MaxQueueDepth - in.Budget.Active; room < limit {
			limit = room
		}
	}
	if limit < 0 {
		limit = 0
	}

	instanceCounts := copyCounts(in.Budget.ByInstance)
	tenantCounts := copyCounts(in.Budget.ByTenant)
	for _, c := range cands {
		if len(res.Candidates) >= limit {
			res.Skips = append(res.Skips, Skip{c.RepoID, c.JobType, SkipScanBudget})
			continue
		}
		if cfg.PerInstanceConcurrency > 0 && instanceCounts[c.InstanceKey] >= cfg.PerInstanceConcurrency {
			res.Skips = append(res.Skips, Skip{c.RepoID, c.JobType, SkipInstanceBudget})
			continue
		}
		if cfg.PerTenantConcurrency > 0 && tenantCounts[c.TenantID] >= cfg.PerTenantConcurrency {
			res.Skips = append(res.Skips, Skip{c.RepoID, c.JobType, SkipTenantBudget})
			continue
		}
		instanceCounts[c.InstanceKey]++
		tenantCounts[c.TenantID]++
		res.Candidates = append(res.Candidates, c)
	}
	return res
}

// decide classifies one repo: schedule or not, with the priority adjustment
// its condition earns.
func decide(now time.Time, st RepoState, cfg Config) (schedule bool, adjust float64, reason string) {
	if st.RunCount > 0 && st.FailureRate() >= cfg.ErrorBudgetThreshold {
		return false, 0, SkipErrorBudget
	}
	if st.CursorUpdatedAt == nil {
		return true, NeverSyncedBonus, ReasonNeverSynced
	}
	age := now.Sub(*st.CursorUpdatedAt)
	if age >= cfg.CursorAgeThreshold {
		return true, -math.Min(age.Hours(), maxCursorAgeBonusHours), ReasonCursorStale
	}
	if st.TotalRequests > 0 && st.RateLimitRate() >= cfg.RateLimitHitThreshold {
		return true, RateLimitPenalty, ReasonRateLimitPressure
	}
	return false, 0, SkipCursorFresh
}

// fairOrder regroups sorted candidates into per-tenant buckets and emits up
// to perRound from each bucket per pass, buckets ordered by their current
// head priority, until every bucket drains.
func fairOrder(cands []Candidate, perRound int) []Candidate {
	groups := lo.GroupBy(cands, func(c Candidate) string { return c.TenantID })
	out := make([]Candidate, 0, len(cands))
	for len(out) < len(cands) {
		tenants := make([]string, 0, len(groups))
		for t, g := range groups {
			if len(g) > 0 {
				tenants = append(tenants, t)
			}
		}
		sort.Slice(tenants, func(i, j int) bool {
			hi, hj := groups[tenants[i]][0], groups[tenants[j]][0]
			if hi.Priority != hj.Priority {
				return hi.Priority < hj.Priority
			}
			return tenants[i] < tenants[j]
		})
		for _, t := range tenants {
			g := groups[t]
			n := perRound
			if n > len(g) {
				n = len(g)
			}
			out = append(out, g[:n]...)
			groups[t] = g[n:]
		}
	}
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
