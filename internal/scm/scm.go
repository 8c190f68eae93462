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

// Package scm defines the contract between the sync core and the concrete
// source-control adapters (GitLab, SVN, ...). The adapters themselves live
// outside this module; the core only depends on the Adapter interface, the
// wire error taxonomy, and the request-stats surface adapters must expose.
package scm

import (
	"context"
	"time"
)

// Job types. Smaller job_type_priority ranks run earlier; the mapping from
// type to rank is scheduler configuration, not a property of the type.
const (
	JobTypeGitLabCommits = "gitlab_commits"
	JobTypeGitLabMRs     = "gitlab_mrs"
	JobTypeGitLabReviews = "gitlab_reviews"
	JobTypeSVN           = "svn"
)

// Sync modes.
const (
	ModeIncremental = "incremental"
	ModeBackfill    = "backfill"
)

// VCS families.
const (
	VCSGit = "git"
	VCSSVN = "svn"
)

// Cursor is the per-repo, per-job-type watermark: a monotone timestamp for
// git-style hosts, a monotone revision number for centralized VCS. Exactly
// one side is meaningful; a zero Cursor means "never synced".
type Cursor struct {
	Ts  time.Time
	Rev int64
}

// IsZero reports whether the cursor has never been set.
func (c Cursor) IsZero() bool { return c.Ts.IsZero() && c.Rev == 0 }

// Before reports whether c precedes other. Comparing a time cursor with a
// revision cursor is a caller bug; both sides are compared on their own axis.
func (c Cursor) Before(other Cursor) bool {
	if !c.Ts.IsZero() || !other.Ts.IsZero() {
		return c.Ts.Before(other.Ts)
	}
	return c.Rev < other.Rev
}

// Window bounds one fetch. Time windows use [Since, Until); revision windows
// use [StartRev, EndRev] inclusive. Zero-valued sides mean unbounded.
type Window struct {
	Since    time.Time
	Until    time.Time
	StartRev int64
	EndRev   int64
}

// Commit is one revision fetched from the upstream host. Diff may be empty
// when the loop runs in a degraded diff mode.
type Commit struct {
	SHA        string
	Rev        int64
	Author     string
	AuthoredAt time.Time
	Title      string
	Diff       string
	Bulk       bool // unusually large change, per upstream size heuristics
}

// MergeRequest is one review container (MR/PR) fetched from the host.
type MergeRequest struct {
	ID        string
	IID       int64
	Title     string
	State     string
	UpdatedAt time.Time
}

// ReviewEvent is one discussion/approval event on a merge request.
type ReviewEvent struct {
	MRID      string
	Author    string
	Kind      string
	Body      string
	CreatedAt time.Time
}

// CommitPage is one page of commits plus the cursor to resume from.
type CommitPage struct {
	Commits    []Commit
	NextCursor Cursor
	HasMore    bool
}

// MergeRequestPage is one page of merge requests plus the resume cursor.
type MergeRequestPage struct {
	MergeRequests []MergeRequest
	NextCursor    Cursor
	HasMore       bool
}

// RateLimitHint carries an upstream back-off instruction: RetryAfter from a
// Retry-After header, ResetTime from an X-RateLimit-Reset style header. The
// limiter honors the later of the two.
type RateLimitHint struct {
	RetryAfter time.Duration
	ResetTime  time.Time
}

// Until resolves the hint to an absolute instant relative to now.
func (h RateLimitHint) Until(now time.Time) time.Time {
	until := now
	if h.RetryAfter > 0 {
		until = now.Add(h.RetryAfter)
	}
	if h.ResetTime.After(until) {
		until = h.ResetTime
	}
	return until
}

// RequestStats is the adapter-side traffic ledger consumed by the degradation
// controller and recorded on every sync run.
type RequestStats struct {
	TotalRequests  int64
	Total429Hits   int64
	TimeoutCount   int64
	LastRetryAfter time.Duration
}

// Add accumulates another stats snapshot into s.
func (s RequestStats) Add(o RequestStats) RequestStats {
	s.TotalRequests += o.TotalRequests
	s.Total429Hits += o.Total429Hits
	s.TimeoutCount += o.TimeoutCount
	if o.LastRetryAfter > 0 {
		s.LastRetryAfter = o.LastRetryAfter
	}
	return s
}

// FetchOptions tunes one adapter call. DiffMode follows the degradation
// controller's vocabulary: "best_effort" fetches diffs, "none" skips them.
type FetchOptions struct {
	BatchSize int
	DiffMode  string
}

// Adapter is the outbound surface a concrete SCM integration must implement.
// Implementations are expected to be safe for use by one worker at a time;
// the queue's per-(repo, job_type, mode) uniqueness provides that.
type Adapter interface {
	FetchCommits(ctx context.Context, cursor Cursor, window Window, opts FetchOptions) (*CommitPage, error)
	FetchMergeRequests(ctx context.Context, cursor Cursor, window Window, opts FetchOptions) (*MergeRequestPage, error)
	FetchReviews(ctx context.Context, mrID string) ([]ReviewEvent, error)

	// Stats returns cumulative request counters since construction.
	Stats() RequestStats
	// NotifyRateLimit passes a 429 hint through so the adapter can align its
	// own pacing with the instance bucket.
	NotifyRateLimit(hint RateLimitHint)
}
