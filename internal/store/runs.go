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

package store

import (
	"context"
	"fmt"
	"time"
)

// Run statuses recorded in scm_sync_runs.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// RunRow is one sync-run health record.
type RunRow struct {
	RunID         int64      `db:"run_id"`
	RepoID        string     `db:"repo_id"`
	JobType       string     `db:"job_type"`
	StartedAt     time.Time  `db:"started_at"`
	EndedAt       *time.Time `db:"ended_at"`
	Status        string     `db:"status"`
	ItemsSynced   int        `db:"items_synced"`
	ItemsFailed   int        `db:"items_failed"`
	TotalRequests int        `db:"total_requests"`
	Total429Hits  int        `db:"total_429_hits"`
	TimeoutCount  int        `db:"timeout_count"`
	ErrorCategory *string    `db:"error_category"`
	CursorBefore  *string    `db:"cursor_before"`
	CursorAfter   *string    `db:"cursor_after"`
}

// StartRun appends a running health record and returns its id.
func (s *Store) StartRun(ctx context.Context, repoID, jobType, cursorBefore string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO scm_sync_runs (repo_id, job_type, status, cursor_before)
		VALUES ($1, $2, 'running', NULLIF($3, ''))
		RETURNING run_id`,
		repoID, jobType, cursorBefore).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: start run: %w", err)
	}
	return id, nil
}

// RunOutcome carries the final numbers for FinishRun.
type RunOutcome struct {
	Status        string
	ItemsSynced   int
	ItemsFailed   int
	TotalRequests int
	Total429Hits  int
	TimeoutCount  int
	ErrorCategory string
	CursorAfter   string
}

// FinishRun closes a health record.
func (s *Store) FinishRun(ctx context.Context, runID int64, out RunOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scm_sync_runs
		SET ended_at = now(), status = $2, items_synced = $3, items_failed = $4,
		    total_requests = $5, total_429_hits = $6, timeout_count = $7,
		    error_category = NULLIF($8, ''), cursor_after = NULLIF($9, '')
		WHERE run_id = $1`,
		runID, out.Status, out.ItemsSynced, out.ItemsFailed, out.TotalRequests,
		out.Total429Hits, out.TimeoutCount, out.ErrorCategory, out.CursorAfter)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// RunAggregate is a rolling health window over the most recent runs of one
// repo. The scheduler turns it into scheduling decisions and the circuit
// breaker into rates.
type RunAggregate struct {
	RepoID        string  `db:"repo_id"`
	RunCount      int     `db:"run_count"`
	FailedCount   int     `db:"failed_count"`
	Hits429       int     `db:"hits_429"`
	TotalRequests int     `db:"total_requests"`
	TimeoutCount  int     `db:"timeout_count"`
	LastStatus    *string `db:"last_status"`
}

// recentRunsQuery keeps only each repo's windowSize most recent finished
// runs, then aggregates.
const recentRunsQuery = `
	SELECT repo_id,
	       count(*) AS run_count,
	       count(*) FILTER (WHERE status = 'failed') AS failed_count,
	       COALESCE(sum(total_429_hits), 0) AS hits_429,
	       COALESCE(sum(total_requests), 0) AS total_requests,
	       COALESCE(sum(timeout_count), 0) AS timeout_count,
	       (array_agg(status ORDER BY started_at DESC))[1] AS last_status
	FROM (
		SELECT *, row_number() OVER (PARTITION BY repo_id ORDER BY started_at DESC) AS rn
		FROM scm_sync_runs
		WHERE ended_at IS NOT NULL
	) recent
	WHERE rn <= $1
	GROUP BY repo_id`

// RecentRunStats returns per-repo aggregates over each repo's most recent
// windowSize finished runs.
func (s *Store) RecentRunStats(ctx context.Context, windowSize int) (map[string]RunAggregate, error) {
	if windowSize <= 0 {
		windowSize = 10
	}
	rows := []RunAggregate{}
	if err := s.db.SelectContext(ctx, &rows, recentRunsQuery, windowSize); err != nil {
		return nil, fmt.Errorf("store: recent run stats: %w", err)
	}
	stats := make(map[string]RunAggregate, len(rows))
	for _, r := range rows {
		stats[r.RepoID] = r
	}
	return stats, nil
}

// RefreshActivityFacts rebuilds the derived per-repo activity view. The
// concurrent refresh keeps readers unblocked; first-ever refresh on an empty
// view cannot run concurrently, so that error falls back to a plain refresh.
func (s *Store) RefreshActivityFacts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY analysis_repo_activity`)
	if err == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW analysis_repo_activity`); err != nil {
		return fmt.Errorf("store: refresh activity facts: %w", err)
	}
	return nil
}

// RepoActivityRow is one day of one repo's derived activity.
type RepoActivityRow struct {
	RepoID         string     `db:"repo_id"`
	ActivityDay    time.Time  `db:"activity_day"`
	RunCount       int        `db:"run_count"`
	FailedCount    int        `db:"failed_count"`
	ItemsSynced    int        `db:"items_synced"`
	ItemsFailed    int        `db:"items_failed"`
	Hits429        int        `db:"hits_429"`
	LastActivityAt *time.Time `db:"last_activity_at"`
}

// RepoActivity reads the derived activity facts for one repo, newest first.
func (s *Store) RepoActivity(ctx context.Context, repoID string, limit int) ([]RepoActivityRow, error) {
	if limit <= 0 {
		limit = 30
	}
	rows := []RepoActivityRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT repo_id, activity_day, run_count, failed_count,
		       items_synced, items_failed, hits_429, last_activity_at
		FROM analysis_repo_activity
		WHERE repo_id = $1
		ORDER BY activity_day DESC
		LIMIT $2`, repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: repo activity: %w", err)
	}
	return rows, nil
}

// ScopeHealth is a breaker-facing aggregate over one scope's recent runs.
type ScopeHealth struct {
	SampleCount   int
	FailureRate   float64
	RateLimitRate float64
	TimeoutRate   float64
}

// InstanceHealth aggregates recent-run health per upstream instance, joining
// runs to repos for attribution. Rates are ratios of sums, so busy repos
// weigh more, matching how the upstream perceives the load.
func (s *Store) InstanceHealth(ctx context.Context, windowSize int) (map[string]ScopeHealth, error) {
	if windowSize <= 0 {
		windowSize = 10
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT r.instance_key,
		       count(*),
		       count(*) FILTER (WHERE recent.status = 'failed'),
		       COALESCE(sum(recent.total_429_hits), 0),
		       COALESCE(sum(recent.total_requests), 0),
		       COALESCE(sum(recent.timeout_count), 0)
		FROM (
			SELECT *, row_number() OVER (PARTITION BY repo_id ORDER BY started_at DESC) AS rn
			FROM scm_sync_runs
			WHERE ended_at IS NOT NULL
		) recent
		JOIN scm_repos r ON r.repo_id = recent.repo_id
		WHERE recent.rn <= $1
		GROUP BY r.instance_key`,
		windowSize)
	if err != nil {
		return nil, fmt.Errorf("store: instance health: %w", err)
	}
	defer rows.Close()

	health := map[string]ScopeHealth{}
	for rows.Next() {
		var key string
		var runs, failed, hits, requests, timeouts int
		if err := rows.Scan(&key, &runs, &failed, &hits, &requests, &timeouts); err != nil {
			return nil, fmt.Errorf("store: instance health scan: %w", err)
		}
		h := ScopeHealth{SampleCount: runs}
		if runs > 0 {
			h.FailureRate = float64(failed) / float64(runs)
		}
		if requests > 0 {
			h.RateLimitRate = float64(hits) / float64(requests)
			h.TimeoutRate = float64(timeouts) / float64(requests)
		}
		health[key] = h
	}
	return health, rows.Err()
}

// PruneSyncRuns deletes run rows beyond the newest keepPerPair for each
// (repo, job type) pair. Health windows only ever look at recent runs, so
// the tail is dead weight. Returns the number of rows removed.
func (s *Store) PruneSyncRuns(ctx context.Context, keepPerPair int) (int64, error) {
	if keepPerPair <= 0 {
		return 0, fmt.Errorf("store: prune runs: keep must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scm_sync_runs WHERE run_id IN (
			SELECT run_id FROM (
				SELECT run_id,
				       row_number() OVER (
				           PARTITION BY repo_id, job_type
				           ORDER BY started_at DESC, run_id DESC
				       ) AS rn
				FROM scm_sync_runs
			) ranked WHERE ranked.rn > $1
		)`, keepPerPair)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune runs affected: %w", err)
	}
	return n, nil
}
