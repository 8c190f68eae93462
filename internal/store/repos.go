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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RepoRow is one registered repository.
type RepoRow struct {
	RepoID      string    `db:"repo_id"`
	VCSType     string    `db:"vcs_type"`
	RemoteURL   string    `db:"remote_url"`
	TenantID    *string   `db:"tenant_id"`
	InstanceKey string    `db:"instance_key"`
	CreatedAt   time.Time `db:"created_at"`
}

// UpsertRepo registers a repository or refreshes its connection facts.
func (s *Store) UpsertRepo(ctx context.Context, row RepoRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scm_repos (repo_id, vcs_type, remote_url, tenant_id, instance_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id) DO UPDATE SET
			vcs_type = EXCLUDED.vcs_type,
			remote_url = EXCLUDED.remote_url,
			tenant_id = EXCLUDED.tenant_id,
			instance_key = EXCLUDED.instance_key`,
		row.RepoID, row.VCSType, row.RemoteURL, row.TenantID, row.InstanceKey)
	if err != nil {
		return fmt.Errorf("store: upsert repo: %w", err)
	}
	return nil
}

// GetRepo returns one repository or ErrNotFound.
func (s *Store) GetRepo(ctx context.Context, repoID string) (*RepoRow, error) {
	var row RepoRow
	err := s.db.GetContext(ctx, &row, `
		SELECT repo_id, vcs_type, remote_url, tenant_id, instance_key, created_at
		FROM scm_repos WHERE repo_id = $1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get repo: %w", err)
	}
	return &row, nil
}

// CursorRow is the per-repo, per-job-type watermark.
type CursorRow struct {
	RepoID    string     `db:"repo_id"`
	JobType   string     `db:"job_type"`
	CursorTS  *time.Time `db:"cursor_ts"`
	CursorRev *int64     `db:"cursor_rev"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// GetCursor returns the cursor for (repo, job type) or ErrNotFound when the
// pair has never synced.
func (s *Store) GetCursor(ctx context.Context, repoID, jobType string) (*CursorRow, error) {
	var row CursorRow
	err := s.db.GetContext(ctx, &row, `
		SELECT repo_id, job_type, cursor_ts, cursor_rev, updated_at
		FROM scm_cursors WHERE repo_id = $1 AND job_type = $2`,
		repoID, jobType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cursor: %w", err)
	}
	return &row, nil
}

// AdvanceCursor moves the watermark forward. The GREATEST guards make a
// regression impossible at the store level regardless of caller ordering.
func (s *Store) AdvanceCursor(ctx context.Context, repoID, jobType string, ts *time.Time, rev *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scm_cursors (repo_id, job_type, cursor_ts, cursor_rev, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (repo_id, job_type) DO UPDATE SET
			cursor_ts = GREATEST(
				COALESCE(scm_cursors.cursor_ts, '-infinity'::timestamptz),
				COALESCE(EXCLUDED.cursor_ts, scm_cursors.cursor_ts)),
			cursor_rev = GREATEST(
				COALESCE(scm_cursors.cursor_rev, 0),
				COALESCE(EXCLUDED.cursor_rev, scm_cursors.cursor_rev)),
			updated_at = now()`,
		repoID, jobType, ts, rev)
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	return nil
}

// TouchCursor refreshes updated_at without moving the position; an
// incremental pass that found nothing new still proves freshness.
func (s *Store) TouchCursor(ctx context.Context, repoID, jobType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scm_cursors (repo_id, job_type, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (repo_id, job_type) DO UPDATE SET updated_at = now()`,
		repoID, jobType)
	if err != nil {
		return fmt.Errorf("store: touch cursor: %w", err)
	}
	return nil
}

// RepoStateRow is the scheduler's per-repo input: connection facts, cursor
// freshness, and the recent-run health window. CursorUpdatedAt is the oldest
// update across the repo's job-type cursors, so the neediest stream drives
// scheduling; null means never synced.
type RepoStateRow struct {
	RepoID          string     `db:"repo_id"`
	VCSType         string     `db:"vcs_type"`
	InstanceKey     string     `db:"instance_key"`
	TenantID        *string    `db:"tenant_id"`
	CursorUpdatedAt *time.Time `db:"cursor_updated_at"`
	RunCount        int        `db:"run_count"`
	FailedCount     int        `db:"failed_count"`
	Hits429         int        `db:"hits_429"`
	TotalRequests   int        `db:"total_requests"`
	LastStatus      *string    `db:"last_status"`
}

// ListRepoStates assembles the scheduler scan input for every repo.
func (s *Store) ListRepoStates(ctx context.Context, windowSize int) ([]RepoStateRow, error) {
	if windowSize <= 0 {
		windowSize = 10
	}
	rows := []RepoStateRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.repo_id, r.vcs_type, r.instance_key, r.tenant_id,
		       c.cursor_updated_at,
		       COALESCE(a.run_count, 0) AS run_count,
		       COALESCE(a.failed_count, 0) AS failed_count,
		       COALESCE(a.hits_429, 0) AS hits_429,
		       COALESCE(a.total_requests, 0) AS total_requests,
		       a.last_status
		FROM scm_repos r
		LEFT JOIN (
			SELECT repo_id, min(updated_at) AS cursor_updated_at
			FROM scm_cursors GROUP BY repo_id
		) c ON c.repo_id = r.repo_id
		LEFT JOIN (`+recentRunsQuery+`) a ON a.repo_id = r.repo_id
		ORDER BY r.repo_id`,
		windowSize)
	if err != nil {
		return nil, fmt.Errorf("store: list repo states: %w", err)
	}
	return rows, nil
}
