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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// Job statuses. pending, running, and failed are the non-terminal set that
// the family uniqueness index covers.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDead      = "dead"
)

// ErrDuplicateJob reports that a non-terminal job for the same
// (repo_id, job_type, mode) family already exists.
var ErrDuplicateJob = errors.New("store: duplicate job for family")

// JobRow is one row of scm_sync_jobs.
type JobRow struct {
	JobID        uuid.UUID      `db:"job_id"`
	RepoID       string         `db:"repo_id"`
	JobType      string         `db:"job_type"`
	Mode         string         `db:"mode"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	NotBefore    time.Time      `db:"not_before"`
	LockedBy     *string        `db:"locked_by"`
	LockedAt     *time.Time     `db:"locked_at"`
	LeaseSeconds int            `db:"lease_seconds"`
	LastRunID    *int64         `db:"last_run_id"`
	LastError    *string        `db:"last_error"`
	PayloadJSON  types.JSONText `db:"payload_json"`
	TenantID     *string        `db:"tenant_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

const jobColumns = `job_id, repo_id, job_type, mode, priority, status, attempts,
	max_attempts, not_before, locked_by, locked_at, lease_seconds, last_run_id,
	last_error, payload_json, tenant_id, created_at, updated_at`

// claimablePredicate selects rows a claimer may take: due pending or failed
// rows, plus running rows whose lease expired (crashed holder).
const claimablePredicate = `(
	    (status IN ('pending', 'failed') AND not_before <= now())
	 OR (status = 'running' AND locked_at + make_interval(secs => lease_seconds) < now())
	)`

// EnqueueJob inserts a pending job and returns its id. A live row for the
// same (repo_id, job_type, mode) family yields ErrDuplicateJob.
func (s *Store) EnqueueJob(ctx context.Context, row JobRow) (uuid.UUID, error) {
	if row.JobID == uuid.Nil {
		row.JobID = uuid.New()
	}
	if row.Mode == "" {
		row.Mode = "incremental"
	}
	if row.MaxAttempts <= 0 {
		row.MaxAttempts = 3
	}
	if row.LeaseSeconds <= 0 {
		row.LeaseSeconds = 300
	}
	if row.NotBefore.IsZero() {
		row.NotBefore = time.Now().UTC()
	}
	if len(row.PayloadJSON) == 0 {
		row.PayloadJSON = types.JSONText(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scm_sync_jobs
			(job_id, repo_id, job_type, mode, priority, status, max_attempts,
			 not_before, lease_seconds, payload_json)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9)`,
		row.JobID, row.RepoID, row.JobType, row.Mode, row.Priority,
		row.MaxAttempts, row.NotBefore, row.LeaseSeconds, row.PayloadJSON)
	if IsUniqueViolation(err) {
		return uuid.Nil, ErrDuplicateJob
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: enqueue job: %w", err)
	}
	return row.JobID, nil
}

// ClaimJob leases the most urgent claimable job, optionally filtered by job
// types. Claiming increments attempts; expired-lease takeover goes through
// the same path. Returns ErrNotFound when nothing is claimable.
func (s *Store) ClaimJob(ctx context.Context, workerID string, jobTypes []string) (*JobRow, error) {
	return s.claim(ctx, workerID, jobTypes, "", false)
}

// ClaimJobForTenant is ClaimJob restricted to one tenant bucket; the empty
// string selects jobs with no tenant. The queue's fair rotation drives it.
func (s *Store) ClaimJobForTenant(ctx context.Context, workerID string, jobTypes []string, tenantID string) (*JobRow, error) {
	return s.claim(ctx, workerID, jobTypes, tenantID, true)
}

func (s *Store) claim(ctx context.Context, workerID string, jobTypes []string, tenantID string, byTenant bool) (*JobRow, error) {
	tenantClause := ""
	args := []interface{}{workerID, typesOrNil(jobTypes)}
	if byTenant {
		if tenantID == "" {
			tenantClause = "AND tenant_id IS NULL"
		} else {
			tenantClause = "AND tenant_id = $3"
			args = append(args, tenantID)
		}
	}
	q := `
		UPDATE scm_sync_jobs SET
			status = 'running', attempts = attempts + 1,
			locked_by = $1, locked_at = now(), updated_at = now()
		WHERE job_id = (
			SELECT job_id FROM scm_sync_jobs
			WHERE ` + claimablePredicate + `
			  AND ($2::text[] IS NULL OR job_type = ANY($2))
			  ` + tenantClause + `
			ORDER BY priority ASC, not_before ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	var row JobRow
	err := s.db.QueryRowxContext(ctx, q, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	return &row, nil
}

// ClaimableTenants lists the distinct tenant buckets that currently hold
// claimable work, the null bucket reported as "". Ordered for stable
// rotation.
func (s *Store) ClaimableTenants(ctx context.Context, jobTypes []string) ([]string, error) {
	tenants := []string{}
	err := s.db.SelectContext(ctx, &tenants, `
		SELECT DISTINCT COALESCE(tenant_id, '') FROM scm_sync_jobs
		WHERE `+claimablePredicate+`
		  AND ($1::text[] IS NULL OR job_type = ANY($1))
		ORDER BY 1`,
		typesOrNil(jobTypes))
	if err != nil {
		return nil, fmt.Errorf("store: claimable tenants: %w", err)
	}
	return tenants, nil
}

// AckJob is the guarded completion transition.
func (s *Store) AckJob(ctx context.Context, jobID uuid.UUID, workerID string, runID *int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'completed', locked_by = NULL, locked_at = NULL,
		    last_run_id = COALESCE($3, last_run_id), updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, runID)
	if err != nil {
		return false, fmt.Errorf("store: ack job: %w", err)
	}
	return oneRow(res)
}

// FailRetryJob is the guarded failure transition: dead when the attempt
// budget is spent, otherwise failed with a not_before backoff. Attempts are
// not changed here; claim already counted this attempt. Returns the resulting
// status.
func (s *Store) FailRetryJob(ctx context.Context, jobID uuid.UUID, workerID, lastError string, backoff time.Duration) (string, error) {
	var status string
	err := s.db.QueryRowxContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'failed' END,
		    last_error = $3, not_before = now() + make_interval(secs => $4),
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'
		RETURNING status`,
		jobID, workerID, lastError, backoff.Seconds()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: fail job: %w", err)
	}
	return status, nil
}

// MarkJobDead is the guarded unconditional terminal transition.
func (s *Store) MarkJobDead(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'dead', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, lastError)
	if err != nil {
		return false, fmt.Errorf("store: mark job dead: %w", err)
	}
	return oneRow(res)
}

// RenewJobLease refreshes locked_at for a running job this worker holds.
func (s *Store) RenewJobLease(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scm_sync_jobs SET locked_at = now(), updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("store: renew job lease: %w", err)
	}
	return oneRow(res)
}

// RequeueJobWithoutPenalty puts a running job back to pending and refunds the
// attempt claim charged, floored at zero. For environmental causes, not
// worker failures.
func (s *Store) RequeueJobWithoutPenalty(ctx context.Context, jobID uuid.UUID, workerID, reason string, jitter time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'pending', attempts = GREATEST(attempts - 1, 0),
		    last_error = $3, not_before = now() + make_interval(secs => $4),
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, reason, jitter.Seconds())
	if err != nil {
		return false, fmt.Errorf("store: requeue job: %w", err)
	}
	return oneRow(res)
}

// QueuedPairs returns the (repo_id, job_type) families currently occupied by
// a non-terminal job. The scheduler skips these.
func (s *Store) QueuedPairs(ctx context.Context) (map[[2]string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT repo_id, job_type FROM scm_sync_jobs
		WHERE status IN ('pending', 'running', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("store: queued pairs: %w", err)
	}
	defer rows.Close()
	pairs := map[[2]string]bool{}
	for rows.Next() {
		var repoID, jobType string
		if err := rows.Scan(&repoID, &jobType); err != nil {
			return nil, fmt.Errorf("store: queued pairs scan: %w", err)
		}
		pairs[[2]string{repoID, jobType}] = true
	}
	return pairs, rows.Err()
}

// BudgetSnapshot is the admission-control view of queue load.
type BudgetSnapshot struct {
	Running    int
	Pending    int
	Active     int
	ByInstance map[string]int
	ByTenant   map[string]int
}

// LoadBudgetSnapshot aggregates queue load overall and per instance/tenant.
// Instance attribution joins through scm_repos.
func (s *Store) LoadBudgetSnapshot(ctx context.Context) (*BudgetSnapshot, error) {
	snap := &BudgetSnapshot{ByInstance: map[string]int{}, ByTenant: map[string]int{}}
	err := s.db.QueryRowxContext(ctx, `
		SELECT count(*) FILTER (WHERE status = 'running'),
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status IN ('pending', 'running', 'failed'))
		FROM scm_sync_jobs`).Scan(&snap.Running, &snap.Pending, &snap.Active)
	if err != nil {
		return nil, fmt.Errorf("store: budget snapshot: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT r.instance_key, COALESCE(j.tenant_id, ''), count(*)
		FROM scm_sync_jobs j
		JOIN scm_repos r ON r.repo_id = j.repo_id
		WHERE j.status IN ('pending', 'running')
		GROUP BY r.instance_key, COALESCE(j.tenant_id, '')`)
	if err != nil {
		return nil, fmt.Errorf("store: budget snapshot groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var instance, tenant string
		var n int
		if err := rows.Scan(&instance, &tenant, &n); err != nil {
			return nil, fmt.Errorf("store: budget snapshot scan: %w", err)
		}
		snap.ByInstance[instance] += n
		snap.ByTenant[tenant] += n
	}
	return snap, rows.Err()
}

// typesOrNil passes a nil array to SQL when no filter applies.
func typesOrNil(jobTypes []string) interface{} {
	if len(jobTypes) == 0 {
		return nil
	}
	return jobTypes
}
