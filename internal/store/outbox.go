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

// Outbox row statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxDead    = "dead"
)

// OutboxRow is one durable write awaiting delivery.
type OutboxRow struct {
	OutboxID      int64      `db:"outbox_id"`
	ItemID        *string    `db:"item_id"`
	TargetSpace   string     `db:"target_space"`
	PayloadMD     string     `db:"payload_md"`
	PayloadSHA    string     `db:"payload_sha"`
	Status        string     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	LockedBy      *string    `db:"locked_by"`
	LockedAt      *time.Time `db:"locked_at"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

const outboxColumns = `outbox_id, item_id, target_space, payload_md, payload_sha,
	status, retry_count, next_attempt_at, locked_by, locked_at, last_error,
	created_at, updated_at`

// EnqueueOutbox inserts a pending row and returns its id.
func (s *Store) EnqueueOutbox(ctx context.Context, itemID *string, targetSpace, payloadMD, payloadSHA string, nextAttemptAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO logbook_outbox (item_id, target_space, payload_md, payload_sha, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING outbox_id`,
		itemID, targetSpace, payloadMD, payloadSHA, nextAttemptAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue outbox: %w", err)
	}
	return id, nil
}

// ClaimOutboxBatch atomically leases up to limit due pending rows for a
// worker. Rows whose previous lease expired are claimable again; SKIP LOCKED
// keeps concurrent claimers on disjoint rows.
func (s *Store) ClaimOutboxBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]OutboxRow, error) {
	rows := []OutboxRow{}
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE logbook_outbox SET locked_by = $1, locked_at = now(), updated_at = now()
		WHERE outbox_id IN (
			SELECT outbox_id FROM logbook_outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= now()
			  AND (locked_at IS NULL OR locked_at + make_interval(secs => $2) < now())
			ORDER BY next_attempt_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING `+outboxColumns,
		workerID, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox batch: %w", err)
	}
	return rows, nil
}

// FindSentOutbox returns the sent row for a (target_space, payload_sha) pair,
// or ErrNotFound. The partial unique index guarantees at most one.
func (s *Store) FindSentOutbox(ctx context.Context, targetSpace, payloadSHA string) (*OutboxRow, error) {
	var row OutboxRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+outboxColumns+` FROM logbook_outbox
		WHERE target_space = $1 AND payload_sha = $2 AND status = 'sent'
		LIMIT 1`,
		targetSpace, payloadSHA)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find sent outbox: %w", err)
	}
	return &row, nil
}

// MarkOutboxSent is the guarded success transition. It returns false when the
// row is no longer pending under this worker's lock, which the worker reports
// as a conflict.
func (s *Store) MarkOutboxSent(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logbook_outbox
		SET status = 'sent', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, lastError)
	if err != nil {
		return false, fmt.Errorf("store: mark outbox sent: %w", err)
	}
	return oneRow(res)
}

// MarkOutboxRetry is the guarded retry transition: bump retry_count, schedule
// the next attempt, release the lock.
func (s *Store) MarkOutboxRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logbook_outbox
		SET retry_count = retry_count + 1, next_attempt_at = $4, last_error = $3,
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, lastError, nextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("store: mark outbox retry: %w", err)
	}
	return oneRow(res)
}

// MarkOutboxDead is the guarded dead-letter transition.
func (s *Store) MarkOutboxDead(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logbook_outbox
		SET status = 'dead', retry_count = retry_count + 1, last_error = $3,
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, lastError)
	if err != nil {
		return false, fmt.Errorf("store: mark outbox dead: %w", err)
	}
	return oneRow(res)
}

// RenewOutboxLease refreshes locked_at for a row this worker holds.
func (s *Store) RenewOutboxLease(ctx context.Context, outboxID int64, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logbook_outbox SET locked_at = now(), updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID)
	if err != nil {
		return false, fmt.Errorf("store: renew outbox lease: %w", err)
	}
	return oneRow(res)
}

// ObserveOutbox reads the current status and lock holder; the worker records
// these in conflict audits.
func (s *Store) ObserveOutbox(ctx context.Context, outboxID int64) (status string, lockedBy *string, err error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT status, locked_by FROM logbook_outbox WHERE outbox_id = $1`, outboxID)
	if err := row.Scan(&status, &lockedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("store: observe outbox: %w", err)
	}
	return status, lockedBy, nil
}

// ResetDeadOutbox is the operator escape hatch: dead rows go back to pending
// with a clean retry budget.
func (s *Store) ResetDeadOutbox(ctx context.Context, outboxIDs []int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logbook_outbox
		SET status = 'pending', retry_count = 0, next_attempt_at = now(),
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = ANY($1) AND status = 'dead'`,
		outboxIDs)
	if err != nil {
		return 0, fmt.Errorf("store: reset dead outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reset dead outbox rows: %w", err)
	}
	return n, nil
}

// OutboxDepth counts rows per status for metrics and the ops surface.
func (s *Store) OutboxDepth(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) FROM logbook_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: outbox depth: %w", err)
	}
	defer rows.Close()
	depth := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: outbox depth scan: %w", err)
		}
		depth[status] = n
	}
	return depth, rows.Err()
}

// oneRow maps a guarded update's result to a took-effect bool.
func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n > 0, nil
}
