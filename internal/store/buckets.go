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

// BucketRow is the shared token bucket for one upstream instance. All
// workers pointing at the instance converge on this row.
type BucketRow struct {
	InstanceKey string     `db:"instance_key"`
	Tokens      float64    `db:"tokens"`
	Rate        float64    `db:"rate"`
	Burst       float64    `db:"burst"`
	PausedUntil *time.Time `db:"paused_until"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// EnsureBucket creates the instance bucket if missing and refreshes rate and
// burst from configuration. Tokens in flight are preserved.
func (s *Store) EnsureBucket(ctx context.Context, instanceKey string, rate, burst float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_instance_buckets (instance_key, tokens, rate, burst)
		VALUES ($1, $3, $2, $3)
		ON CONFLICT (instance_key) DO UPDATE SET
			rate = EXCLUDED.rate,
			burst = EXCLUDED.burst,
			tokens = LEAST(analysis_instance_buckets.tokens, EXCLUDED.burst)`,
		instanceKey, rate, burst)
	if err != nil {
		return fmt.Errorf("store: ensure bucket: %w", err)
	}
	return nil
}

// TakeBucketTokens is the single atomic acquire: refill by elapsed time,
// deduct n (tokens may go negative, which is the debt the caller waits out),
// and return the resulting row. The whole read-modify-write is one UPDATE so
// concurrent workers serialize on the row without a coordinator.
func (s *Store) TakeBucketTokens(ctx context.Context, instanceKey string, n float64) (*BucketRow, error) {
	var row BucketRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE analysis_instance_buckets SET
			tokens = LEAST(burst, tokens + rate * GREATEST(EXTRACT(EPOCH FROM (now() - updated_at)), 0)) - $2,
			updated_at = now()
		WHERE instance_key = $1
		RETURNING instance_key, tokens, rate, burst, paused_until, updated_at`,
		instanceKey, n).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: take bucket tokens: %w", err)
	}
	return &row, nil
}

// GiveBucketTokens returns tokens a caller charged but did not use, capped at
// burst. Compensates an acquire that timed out while waiting.
func (s *Store) GiveBucketTokens(ctx context.Context, instanceKey string, n float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_instance_buckets SET
			tokens = LEAST(burst, tokens + $2),
			updated_at = now()
		WHERE instance_key = $1`,
		instanceKey, n)
	if err != nil {
		return fmt.Errorf("store: give bucket tokens: %w", err)
	}
	return nil
}

// PauseBucket extends paused_until to the given instant. A pause never
// shrinks: an earlier hint cannot shorten a later one.
func (s *Store) PauseBucket(ctx context.Context, instanceKey string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_instance_buckets SET
			paused_until = GREATEST(COALESCE(paused_until, '-infinity'::timestamptz), $2),
			updated_at = now()
		WHERE instance_key = $1`,
		instanceKey, until)
	if err != nil {
		return fmt.Errorf("store: pause bucket: %w", err)
	}
	return nil
}

// GetBucket reads one bucket row, or ErrNotFound.
func (s *Store) GetBucket(ctx context.Context, instanceKey string) (*BucketRow, error) {
	var row BucketRow
	err := s.db.GetContext(ctx, &row, `
		SELECT instance_key, tokens, rate, burst, paused_until, updated_at
		FROM analysis_instance_buckets WHERE instance_key = $1`,
		instanceKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get bucket: %w", err)
	}
	return &row, nil
}

// ListBuckets returns every instance bucket; the scheduler folds these into
// its penalty decisions.
func (s *Store) ListBuckets(ctx context.Context) ([]BucketRow, error) {
	rows := []BucketRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT instance_key, tokens, rate, burst, paused_until, updated_at
		FROM analysis_instance_buckets ORDER BY instance_key`)
	if err != nil {
		return nil, fmt.Errorf("store: list buckets: %w", err)
	}
	return rows, nil
}

// ReapIdleBuckets deletes bucket rows untouched since the cutoff, skipping
// ones still serving a pause. Buckets are recreated on demand, so reaping an
// idle instance only resets it to a full bucket.
func (s *Store) ReapIdleBuckets(ctx context.Context, idleSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_instance_buckets
		WHERE updated_at < $1
		  AND (paused_until IS NULL OR paused_until < now())`,
		idleSince)
	if err != nil {
		return 0, fmt.Errorf("store: reap buckets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reap buckets affected: %w", err)
	}
	return n, nil
}
