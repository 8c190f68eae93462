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

	"engram/internal/breaker"
)

// KVNamespaceBreaker holds persisted circuit-breaker state, one key per
// scope.
const KVNamespaceBreaker = "circuit_breaker"

// LoadKV reads one kv blob with its version. found is false when the key has
// never been written.
func (s *Store) LoadKV(ctx context.Context, namespace, key string) (blob []byte, version int64, found bool, err error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT value, version FROM analysis_kv WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err := row.Scan(&blob, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("store: load kv %s/%s: %w", namespace, key, err)
	}
	return blob, version, true, nil
}

// SaveKV writes one kv blob under compare-and-set: version 0 creates the key,
// a positive version must match the stored one. Losing the race yields
// ErrVersionConflict.
func (s *Store) SaveKV(ctx context.Context, namespace, key string, blob []byte, version int64) (int64, error) {
	if version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO analysis_kv (namespace, key, value, version)
			VALUES ($1, $2, $3, 1)`,
			namespace, key, blob)
		if IsUniqueViolation(err) {
			return 0, ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("store: create kv %s/%s: %w", namespace, key, err)
		}
		return 1, nil
	}
	var newVersion int64
	err := s.db.QueryRowxContext(ctx, `
		UPDATE analysis_kv
		SET value = $3, version = version + 1, updated_at = now()
		WHERE namespace = $1 AND key = $2 AND version = $4
		RETURNING version`,
		namespace, key, blob, version).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("store: update kv %s/%s: %w", namespace, key, err)
	}
	return newVersion, nil
}

// BreakerKV adapts the kv namespace to the circuit breaker's StateStore
// contract.
type BreakerKV struct {
	Store *Store
}

// Load implements breaker.StateStore.
func (b BreakerKV) Load(ctx context.Context, key string) ([]byte, int64, bool, error) {
	return b.Store.LoadKV(ctx, KVNamespaceBreaker, key)
}

// Save implements breaker.StateStore.
func (b BreakerKV) Save(ctx context.Context, key string, blob []byte, version int64) (int64, error) {
	v, err := b.Store.SaveKV(ctx, KVNamespaceBreaker, key, blob, version)
	if errors.Is(err, ErrVersionConflict) {
		return 0, breaker.ErrVersionConflict
	}
	return v, err
}
