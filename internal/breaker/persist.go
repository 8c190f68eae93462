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

package breaker

import (
	"context"
	"errors"
	"sync"
)

// ErrVersionConflict is returned by StateStore.Save when the caller's
// version no longer matches the stored one. The breaker reloads and retries.
var ErrVersionConflict = errors.New("breaker: state version conflict")

// StateStore persists one opaque blob per scope key. Save is a compare-and-set
// on version: pass 0 to create, the last loaded version to update. Writers may
// race; the loser observes ErrVersionConflict.
type StateStore interface {
	Load(ctx context.Context, key string) (blob []byte, version int64, found bool, err error)
	Save(ctx context.Context, key string, blob []byte, version int64) (newVersion int64, err error)
}

// MemoryStore is an in-process StateStore. It backs tests and dry runs where
// no database is attached; production scopes persist through the kv store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryRow
}

type memoryRow struct {
	blob    []byte
	version int64
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]memoryRow)}
}

// Load implements StateStore.
func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return nil, 0, false, nil
	}
	out := make([]byte, len(row.blob))
	copy(out, row.blob)
	return out, row.version, true, nil
}

// Save implements StateStore.
func (m *MemoryStore) Save(_ context.Context, key string, blob []byte, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	switch {
	case !ok && version != 0:
		return 0, ErrVersionConflict
	case ok && row.version != version:
		return 0, ErrVersionConflict
	}
	next := version + 1
	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.rows[key] = memoryRow{blob: stored, version: next}
	return next, nil
}

// Seed writes a blob under a key without version checking. Tests use it to
// plant legacy-format state.
func (m *MemoryStore) Seed(key string, blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.rows[key] = memoryRow{blob: stored, version: 1}
}
