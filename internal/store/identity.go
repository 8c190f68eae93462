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

// UserRow is one known actor.
type UserRow struct {
	UserID      string    `db:"user_id"`
	Username    string    `db:"username"`
	DisplayName *string   `db:"display_name"`
	Source      string    `db:"source"`
	CreatedAt   time.Time `db:"created_at"`
}

// GetUser returns one user or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*UserRow, error) {
	var row UserRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, username, display_name, source, created_at
		FROM identity_users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &row, nil
}

// CreateUser inserts a user. Source records how the row came to exist, e.g.
// "auto_create" for governance's unknown-actor path.
func (s *Store) CreateUser(ctx context.Context, userID, username, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_users (user_id, username, source)
		VALUES ($1, $2, $3)`,
		userID, username, source)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}
