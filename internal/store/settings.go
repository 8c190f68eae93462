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

	"github.com/jmoiron/sqlx/types"
)

// SettingsRow is one project's governance settings.
type SettingsRow struct {
	ProjectKey       string         `db:"project_key"`
	TeamWriteEnabled bool           `db:"team_write_enabled"`
	PolicyJSON       types.JSONText `db:"policy_json"`
	UpdatedBy        *string        `db:"updated_by"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// GetOrCreateSettings reads a project's settings, creating the locked-down
// default row (team writes off, empty policy) on first contact.
func (s *Store) GetOrCreateSettings(ctx context.Context, projectKey string) (*SettingsRow, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_settings (project_key)
		VALUES ($1)
		ON CONFLICT (project_key) DO NOTHING`,
		projectKey)
	if err != nil {
		return nil, fmt.Errorf("store: ensure settings: %w", err)
	}
	var row SettingsRow
	err = s.db.GetContext(ctx, &row, `
		SELECT project_key, team_write_enabled, policy_json, updated_by, updated_at
		FROM governance_settings WHERE project_key = $1`,
		projectKey)
	if err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	return &row, nil
}

// UpdateSettings applies the governance-update operation: a shallow merge of
// the policy document plus an optional team_write_enabled flip. Nil leaves a
// field untouched.
func (s *Store) UpdateSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyPatch types.JSONText, updatedBy string) (*SettingsRow, error) {
	if _, err := s.GetOrCreateSettings(ctx, projectKey); err != nil {
		return nil, err
	}
	if len(policyPatch) == 0 {
		policyPatch = types.JSONText(`{}`)
	}
	var row SettingsRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE governance_settings
		SET policy_json = policy_json || $2::jsonb,
		    team_write_enabled = COALESCE($3, team_write_enabled),
		    updated_by = $4, updated_at = now()
		WHERE project_key = $1
		RETURNING project_key, team_write_enabled, policy_json, updated_by, updated_at`,
		projectKey, policyPatch, teamWriteEnabled, updatedBy).StructScan(&row)
	if err != nil {
		return nil, fmt.Errorf("store: update settings: %w", err)
	}
	return &row, nil
}
