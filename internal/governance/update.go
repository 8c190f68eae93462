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

package governance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx/types"
	"github.com/samber/lo"

	"engram/internal/store"
)

// ErrNotAuthorized rejects a governance update with neither a valid admin
// key nor an allowlisted actor.
var ErrNotAuthorized = errors.New("governance: not authorized")

// UpdateRequest changes a project's governance settings. Nil or empty fields
// leave their setting untouched.
type UpdateRequest struct {
	AdminKey         string          `json:"admin_key,omitempty"`
	ActorUserID      string          `json:"actor_user_id,omitempty"`
	TeamWriteEnabled *bool           `json:"team_write_enabled,omitempty"`
	PolicyPatch      json.RawMessage `json:"policy_json,omitempty"`
}

// Update applies a protected settings change: the policy document is
// shallow-merged, the flag replaced. An audit row records the attempt
// whatever the outcome.
func (g *Governance) Update(ctx context.Context, req UpdateRequest) (*store.SettingsRow, error) {
	project := g.cfg.ProjectKey
	target := "project:" + project
	actor := actorPtr(req.ActorUserID)

	via, ok := g.authorizeUpdate(ctx, req)
	if !ok {
		updates.WithLabelValues("denied").Inc()
		g.audit(ctx, actor, target, store.AuditReject, ReasonUpdateDenied, nil, store.EvidenceRefs{
			Source: "governance",
		})
		return nil, ErrNotAuthorized
	}

	updatedBy := req.ActorUserID
	if updatedBy == "" {
		updatedBy = "admin_key"
	}
	row, err := g.st.UpdateSettings(ctx, project, req.TeamWriteEnabled, types.JSONText(req.PolicyPatch), updatedBy)
	if err != nil {
		updates.WithLabelValues("failed").Inc()
		g.audit(ctx, actor, target, store.AuditReject, ReasonUpdateFailed, nil, store.EvidenceRefs{
			Source: "governance",
			Extra:  map[string]string{"error": err.Error(), "via": via},
		})
		return nil, fmt.Errorf("governance: update settings: %w", err)
	}

	g.settings.Delete(project)
	updates.WithLabelValues("applied").Inc()
	g.audit(ctx, actor, target, store.AuditAllow, ReasonUpdateApplied, nil, store.EvidenceRefs{
		Source: "governance",
		Extra:  map[string]string{"updated_by": updatedBy, "via": via},
	})
	return row, nil
}

// authorizeUpdate accepts the process admin key or an actor on the current
// policy allowlist.
func (g *Governance) authorizeUpdate(ctx context.Context, req UpdateRequest) (string, bool) {
	if g.cfg.AdminKey != "" && req.AdminKey != "" &&
		subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(g.cfg.AdminKey)) == 1 {
		return "admin_key", true
	}
	if req.ActorUserID != "" {
		view, err := g.loadSettings(ctx)
		if err == nil && lo.Contains(view.Policy.AllowlistUsers, req.ActorUserID) {
			return "allowlist", true
		}
	}
	return "", false
}
