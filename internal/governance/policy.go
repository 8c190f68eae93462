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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"engram/internal/store"
)

// Policy reason tokens. They are audit reasons and gateway error codes, so
// they never change once shipped.
const (
	PolicyAllow             = "policy.allow"
	PolicyPrivateSpace      = "policy.private_space"
	PolicyUnknownSpace      = "policy.unknown_space"
	PolicyTeamWriteDisabled = "policy.team_write_disabled"
	PolicyActorNotAllowed   = "policy.actor_not_allowlisted"
	PolicyKindNotAllowed    = "policy.kind_not_allowed"
	PolicyEvidenceRequired  = "policy.evidence_required"
	PolicyPayloadTooLarge   = "policy.payload_too_large"
	PolicyBulkTooLong       = "policy.bulk_too_long"
	PolicyBulkRejected      = "policy.bulk_rejected"
)

// Bulk modes.
const (
	BulkModeOff       = "off"
	BulkModeVeryShort = "very_short"
	BulkModeReject    = "reject"

	bulkVeryShortMax = 200
)

// Policy is the policy_json document of a project's governance settings.
// Zero values disable each gate.
type Policy struct {
	AllowlistUsers  []string `json:"allowlist_users,omitempty"`
	AllowedKinds    []string `json:"allowed_kinds,omitempty"`
	RequireEvidence bool     `json:"require_evidence,omitempty"`
	MaxChars        int      `json:"max_chars,omitempty"`
	BulkMode        string   `json:"bulk_mode,omitempty"`
}

// settingsView is the cached, parsed form of a settings row.
type settingsView struct {
	TeamWriteEnabled bool
	Policy           Policy
}

func parseSettings(row *store.SettingsRow) (settingsView, error) {
	v := settingsView{TeamWriteEnabled: row.TeamWriteEnabled}
	if len(row.PolicyJSON) > 0 {
		if err := json.Unmarshal(row.PolicyJSON, &v.Policy); err != nil {
			return settingsView{}, fmt.Errorf("governance: parse policy for %s: %w", row.ProjectKey, err)
		}
	}
	return v, nil
}

// Space kinds.
const (
	spacePrivate = "private"
	spaceTeam    = "team"
	spaceOrg     = "org"
)

func spaceKind(space string) string {
	kind, _, found := strings.Cut(space, ":")
	if !found {
		return ""
	}
	switch kind {
	case spacePrivate, spaceTeam, spaceOrg:
		return kind
	default:
		return ""
	}
}

// decision is the policy verdict for one write.
type decision struct {
	action string // allow | redirect | reject
	reason string
	space  string // effective target space
}

// decidePolicy applies the project policy to a write bound for space.
// Private spaces pass unconditionally. Team and org spaces run the gate
// sequence; the first soft violation redirects to the actor's private space.
func decidePolicy(req WriteRequest, actorID, space string, s settingsView) decision {
	switch spaceKind(space) {
	case spacePrivate:
		return decision{action: ActionAllow, reason: PolicyPrivateSpace, space: space}
	case spaceTeam, spaceOrg:
		if reason := firstViolation(req, actorID, s); reason != "" {
			return decision{action: ActionRedirect, reason: reason, space: privateSpaceFor(actorID)}
		}
		return decision{action: ActionAllow, reason: PolicyAllow, space: space}
	default:
		return decision{action: ActionReject, reason: PolicyUnknownSpace, space: space}
	}
}

// firstViolation runs the gates in their fixed order and names the first one
// that fails, or "".
func firstViolation(req WriteRequest, actorID string, s settingsView) string {
	p := s.Policy
	if !s.TeamWriteEnabled {
		return PolicyTeamWriteDisabled
	}
	if len(p.AllowlistUsers) > 0 && !lo.Contains(p.AllowlistUsers, actorID) {
		return PolicyActorNotAllowed
	}
	if len(p.AllowedKinds) > 0 && !lo.Contains(p.AllowedKinds, req.Kind) {
		return PolicyKindNotAllowed
	}
	if p.RequireEvidence && len(req.EvidenceRefs) == 0 {
		return PolicyEvidenceRequired
	}
	if p.MaxChars > 0 && len(req.PayloadMD) > p.MaxChars {
		return PolicyPayloadTooLarge
	}
	if req.IsBulk {
		switch p.BulkMode {
		case BulkModeVeryShort:
			if len(req.PayloadMD) > bulkVeryShortMax {
				return PolicyBulkTooLong
			}
		case BulkModeReject:
			return PolicyBulkRejected
		}
	}
	return ""
}

// privateSpaceFor is the redirect destination for soft violations and
// degraded actors.
func privateSpaceFor(actorID string) string {
	if actorID == "" {
		actorID = "unknown"
	}
	return "private:" + actorID
}
