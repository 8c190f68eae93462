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
	"testing"

	"github.com/jmoiron/sqlx/types"

	"engram/internal/store"
)

// TestSpaceKind classifies the three known prefixes and rejects the rest.
func TestSpaceKind(t *testing.T) {
	cases := []struct {
		space string
		want  string
	}{
		{"private:alice", spacePrivate},
		{"team:vsa", spaceTeam},
		{"org:acme", spaceOrg},
		{"galaxy:far", ""},
		{"noseparator", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := spaceKind(c.space); got != c.want {
			t.Fatalf("spaceKind(%q) = %q, want %q", c.space, got, c.want)
		}
	}
}

// TestDecidePolicySpaces: private bypasses the gates, unknown rejects, team
// redirects into the actor's private space on a violation.
func TestDecidePolicySpaces(t *testing.T) {
	closed := settingsView{} // team writes disabled

	d := decidePolicy(WriteRequest{PayloadMD: "x"}, "alice", "private:alice", closed)
	if d.action != ActionAllow || d.reason != PolicyPrivateSpace {
		t.Fatalf("private decision = %+v", d)
	}

	d = decidePolicy(WriteRequest{PayloadMD: "x"}, "alice", "team:vsa", closed)
	if d.action != ActionRedirect || d.space != "private:alice" || d.reason != PolicyTeamWriteDisabled {
		t.Fatalf("team decision = %+v", d)
	}

	d = decidePolicy(WriteRequest{PayloadMD: "x"}, "", "team:vsa", closed)
	if d.space != "private:unknown" {
		t.Fatalf("anonymous redirect space = %q, want private:unknown", d.space)
	}

	d = decidePolicy(WriteRequest{PayloadMD: "x"}, "alice", "blob", closed)
	if d.action != ActionReject || d.reason != PolicyUnknownSpace {
		t.Fatalf("unknown-space decision = %+v", d)
	}
}

// TestParseSettings reads the policy document out of the stored row and
// tolerates an absent one.
func TestParseSettings(t *testing.T) {
	row := &store.SettingsRow{
		TeamWriteEnabled: true,
		PolicyJSON:       types.JSONText(`{"allowlist_users":["a","b"],"max_chars":120,"bulk_mode":"reject"}`),
	}
	view, err := parseSettings(row)
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	if !view.TeamWriteEnabled || len(view.Policy.AllowlistUsers) != 2 ||
		view.Policy.MaxChars != 120 || view.Policy.BulkMode != BulkModeReject {
		t.Fatalf("view = %+v", view)
	}

	if _, err := parseSettings(&store.SettingsRow{}); err != nil {
		t.Fatalf("empty policy document: %v", err)
	}

	if _, err := parseSettings(&store.SettingsRow{PolicyJSON: types.JSONText(`{not json`)}); err == nil {
		t.Fatal("malformed policy document parsed without error")
	}
}
