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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"engram/internal/openmemory"
	"engram/internal/store"
)

type auditRec struct {
	actor  *string
	space  string
	action string
	reason string
	sha    *string
	refs   store.EvidenceRefs
}

type enqueuedOutbox struct {
	itemID *string
	space  string
	md     string
	sha    string
}

type fakeGovStore struct {
	users         map[string]store.UserRow
	sent          map[string]store.OutboxRow // space + "|" + sha
	settings      store.SettingsRow
	settingsLoads int
	created       []string
	createErr     error
	outboxRows    []enqueuedOutbox
	enqueueErr    error
	audits        []auditRec
	updateCalls   int
}

func newFakeGovStore() *fakeGovStore {
	return &fakeGovStore{
		users:    map[string]store.UserRow{},
		sent:     map[string]store.OutboxRow{},
		settings: store.SettingsRow{ProjectKey: "vsa"},
	}
}

func (f *fakeGovStore) GetUser(_ context.Context, userID string) (*store.UserRow, error) {
	if u, ok := f.users[userID]; ok {
		return &u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeGovStore) CreateUser(_ context.Context, userID, username, source string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, userID)
	f.users[userID] = store.UserRow{UserID: userID, Username: username, Source: source}
	return nil
}

func (f *fakeGovStore) FindSentOutbox(_ context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error) {
	if row, ok := f.sent[targetSpace+"|"+payloadSHA]; ok {
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeGovStore) EnqueueOutbox(_ context.Context, itemID *string, targetSpace, payloadMD, payloadSHA string, _ time.Time) (int64, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.outboxRows = append(f.outboxRows, enqueuedOutbox{itemID, targetSpace, payloadMD, payloadSHA})
	return int64(len(f.outboxRows)), nil
}

func (f *fakeGovStore) GetOrCreateSettings(_ context.Context, _ string) (*store.SettingsRow, error) {
	f.settingsLoads++
	row := f.settings
	return &row, nil
}

func (f *fakeGovStore) UpdateSettings(_ context.Context, _ string, teamWriteEnabled *bool, policyPatch types.JSONText, updatedBy string) (*store.SettingsRow, error) {
	f.updateCalls++
	if teamWriteEnabled != nil {
		f.settings.TeamWriteEnabled = *teamWriteEnabled
	}
	if len(policyPatch) > 0 {
		f.settings.PolicyJSON = policyPatch
	}
	f.settings.UpdatedBy = &updatedBy
	row := f.settings
	return &row, nil
}

func (f *fakeGovStore) InsertAudit(_ context.Context, actor *string, targetSpace, action, reason string, payloadSHA *string, refs store.EvidenceRefs) (int64, error) {
	f.audits = append(f.audits, auditRec{actor, targetSpace, action, reason, payloadSHA, refs})
	return int64(len(f.audits)), nil
}

func (f *fakeGovStore) byReason(reason string) []auditRec {
	var out []auditRec
	for _, a := range f.audits {
		if a.reason == reason {
			out = append(out, a)
		}
	}
	return out
}

type fakeMem struct {
	calls int
	last  openmemory.AddRequest
	fn    func(openmemory.AddRequest) (*openmemory.AddResponse, error)
}

func (f *fakeMem) Add(_ context.Context, req openmemory.AddRequest) (*openmemory.AddResponse, error) {
	f.calls++
	f.last = req
	if f.fn != nil {
		return f.fn(req)
	}
	resp := &openmemory.AddResponse{Success: true}
	resp.Data.ID = "mem_ok"
	return resp, nil
}

func shaOf(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func newGov(st *fakeGovStore, mem *fakeMem, mutate func(*Config)) *Governance {
	cfg := Config{ProjectKey: "vsa", AdminKey: "sekret"}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(st, mem, cfg, zap.NewNop())
}

// TestWriteDeliversToDefaultSpace covers the plain allow path: defaulted
// team space, policy open, one success audit with the policy reason.
func TestWriteDeliversToDefaultSpace(t *testing.T) {
	st := newFakeGovStore()
	st.settings.TeamWriteEnabled = true
	mem := &fakeMem{}
	g := newGov(st, mem, nil)

	res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "## Decision: ship it"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.OK || res.Action != ActionAllow || res.MemoryID != "mem_ok" {
		t.Fatalf("result = %+v", res)
	}
	if res.SpaceWritten != "team:vsa" {
		t.Fatalf("space = %q, want team:vsa", res.SpaceWritten)
	}
	if res.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}
	if mem.last.Metadata["payload_sha"] != shaOf("## Decision: ship it") {
		t.Fatalf("metadata sha = %q", mem.last.Metadata["payload_sha"])
	}
	audits := st.byReason(PolicyAllow)
	if len(audits) != 1 || audits[0].action != store.AuditAllow {
		t.Fatalf("audits = %+v, want one policy.allow", st.audits)
	}
	if audits[0].refs.MemoryID != "mem_ok" || audits[0].refs.Extra["correlation_id"] != res.CorrelationID {
		t.Fatalf("audit refs = %+v", audits[0].refs)
	}
}

// TestWriteUnknownActorPolicies exercises the three resolutions for an actor
// with no identity row.
func TestWriteUnknownActorPolicies(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		st := newFakeGovStore()
		mem := &fakeMem{}
		g := newGov(st, mem, func(c *Config) { c.UnknownActorPolicy = ActorPolicyReject })

		res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "x", ActorUserID: "ghost"})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if res.OK || res.Action != ActionReject || res.Category != CategoryBusiness {
			t.Fatalf("result = %+v", res)
		}
		if res.Code != ReasonActorUnknownReject {
			t.Fatalf("code = %q", res.Code)
		}
		if mem.calls != 0 {
			t.Fatal("memory service called for rejected actor")
		}
		if len(st.byReason(ReasonActorUnknownReject)) != 1 {
			t.Fatalf("audits = %+v", st.audits)
		}
	})

	t.Run("degrade", func(t *testing.T) {
		st := newFakeGovStore()
		mem := &fakeMem{}
		g := newGov(st, mem, func(c *Config) { c.UnknownActorPolicy = ActorPolicyDegrade })

		res, err := g.Write(context.Background(), WriteRequest{
			PayloadMD: "x", TargetSpace: "team:vsa", ActorUserID: "ghost",
		})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if !res.OK || res.SpaceWritten != "private:unknown" {
			t.Fatalf("result = %+v, want write into private:unknown", res)
		}
		if res.Action != ActionRedirect {
			t.Fatalf("action = %q, want redirect (space moved)", res.Action)
		}
		if len(st.byReason(ReasonActorUnknownDegrade)) != 1 {
			t.Fatal("missing degrade audit")
		}
		if len(st.byReason(PolicyPrivateSpace)) != 1 {
			t.Fatal("missing delivery audit for degraded space")
		}
	})

	t.Run("auto_create", func(t *testing.T) {
		st := newFakeGovStore()
		mem := &fakeMem{}
		g := newGov(st, mem, func(c *Config) { c.UnknownActorPolicy = ActorPolicyAutoCreate })

		res, err := g.Write(context.Background(), WriteRequest{
			PayloadMD: "x", TargetSpace: "private:ghost", ActorUserID: "ghost",
		})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if !res.OK || len(st.created) != 1 || st.created[0] != "ghost" {
			t.Fatalf("result = %+v, created = %v", res, st.created)
		}
		if len(st.byReason(ReasonActorAutocreated)) != 1 {
			t.Fatal("missing autocreate audit")
		}
	})

	t.Run("auto_create_failure", func(t *testing.T) {
		st := newFakeGovStore()
		st.createErr = errors.New("identity store down")
		mem := &fakeMem{}
		g := newGov(st, mem, func(c *Config) { c.UnknownActorPolicy = ActorPolicyAutoCreate })

		res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "x", ActorUserID: "ghost"})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if res.OK || res.Code != ReasonActorAutocreateFail {
			t.Fatalf("result = %+v", res)
		}
		if mem.calls != 0 {
			t.Fatal("memory service called after failed autocreate")
		}
	})
}

// TestWriteDedupHit resolves a repeated payload from the sent outbox without
// touching the memory service.
func TestWriteDedupHit(t *testing.T) {
	st := newFakeGovStore()
	st.settings.TeamWriteEnabled = true
	marker := "memory_id=mem_first"
	origID := int64(41)
	st.sent["team:vsa|"+shaOf("repeat")] = store.OutboxRow{
		OutboxID: origID, TargetSpace: "team:vsa", PayloadSHA: shaOf("repeat"),
		Status: store.OutboxSent, LastError: &marker,
	}
	mem := &fakeMem{}
	g := newGov(st, mem, nil)

	res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "repeat", TargetSpace: "team:vsa"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.OK || res.MemoryID != "mem_first" {
		t.Fatalf("result = %+v", res)
	}
	if mem.calls != 0 {
		t.Fatal("memory service called on dedup hit")
	}
	audits := st.byReason(ReasonDedupHit)
	if len(audits) != 1 || audits[0].refs.OriginalOutboxID == nil || *audits[0].refs.OriginalOutboxID != origID {
		t.Fatalf("dedup audits = %+v", audits)
	}
}

// TestWritePolicyRedirectsToPrivate: soft violations reroute into the
// caller's private space rather than rejecting.
func TestWritePolicyRedirectsToPrivate(t *testing.T) {
	st := newFakeGovStore()
	st.users["alice"] = store.UserRow{UserID: "alice"}
	// team_write_enabled stays false.
	mem := &fakeMem{}
	g := newGov(st, mem, nil)

	res, err := g.Write(context.Background(), WriteRequest{
		PayloadMD: "note", TargetSpace: "team:vsa", ActorUserID: "alice",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.OK || res.Action != ActionRedirect || res.SpaceWritten != "private:alice" {
		t.Fatalf("result = %+v", res)
	}
	if mem.last.Metadata["target_space"] != "private:alice" {
		t.Fatalf("delivered to %q", mem.last.Metadata["target_space"])
	}
	audits := st.byReason(PolicyTeamWriteDisabled)
	if len(audits) != 1 || audits[0].action != store.AuditRedirect || audits[0].space != "private:alice" {
		t.Fatalf("audits = %+v", audits)
	}
}

// TestWriteUnknownSpaceRejects: space kinds outside private/team/org are
// hard errors, not redirects.
func TestWriteUnknownSpaceRejects(t *testing.T) {
	st := newFakeGovStore()
	mem := &fakeMem{}
	g := newGov(st, mem, nil)

	res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "x", TargetSpace: "galaxy:far"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.OK || res.Action != ActionReject || res.Code != PolicyUnknownSpace {
		t.Fatalf("result = %+v", res)
	}
	if mem.calls != 0 {
		t.Fatal("memory service called for unknown space")
	}
}

// TestWriteServiceFailureCompensates: a dependency failure lands the payload
// in the outbox and audits the gateway code.
func TestWriteServiceFailureCompensates(t *testing.T) {
	st := newFakeGovStore()
	st.settings.TeamWriteEnabled = true
	mem := &fakeMem{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		return nil, &openmemory.APIError{Status: 503, Body: "upstream sad"}
	}}
	g := newGov(st, mem, nil)

	res, err := g.Write(context.Background(), WriteRequest{PayloadMD: "save me", TargetSpace: "team:vsa"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.OK || res.Action != ActionError || res.Category != CategoryDependency {
		t.Fatalf("result = %+v", res)
	}
	if res.Code != "503" || res.OutboxID == nil {
		t.Fatalf("code = %q, outbox = %v", res.Code, res.OutboxID)
	}
	if len(st.outboxRows) != 1 || st.outboxRows[0].md != "save me" || st.outboxRows[0].space != "team:vsa" {
		t.Fatalf("outbox rows = %+v", st.outboxRows)
	}
	audits := st.byReason("openmemory_write_failed:503")
	if len(audits) != 1 || audits[0].action != store.AuditRedirect {
		t.Fatalf("audits = %+v", st.audits)
	}
	if audits[0].refs.OutboxID == nil || *audits[0].refs.OutboxID != *res.OutboxID {
		t.Fatalf("audit outbox ref = %+v", audits[0].refs)
	}
}

// TestWriteEmptyPayloadIsProtocolError: malformed input errors out instead of
// producing a result.
func TestWriteEmptyPayloadIsProtocolError(t *testing.T) {
	g := newGov(newFakeGovStore(), &fakeMem{}, nil)
	if _, err := g.Write(context.Background(), WriteRequest{}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("err = %v, want ErrEmptyPayload", err)
	}
}

// TestFirstViolationOrder pins the fixed order of the policy gates.
func TestFirstViolationOrder(t *testing.T) {
	base := settingsView{
		TeamWriteEnabled: true,
		Policy: Policy{
			AllowlistUsers:  []string{"alice"},
			AllowedKinds:    []string{"decision"},
			RequireEvidence: true,
			MaxChars:        50,
			BulkMode:        BulkModeVeryShort,
		},
	}
	okReq := WriteRequest{
		PayloadMD:    "short",
		Kind:         "decision",
		EvidenceRefs: []string{"commit:abc"},
	}

	cases := []struct {
		name   string
		mutate func(*settingsView, *WriteRequest, *string)
		want   string
	}{
		{"team write disabled wins first", func(s *settingsView, _ *WriteRequest, _ *string) {
			s.TeamWriteEnabled = false
		}, PolicyTeamWriteDisabled},
		{"allowlist", func(_ *settingsView, _ *WriteRequest, actor *string) {
			*actor = "mallory"
		}, PolicyActorNotAllowed},
		{"kind", func(_ *settingsView, r *WriteRequest, _ *string) {
			r.Kind = "gossip"
		}, PolicyKindNotAllowed},
		{"evidence", func(_ *settingsView, r *WriteRequest, _ *string) {
			r.EvidenceRefs = nil
		}, PolicyEvidenceRequired},
		{"max chars", func(_ *settingsView, r *WriteRequest, _ *string) {
			r.PayloadMD = strings.Repeat("a", 51)
		}, PolicyPayloadTooLarge},
		{"bulk very short", func(_ *settingsView, r *WriteRequest, _ *string) {
			r.IsBulk = true
			r.PayloadMD = strings.Repeat("b", 201)
		}, PolicyBulkTooLong},
		{"bulk within very short passes", func(_ *settingsView, r *WriteRequest, _ *string) {
			r.IsBulk = true
			r.PayloadMD = "tiny bulk"
		}, ""},
		{"bulk reject mode", func(s *settingsView, r *WriteRequest, _ *string) {
			s.Policy.BulkMode = BulkModeReject
			r.IsBulk = true
		}, PolicyBulkRejected},
		{"all gates pass", func(*settingsView, *WriteRequest, *string) {}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, r, actor := base, okReq, "alice"
			// MaxChars interacts with the bulk cases; lift it there.
			if strings.HasPrefix(c.name, "bulk") {
				s.Policy.MaxChars = 0
			}
			c.mutate(&s, &r, &actor)
			if got := firstViolation(r, actor, s); got != c.want {
				t.Fatalf("firstViolation = %q, want %q", got, c.want)
			}
		})
	}
}

// TestUpdateAuthAndCacheInvalidation covers the protected update operation
// end to end: denial, admin-key success, and the settings cache dropping its
// entry so the next write sees the change.
func TestUpdateAuthAndCacheInvalidation(t *testing.T) {
	st := newFakeGovStore()
	st.users["alice"] = store.UserRow{UserID: "alice"}
	mem := &fakeMem{}
	g := newGov(st, mem, nil)

	// Denied: no admin key, actor not allowlisted.
	if _, err := g.Update(context.Background(), UpdateRequest{ActorUserID: "mallory"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if len(st.byReason(ReasonUpdateDenied)) != 1 {
		t.Fatal("missing denied audit")
	}

	// Warm the cache with the closed-team settings.
	if _, err := g.Write(context.Background(), WriteRequest{
		PayloadMD: "first", TargetSpace: "team:vsa", ActorUserID: "alice",
	}); err != nil {
		t.Fatalf("warm write: %v", err)
	}
	loadsBefore := st.settingsLoads

	enable := true
	row, err := g.Update(context.Background(), UpdateRequest{AdminKey: "sekret", TeamWriteEnabled: &enable})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !row.TeamWriteEnabled || st.updateCalls != 1 {
		t.Fatalf("row = %+v, calls = %d", row, st.updateCalls)
	}
	if len(st.byReason(ReasonUpdateApplied)) != 1 {
		t.Fatal("missing applied audit")
	}

	res, err := g.Write(context.Background(), WriteRequest{
		PayloadMD: "second", TargetSpace: "team:vsa", ActorUserID: "alice",
	})
	if err != nil {
		t.Fatalf("post-update write: %v", err)
	}
	if res.Action != ActionAllow || res.SpaceWritten != "team:vsa" {
		t.Fatalf("result = %+v, want direct team write after enable", res)
	}
	if st.settingsLoads != loadsBefore+1 {
		t.Fatalf("settings loads = %d, want %d (cache invalidated once)", st.settingsLoads, loadsBefore+1)
	}
}

// TestUpdateViaAllowlistedActor authorizes without the admin key.
func TestUpdateViaAllowlistedActor(t *testing.T) {
	st := newFakeGovStore()
	st.settings.PolicyJSON = types.JSONText(`{"allowlist_users":["alice"]}`)
	g := newGov(st, &fakeMem{}, nil)

	enable := true
	if _, err := g.Update(context.Background(), UpdateRequest{ActorUserID: "alice", TeamWriteEnabled: &enable}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	audits := st.byReason(ReasonUpdateApplied)
	if len(audits) != 1 || audits[0].refs.Extra["via"] != "allowlist" {
		t.Fatalf("audits = %+v", audits)
	}
}
