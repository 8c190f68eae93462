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

// Package governance is the write gate in front of the memory service. Every
// write resolves its actor, dedups against already-sent payloads, passes the
// project policy, and only then reaches the service; failures downstream are
// compensated with an outbox row instead of being dropped. Each terminal
// outcome appends exactly one audit record.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"engram/internal/openmemory"
	"engram/internal/outbox"
	"engram/internal/store"
)

// Result actions.
const (
	ActionAllow    = "allow"
	ActionRedirect = "redirect"
	ActionReject   = "reject"
	ActionError    = "error"
)

// Result categories for ok=false outcomes.
const (
	CategoryBusiness   = "business"
	CategoryDependency = "dependency"
)

// Actor and governance-update audit reasons. The upper-case forms are the
// stable tokens operators query by.
const (
	ReasonDedupHit            = "dedup_hit"
	ReasonActorUnknownReject  = "ACTOR_UNKNOWN_REJECT"
	ReasonActorUnknownDegrade = "ACTOR_UNKNOWN_DEGRADE"
	ReasonActorAutocreated    = "ACTOR_AUTOCREATED"
	ReasonActorAutocreateFail = "ACTOR_AUTOCREATE_FAILED"
	ReasonUpdateApplied       = "GOVERNANCE_UPDATE_APPLIED"
	ReasonUpdateDenied        = "GOVERNANCE_UPDATE_DENIED"
	ReasonUpdateFailed        = "GOVERNANCE_UPDATE_FAILED"
)

// Unknown-actor policies.
const (
	ActorPolicyReject     = "reject"
	ActorPolicyDegrade    = "degrade"
	ActorPolicyAutoCreate = "auto_create"
)

// ErrEmptyPayload is the protocol error for a write with no content.
var ErrEmptyPayload = errors.New("governance: empty payload")

// Store is the slice of the store governance needs. *store.Store satisfies
// it.
type Store interface {
	GetUser(ctx context.Context, userID string) (*store.UserRow, error)
	CreateUser(ctx context.Context, userID, username, source string) error
	FindSentOutbox(ctx context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error)
	EnqueueOutbox(ctx context.Context, itemID *string, targetSpace, payloadMD, payloadSHA string, nextAttemptAt time.Time) (int64, error)
	GetOrCreateSettings(ctx context.Context, projectKey string) (*store.SettingsRow, error)
	UpdateSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyPatch types.JSONText, updatedBy string) (*store.SettingsRow, error)
	InsertAudit(ctx context.Context, actorUserID *string, targetSpace, action, reason string, payloadSHA *string, refs store.EvidenceRefs) (int64, error)
}

// Deliverer is the memory-service surface; *openmemory.Client satisfies it.
type Deliverer interface {
	Add(ctx context.Context, req openmemory.AddRequest) (*openmemory.AddResponse, error)
}

// Config tunes the gate.
type Config struct {
	ProjectKey         string
	AdminKey           string
	UnknownActorPolicy string
	SettingsTTL        time.Duration
	WriteTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProjectKey == "" {
		c.ProjectKey = "default"
	}
	if c.UnknownActorPolicy == "" {
		c.UnknownActorPolicy = ActorPolicyDegrade
	}
	if c.SettingsTTL <= 0 {
		c.SettingsTTL = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// WriteRequest is one governed write.
type WriteRequest struct {
	PayloadMD    string
	TargetSpace  string
	Meta         map[string]string
	Kind         string
	EvidenceRefs []string
	IsBulk       bool
	ItemID       string
	ActorUserID  string
}

// WriteResult is the gate's verdict. Business and dependency failures come
// back as ok=false results, not errors; only protocol problems error out.
type WriteResult struct {
	OK            bool   `json:"ok"`
	Action        string `json:"action"`
	SpaceWritten  string `json:"space_written,omitempty"`
	MemoryID      string `json:"memory_id,omitempty"`
	OutboxID      *int64 `json:"outbox_id,omitempty"`
	Category      string `json:"category,omitempty"`
	Code          string `json:"gateway_error_code,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Message       string `json:"message,omitempty"`
}

// Governance gates writes for one project.
type Governance struct {
	st       Store
	mem      Deliverer
	cfg      Config
	settings *cache.Cache
	log      *zap.Logger
	now      func() time.Time
}

// New builds the gate.
func New(st Store, mem Deliverer, cfg Config, log *zap.Logger) *Governance {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Governance{
		st:       st,
		mem:      mem,
		cfg:      cfg,
		settings: cache.New(cfg.SettingsTTL, 2*cfg.SettingsTTL),
		log:      log.Named("governance"),
		now:      time.Now,
	}
}

// Write runs the governed write flow.
func (g *Governance) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if req.PayloadMD == "" {
		return nil, ErrEmptyPayload
	}

	correlationID := uuid.NewString()
	sum := sha256.Sum256([]byte(req.PayloadMD))
	payloadSHA := hex.EncodeToString(sum[:])
	requestedSpace := req.TargetSpace
	if requestedSpace == "" {
		requestedSpace = "team:" + g.cfg.ProjectKey
	}
	space := requestedSpace
	actor := actorPtr(req.ActorUserID)

	// Actor resolution. An absent actor skips resolution; the policy gates
	// still see it as anonymous.
	if req.ActorUserID != "" {
		res, newSpace := g.resolveActor(ctx, req, space, payloadSHA, correlationID)
		if res != nil {
			return g.finish(res), nil
		}
		space = newSpace
	}

	// Dedup against already-sent rows: same space, same payload hash.
	if orig, err := g.st.FindSentOutbox(ctx, space, payloadSHA); err == nil {
		memoryID := outbox.ExtractMemoryID(orig.LastError)
		g.audit(ctx, actor, space, store.AuditAllow, ReasonDedupHit, shaPtr(payloadSHA), store.EvidenceRefs{
			MemoryID:         memoryID,
			OriginalOutboxID: &orig.OutboxID,
			Source:           "governance",
			Extra:            map[string]string{"correlation_id": correlationID},
		})
		return g.finish(&WriteResult{
			OK:            true,
			Action:        ActionAllow,
			SpaceWritten:  space,
			MemoryID:      memoryID,
			CorrelationID: correlationID,
		}), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return g.finish(g.storeFailure(correlationID, "dedup_lookup", err)), nil
	}

	view, err := g.loadSettings(ctx)
	if err != nil {
		return g.finish(g.storeFailure(correlationID, "settings_load", err)), nil
	}

	dec := decidePolicy(req, req.ActorUserID, space, view)
	if dec.action == ActionReject {
		violations.WithLabelValues(dec.reason).Inc()
		g.audit(ctx, actor, space, store.AuditReject, dec.reason, shaPtr(payloadSHA), store.EvidenceRefs{
			Source: "governance",
			Extra:  map[string]string{"correlation_id": correlationID},
		})
		return g.finish(&WriteResult{
			Action:        ActionReject,
			Category:      CategoryBusiness,
			Code:          dec.reason,
			CorrelationID: correlationID,
			Message:       "write rejected by policy",
		}), nil
	}
	if dec.action == ActionRedirect {
		violations.WithLabelValues(dec.reason).Inc()
	}

	return g.finish(g.deliver(ctx, req, dec, requestedSpace, payloadSHA, correlationID)), nil
}

// resolveActor applies the unknown-actor policy. It returns a terminal
// result to short-circuit with, or the (possibly degraded) space to continue
// on.
func (g *Governance) resolveActor(ctx context.Context, req WriteRequest, space, payloadSHA, correlationID string) (*WriteResult, string) {
	actor := actorPtr(req.ActorUserID)
	extra := map[string]string{"correlation_id": correlationID}

	_, err := g.st.GetUser(ctx, req.ActorUserID)
	if err == nil {
		return nil, space
	}
	if !errors.Is(err, store.ErrNotFound) {
		return g.storeFailure(correlationID, "actor_lookup", err), space
	}

	switch g.cfg.UnknownActorPolicy {
	case ActorPolicyReject:
		g.audit(ctx, actor, space, store.AuditReject, ReasonActorUnknownReject, shaPtr(payloadSHA), store.EvidenceRefs{
			Source: "governance", Extra: extra,
		})
		return &WriteResult{
			Action:        ActionReject,
			Category:      CategoryBusiness,
			Code:          ReasonActorUnknownReject,
			CorrelationID: correlationID,
			Message:       "unknown actor " + req.ActorUserID,
		}, space

	case ActorPolicyAutoCreate:
		if err := g.st.CreateUser(ctx, req.ActorUserID, req.ActorUserID, "auto_create"); err != nil {
			g.audit(ctx, actor, space, store.AuditReject, ReasonActorAutocreateFail, shaPtr(payloadSHA), store.EvidenceRefs{
				Source: "governance", Extra: extra,
			})
			return &WriteResult{
				Action:        ActionReject,
				Category:      CategoryBusiness,
				Code:          ReasonActorAutocreateFail,
				CorrelationID: correlationID,
				Message:       "could not create actor " + req.ActorUserID,
			}, space
		}
		g.audit(ctx, actor, space, store.AuditAllow, ReasonActorAutocreated, shaPtr(payloadSHA), store.EvidenceRefs{
			Source: "governance", Extra: extra,
		})
		return nil, space

	default: // degrade
		degraded := privateSpaceFor("unknown")
		g.audit(ctx, actor, degraded, store.AuditRedirect, ReasonActorUnknownDegrade, shaPtr(payloadSHA), store.EvidenceRefs{
			Source: "governance", Extra: extra,
		})
		return nil, degraded
	}
}

// deliver calls the memory service and settles the outcome: success audits
// the policy reason, failure compensates through the outbox.
func (g *Governance) deliver(ctx context.Context, req WriteRequest, dec decision, requestedSpace, payloadSHA, correlationID string) *WriteResult {
	actor := actorPtr(req.ActorUserID)

	cctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	resp, err := g.mem.Add(cctx, g.addRequest(req, dec.space, payloadSHA, correlationID))
	cancel()
	if err != nil {
		code := openmemory.ErrorCode(err)
		reason := "openmemory_write_failed:" + code
		result := &WriteResult{
			Action:        ActionError,
			Category:      CategoryDependency,
			Code:          code,
			CorrelationID: correlationID,
		}
		outboxID, enqErr := g.st.EnqueueOutbox(ctx, itemPtr(req.ItemID), dec.space, req.PayloadMD, payloadSHA, g.now())
		if enqErr != nil {
			g.log.Error("outbox compensation failed",
				zap.String("space", dec.space), zap.Error(enqErr), zap.NamedError("cause", err))
			result.Code = "outbox_enqueue_failed"
			result.Message = "write failed and could not be queued"
			return result
		}
		result.OutboxID = &outboxID
		result.Message = "write queued for delivery"
		g.audit(ctx, actor, dec.space, store.AuditRedirect, reason, shaPtr(payloadSHA), store.EvidenceRefs{
			OutboxID: &outboxID,
			Source:   "governance",
			Extra:    map[string]string{"correlation_id": correlationID, "error": err.Error()},
		})
		return result
	}

	action := store.AuditAllow
	if dec.action == ActionRedirect {
		action = store.AuditRedirect
	}
	g.audit(ctx, actor, dec.space, action, dec.reason, shaPtr(payloadSHA), store.EvidenceRefs{
		MemoryID: resp.Data.ID,
		Source:   "governance",
		Extra:    map[string]string{"correlation_id": correlationID},
	})

	resultAction := dec.action
	if dec.space != requestedSpace {
		resultAction = ActionRedirect
	}
	return &WriteResult{
		OK:            true,
		Action:        resultAction,
		SpaceWritten:  dec.space,
		MemoryID:      resp.Data.ID,
		CorrelationID: correlationID,
	}
}

func (g *Governance) addRequest(req WriteRequest, space, payloadSHA, correlationID string) openmemory.AddRequest {
	meta := map[string]string{
		"target_space":   space,
		"payload_sha":    payloadSHA,
		"correlation_id": correlationID,
	}
	for k, v := range req.Meta {
		meta[k] = v
	}
	if req.Kind != "" {
		meta["kind"] = req.Kind
	}
	if req.ItemID != "" {
		meta["item_id"] = req.ItemID
	}
	tags := []string{"engram"}
	if req.Kind != "" {
		tags = append(tags, req.Kind)
	}
	return openmemory.AddRequest{
		Content:  req.PayloadMD,
		UserID:   req.ActorUserID,
		Tags:     tags,
		Metadata: meta,
	}
}

// loadSettings reads the project's settings through the TTL cache.
func (g *Governance) loadSettings(ctx context.Context) (settingsView, error) {
	if v, ok := g.settings.Get(g.cfg.ProjectKey); ok {
		return v.(settingsView), nil
	}
	row, err := g.st.GetOrCreateSettings(ctx, g.cfg.ProjectKey)
	if err != nil {
		return settingsView{}, err
	}
	view, err := parseSettings(row)
	if err != nil {
		return settingsView{}, err
	}
	g.settings.SetDefault(g.cfg.ProjectKey, view)
	return view, nil
}

// storeFailure is the dependency result for store errors before any delivery
// was attempted. No outbox row exists to point at: if the store is down, the
// compensation path is down with it.
func (g *Governance) storeFailure(correlationID, stage string, err error) *WriteResult {
	g.log.Error("governed write hit store failure", zap.String("stage", stage), zap.Error(err))
	return &WriteResult{
		Action:        ActionError,
		Category:      CategoryDependency,
		Code:          "store_error",
		CorrelationID: correlationID,
		Message:       stage + " failed",
	}
}

func (g *Governance) finish(res *WriteResult) *WriteResult {
	writes.WithLabelValues(res.Action).Inc()
	return res
}

// audit is best-effort: losing an audit row is logged, never fatal to the
// write.
func (g *Governance) audit(ctx context.Context, actor *string, space, action, reason string, payloadSHA *string, refs store.EvidenceRefs) {
	if _, err := g.st.InsertAudit(ctx, actor, space, action, reason, payloadSHA, refs); err != nil {
		g.log.Error("audit insert failed", zap.String("reason", reason), zap.Error(err))
	}
}

func shaPtr(payloadSHA string) *string { return &payloadSHA }

func actorPtr(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}

func itemPtr(itemID string) *string {
	if itemID == "" {
		return nil
	}
	return &itemID
}
