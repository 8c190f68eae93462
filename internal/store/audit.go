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
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Audit actions.
const (
	AuditAllow    = "allow"
	AuditRedirect = "redirect"
	AuditReject   = "reject"
)

// EvidenceRefs is the structured evidence_refs_json document. Extra carries
// free-form correlation fields (correlation_id, attempt_id, observed state).
type EvidenceRefs struct {
	OutboxID         *int64            `json:"outbox_id,omitempty"`
	MemoryID         string            `json:"memory_id,omitempty"`
	OriginalOutboxID *int64            `json:"original_outbox_id,omitempty"`
	Source           string            `json:"source,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// AuditRow is one append-only write-audit record.
type AuditRow struct {
	AuditID      int64          `db:"audit_id"`
	TS           time.Time      `db:"ts"`
	ActorUserID  *string        `db:"actor_user_id"`
	TargetSpace  string         `db:"target_space"`
	Action       string         `db:"action"`
	Reason       string         `db:"reason"`
	PayloadSHA   *string        `db:"payload_sha"`
	EvidenceRefs types.JSONText `db:"evidence_refs_json"`
}

// InsertAudit appends one audit record. Every terminal outcome of a write
// must land exactly one of these.
func (s *Store) InsertAudit(ctx context.Context, actorUserID *string, targetSpace, action, reason string, payloadSHA *string, refs EvidenceRefs) (int64, error) {
	blob, err := json.Marshal(refs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal evidence refs: %w", err)
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO governance_write_audit
			(actor_user_id, target_space, action, reason, payload_sha, evidence_refs_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING audit_id`,
		actorUserID, targetSpace, action, reason, payloadSHA, types.JSONText(blob)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert audit: %w", err)
	}
	return id, nil
}

const auditColumns = `audit_id, ts, actor_user_id, target_space, action, reason,
	payload_sha, evidence_refs_json`

// AuditsByPayloadSHA returns the audit trail for one payload hash, oldest
// first.
func (s *Store) AuditsByPayloadSHA(ctx context.Context, payloadSHA string) ([]AuditRow, error) {
	rows := []AuditRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+` FROM governance_write_audit
		WHERE payload_sha = $1 ORDER BY audit_id ASC`,
		payloadSHA)
	if err != nil {
		return nil, fmt.Errorf("store: audits by sha: %w", err)
	}
	return rows, nil
}

// AuditsByOutboxID returns the audit trail joined through
// evidence_refs_json->>'outbox_id'.
func (s *Store) AuditsByOutboxID(ctx context.Context, outboxID int64) ([]AuditRow, error) {
	rows := []AuditRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+` FROM governance_write_audit
		WHERE evidence_refs_json->>'outbox_id' = $1::text ORDER BY audit_id ASC`,
		outboxID)
	if err != nil {
		return nil, fmt.Errorf("store: audits by outbox id: %w", err)
	}
	return rows, nil
}

// AuditsByCorrelationID returns every audit row stamped with one request's
// correlation id.
func (s *Store) AuditsByCorrelationID(ctx context.Context, correlationID string) ([]AuditRow, error) {
	rows := []AuditRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+` FROM governance_write_audit
		WHERE evidence_refs_json->'extra'->>'correlation_id' = $1 ORDER BY audit_id ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: audits by correlation id: %w", err)
	}
	return rows, nil
}
