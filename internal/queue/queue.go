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

// Package queue is the worker-facing face of the sync job table. The store
// owns the atomic SQL transitions; this layer adds typed payloads, duplicate
// translation, and the tenant-fair claim rotation that keeps a tenant with a
// small backlog from starving behind one with a large backlog.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"engram/internal/backfill"
	"engram/internal/store"
)

// Store is the slice of the store the queue needs. *store.Store satisfies
// it; tests use an in-memory fake.
type Store interface {
	EnqueueJob(ctx context.Context, row store.JobRow) (uuid.UUID, error)
	ClaimJob(ctx context.Context, workerID string, jobTypes []string) (*store.JobRow, error)
	ClaimJobForTenant(ctx context.Context, workerID string, jobTypes []string, tenantID string) (*store.JobRow, error)
	ClaimableTenants(ctx context.Context, jobTypes []string) ([]string, error)
	AckJob(ctx context.Context, jobID uuid.UUID, workerID string, runID *int64) (bool, error)
	FailRetryJob(ctx context.Context, jobID uuid.UUID, workerID, lastError string, backoff time.Duration) (string, error)
	MarkJobDead(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (bool, error)
	RenewJobLease(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error)
	RequeueJobWithoutPenalty(ctx context.Context, jobID uuid.UUID, workerID, reason string, jitter time.Duration) (bool, error)
}

// Payload is the JSON carried by a sync job. TenantID must live at the top
// level: the store's tenant bucket column is generated from it.
type Payload struct {
	TenantID    string            `json:"tenant_id,omitempty"`
	InstanceKey string            `json:"instance_key,omitempty"`
	Reasons     []string          `json:"reasons,omitempty"`
	Chunk       *backfill.Payload `json:"chunk,omitempty"`
}

// ParsePayload decodes a job row's payload.
func ParsePayload(raw types.JSONText) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("queue: decode payload: %w", err)
	}
	return p, nil
}

// EnqueueRequest describes one job to insert.
type EnqueueRequest struct {
	RepoID      string
	JobType     string
	Mode        string
	Priority    int
	MaxAttempts int
	NotBefore   time.Time
	Lease       time.Duration
	Payload     Payload
}

// Options configure a queue handle.
type Options struct {
	// JobTypes restricts claims to these types; nil claims everything.
	JobTypes []string
	// TenantFairClaim turns on the rotation over tenant buckets.
	TenantFairClaim bool
	// DefaultMaxAttempts and DefaultLease fill enqueue requests that leave
	// the fields zero.
	DefaultMaxAttempts int
	DefaultLease       time.Duration
	Log                *zap.Logger
}

// Queue wraps the store for one claimer profile.
type Queue struct {
	st           Store
	types        []string
	fair         bool
	maxAttempts  int
	defaultLease time.Duration
	log          *zap.Logger

	mu         sync.Mutex
	lastTenant string
	hasLast    bool
}

// New builds a queue handle.
func New(st Store, opts Options) *Queue {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		st:           st,
		types:        opts.JobTypes,
		fair:         opts.TenantFairClaim,
		maxAttempts:  opts.DefaultMaxAttempts,
		defaultLease: opts.DefaultLease,
		log:          log,
	}
}

// Enqueue inserts a pending job. A live job for the same
// (repo_id, job_type, mode) family is not an error; the bool reports whether
// a row was actually inserted.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, bool, error) {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("queue: encode payload: %w", err)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.maxAttempts
	}
	if req.Lease <= 0 {
		req.Lease = q.defaultLease
	}
	row := store.JobRow{
		RepoID:       req.RepoID,
		JobType:      req.JobType,
		Mode:         req.Mode,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		NotBefore:    req.NotBefore,
		LeaseSeconds: int(req.Lease / time.Second),
		PayloadJSON:  types.JSONText(raw),
	}
	id, err := q.st.EnqueueJob(ctx, row)
	if errors.Is(err, store.ErrDuplicateJob) {
		enqueues.WithLabelValues("duplicate").Inc()
		q.log.Debug("job family already queued",
			zap.String("repo_id", req.RepoID), zap.String("job_type", req.JobType))
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	enqueues.WithLabelValues("enqueued").Inc()
	return id, true, nil
}

// Claim leases the next job for this worker, or (nil, nil) when nothing is
// claimable. With tenant-fair claim enabled, successive calls visit tenant
// buckets in rotation; within a bucket the store's priority order applies.
func (q *Queue) Claim(ctx context.Context, workerID string) (*store.JobRow, error) {
	if !q.fair {
		job, err := q.st.ClaimJob(ctx, workerID, q.types)
		return q.claimed(job, err)
	}
	tenants, err := q.st.ClaimableTenants(ctx, q.types)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		claims.WithLabelValues("empty").Inc()
		return nil, nil
	}
	for _, tenant := range q.rotated(tenants) {
		job, err := q.st.ClaimJobForTenant(ctx, workerID, q.types, tenant)
		if errors.Is(err, store.ErrNotFound) {
			// Another worker drained this bucket between the listing
			// and the claim. Move on.
			continue
		}
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.lastTenant = tenant
		q.hasLast = true
		q.mu.Unlock()
		claims.WithLabelValues("claimed").Inc()
		return job, nil
	}
	claims.WithLabelValues("empty").Inc()
	return nil, nil
}

func (q *Queue) claimed(job *store.JobRow, err error) (*store.JobRow, error) {
	if errors.Is(err, store.ErrNotFound) {
		claims.WithLabelValues("empty").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	claims.WithLabelValues("claimed").Inc()
	return job, nil
}

// rotated orders the tenant buckets so the scan starts just after the tenant
// served last. Buckets missing from this pass (drained) simply shift the
// start point to the next surviving tenant.
func (q *Queue) rotated(tenants []string) []string {
	q.mu.Lock()
	last, has := q.lastTenant, q.hasLast
	q.mu.Unlock()
	if !has {
		return tenants
	}
	start := 0
	for i, t := range tenants {
		if t > last {
			start = i
			break
		}
		if i == len(tenants)-1 {
			// Every bucket sorts at or before the last-served one;
			// wrap to the front.
			start = 0
		}
	}
	out := make([]string, 0, len(tenants))
	out = append(out, tenants[start:]...)
	out = append(out, tenants[:start]...)
	return out
}

// Ack marks the job completed. False means the lease was lost.
func (q *Queue) Ack(ctx context.Context, jobID uuid.UUID, workerID string, runID *int64) (bool, error) {
	ok, err := q.st.AckJob(ctx, jobID, workerID, runID)
	if err == nil && ok {
		transitions.WithLabelValues(store.JobCompleted).Inc()
	}
	return ok, err
}

// FailRetry records a failed attempt. The store decides between failed and
// dead based on the attempt budget; the resulting status is returned.
// store.ErrNotFound means the lease was lost.
func (q *Queue) FailRetry(ctx context.Context, jobID uuid.UUID, workerID, lastError string, backoff time.Duration) (string, error) {
	status, err := q.st.FailRetryJob(ctx, jobID, workerID, lastError, backoff)
	if err == nil {
		transitions.WithLabelValues(status).Inc()
	}
	return status, err
}

// MarkDead is the unconditional terminal transition.
func (q *Queue) MarkDead(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (bool, error) {
	ok, err := q.st.MarkJobDead(ctx, jobID, workerID, lastError)
	if err == nil && ok {
		transitions.WithLabelValues(store.JobDead).Inc()
	}
	return ok, err
}

// RenewLease refreshes the worker's hold on a running job.
func (q *Queue) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	return q.st.RenewJobLease(ctx, jobID, workerID)
}

// RequeueWithoutPenalty returns a job to pending and refunds the attempt,
// for causes that were environmental rather than the worker's fault.
func (q *Queue) RequeueWithoutPenalty(ctx context.Context, jobID uuid.UUID, workerID, reason string, jitter time.Duration) (bool, error) {
	ok, err := q.st.RequeueJobWithoutPenalty(ctx, jobID, workerID, reason, jitter)
	if err == nil && ok {
		transitions.WithLabelValues("requeued").Inc()
	}
	return ok, err
}
