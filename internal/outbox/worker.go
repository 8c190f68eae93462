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

// Package outbox drains the durable write queue. Workers are leaderless:
// each claims a disjoint batch under a lease, delivers to the memory
// service, and transitions rows with updates guarded by (outbox_id,
// locked_by) so a stolen lease can never produce a duplicate success audit.
// Every step resolves to a tagged outcome whose handler decides the audit
// reason and the state transition.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"engram/internal/openmemory"
	"engram/internal/store"
)

var tracer = otel.Tracer("engram/internal/outbox")

// Audit reasons emitted by the worker. Stable tokens: operators query by
// them.
const (
	ReasonSuccess   = "outbox_flush_success"
	ReasonRetry     = "outbox_flush_retry"
	ReasonDead      = "outbox_flush_dead"
	ReasonDedupHit  = "outbox_flush_dedup_hit"
	ReasonConflict  = "outbox_flush_conflict"
	ReasonDBTimeout = "outbox_flush_db_timeout"
	ReasonDBError   = "outbox_flush_db_error"
)

// Outcome kinds for one row attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeDedupHit  = "dedup_hit"
	OutcomeRetry     = "retry"
	OutcomeDead      = "dead"
	OutcomeConflict  = "conflict"
	OutcomeDBTimeout = "db_timeout"
	OutcomeDBError   = "db_error"
	OutcomeSkipped   = "skipped"
)

// Outcome is the tagged result of processing one claimed row.
type Outcome struct {
	Kind     string
	MemoryID string
	Err      error
}

// Store is the slice of the store the worker needs. *store.Store satisfies
// it.
type Store interface {
	ClaimOutboxBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]store.OutboxRow, error)
	FindSentOutbox(ctx context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error)
	MarkOutboxSent(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error)
	MarkOutboxRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) (bool, error)
	MarkOutboxDead(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error)
	RenewOutboxLease(ctx context.Context, outboxID int64, workerID string) (bool, error)
	ObserveOutbox(ctx context.Context, outboxID int64) (string, *string, error)
	InsertAudit(ctx context.Context, actorUserID *string, targetSpace, action, reason string, payloadSHA *string, refs store.EvidenceRefs) (int64, error)
}

// Deliverer is the memory-service surface the worker calls.
// *openmemory.Client satisfies it.
type Deliverer interface {
	Add(ctx context.Context, req openmemory.AddRequest) (*openmemory.AddResponse, error)
}

// Limiter paces deliveries per memory-service instance; nil disables pacing.
type Limiter interface {
	Acquire(ctx context.Context, n float64, timeout time.Duration) error
}

// Config sizes one worker.
type Config struct {
	WorkerID       string
	BatchSize      int
	Lease          time.Duration
	PollInterval   time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	JitterFactor   float64
	DeliverTimeout time.Duration
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "outbox-" + uuid.NewString()[:8]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	return c
}

// Worker drains the outbox.
type Worker struct {
	cfg     Config
	st      Store
	deliver Deliverer
	limiter Limiter
	log     *zap.Logger
	now     func() time.Time
	randFn  func() float64
}

// NewWorker builds a worker. limiter may be nil.
func NewWorker(st Store, deliver Deliverer, limiter Limiter, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		st:      st,
		deliver: deliver,
		limiter: limiter,
		log:     log.With(zap.String("worker_id", cfg.WorkerID)),
		now:     time.Now,
		randFn:  rand.Float64,
	}
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("outbox worker starting",
		zap.Int("batch", w.cfg.BatchSize), zap.Duration("interval", w.cfg.PollInterval))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				// Per-row backoff prevents hot-looping; just log.
				w.log.Error("outbox pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce claims one batch and drains it. Returns the number of rows
// processed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	rows, err := w.st.ClaimOutboxBatch(ctx, w.cfg.WorkerID, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	claimed.Add(float64(len(rows)))
	for i := range rows {
		out := w.processRow(ctx, &rows[i])
		outcomes.WithLabelValues(out.Kind).Inc()
		if out.Err != nil {
			w.log.Warn("outbox row finished with error",
				zap.Int64("outbox_id", rows[i].OutboxID),
				zap.String("outcome", out.Kind), zap.Error(out.Err))
		}
	}
	return len(rows), nil
}

// processRow runs the per-row pipeline: dedup, renew, deliver, guarded
// transition.
func (w *Worker) processRow(ctx context.Context, row *store.OutboxRow) Outcome {
	ctx, span := tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.Int64("outbox.id", row.OutboxID),
		attribute.String("outbox.target_space", row.TargetSpace),
	))
	out := w.rowPipeline(ctx, row)
	span.SetAttributes(attribute.String("outbox.outcome", out.Kind))
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	span.End()
	return out
}

func (w *Worker) rowPipeline(ctx context.Context, row *store.OutboxRow) Outcome {
	correlationID := fmt.Sprintf("outbox-%d", row.OutboxID)
	attemptID := uuid.NewString()

	// Dedup: a sent row for the same (space, sha) means this payload already
	// made it; reuse its memory id without calling out.
	if out, done := w.dedupCheck(ctx, row, correlationID, attemptID); done {
		return out
	}

	if ok, err := w.st.RenewOutboxLease(ctx, row.OutboxID, w.cfg.WorkerID); err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID)
	} else if !ok {
		return w.conflict(ctx, row, "deliver", correlationID, attemptID)
	}

	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx, 1, w.cfg.AcquireTimeout); err != nil {
			// Leave the row locked; lease expiry re-exposes it without
			// charging a retry for local pacing.
			w.log.Debug("delivery skipped by limiter", zap.Int64("outbox_id", row.OutboxID))
			return Outcome{Kind: OutcomeSkipped, Err: err}
		}
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	start := w.now()
	resp, deliverErr := w.deliver.Add(dctx, w.addRequest(row, correlationID))
	cancel()
	deliverySeconds.Observe(w.now().Sub(start).Seconds())

	// Renew again just before the final transition; losing the lease here
	// means another worker owns the row now.
	if ok, err := w.st.RenewOutboxLease(ctx, row.OutboxID, w.cfg.WorkerID); err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID)
	} else if !ok {
		return w.conflict(ctx, row, w.intendedAfterDelivery(row, deliverErr), correlationID, attemptID)
	}

	if deliverErr == nil {
		return w.finishSuccess(ctx, row, resp.Data.ID, correlationID, attemptID)
	}
	return w.finishFailure(ctx, row, deliverErr, correlationID, attemptID)
}

func (w *Worker) addRequest(row *store.OutboxRow, correlationID string) openmemory.AddRequest {
	meta := map[string]string{
		"target_space":   row.TargetSpace,
		"payload_sha":    row.PayloadSHA,
		"correlation_id": correlationID,
	}
	if row.ItemID != nil {
		meta["item_id"] = *row.ItemID
	}
	return openmemory.AddRequest{
		Content:  row.PayloadMD,
		UserID:   privateSpaceUser(row.TargetSpace),
		Tags:     []string{"engram"},
		Metadata: meta,
	}
}

// dedupCheck resolves the row against already-sent duplicates. done=false
// means the pipeline continues to delivery.
func (w *Worker) dedupCheck(ctx context.Context, row *store.OutboxRow, correlationID, attemptID string) (Outcome, bool) {
	orig, err := w.st.FindSentOutbox(ctx, row.TargetSpace, row.PayloadSHA)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, false
	}
	if err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID), true
	}
	memoryID := ExtractMemoryID(orig.LastError)
	ok, err := w.st.MarkOutboxSent(ctx, row.OutboxID, w.cfg.WorkerID, "memory_id="+memoryID)
	if err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID), true
	}
	if !ok {
		return w.conflict(ctx, row, "dedup", correlationID, attemptID), true
	}
	w.audit(ctx, row, store.AuditAllow, ReasonDedupHit, store.EvidenceRefs{
		OutboxID:         &row.OutboxID,
		MemoryID:         memoryID,
		OriginalOutboxID: &orig.OutboxID,
		Extra:            w.extra(correlationID, attemptID, nil),
	})
	return Outcome{Kind: OutcomeDedupHit, MemoryID: memoryID}, true
}

func (w *Worker) finishSuccess(ctx context.Context, row *store.OutboxRow, memoryID, correlationID, attemptID string) Outcome {
	ok, err := w.st.MarkOutboxSent(ctx, row.OutboxID, w.cfg.WorkerID, "memory_id="+memoryID)
	if err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID)
	}
	if !ok {
		return w.conflict(ctx, row, "success", correlationID, attemptID)
	}
	w.audit(ctx, row, store.AuditAllow, ReasonSuccess, store.EvidenceRefs{
		OutboxID: &row.OutboxID,
		MemoryID: memoryID,
		Extra:    w.extra(correlationID, attemptID, nil),
	})
	return Outcome{Kind: OutcomeSuccess, MemoryID: memoryID}
}

func (w *Worker) finishFailure(ctx context.Context, row *store.OutboxRow, deliverErr error, correlationID, attemptID string) Outcome {
	errText := deliverErr.Error()
	if row.RetryCount+1 >= w.cfg.MaxRetries {
		ok, err := w.st.MarkOutboxDead(ctx, row.OutboxID, w.cfg.WorkerID, errText)
		if err != nil {
			return w.dbFailure(ctx, row, err, correlationID, attemptID)
		}
		if !ok {
			return w.conflict(ctx, row, "dead", correlationID, attemptID)
		}
		w.audit(ctx, row, store.AuditReject, ReasonDead, store.EvidenceRefs{
			OutboxID: &row.OutboxID,
			Extra:    w.extra(correlationID, attemptID, map[string]string{"error": errText}),
		})
		return Outcome{Kind: OutcomeDead, Err: deliverErr}
	}

	next := w.now().Add(w.backoff(row.RetryCount))
	ok, err := w.st.MarkOutboxRetry(ctx, row.OutboxID, w.cfg.WorkerID, errText, next)
	if err != nil {
		return w.dbFailure(ctx, row, err, correlationID, attemptID)
	}
	if !ok {
		return w.conflict(ctx, row, "retry", correlationID, attemptID)
	}
	w.audit(ctx, row, store.AuditRedirect, ReasonRetry, store.EvidenceRefs{
		OutboxID: &row.OutboxID,
		Extra:    w.extra(correlationID, attemptID, map[string]string{"error": errText}),
	})
	return Outcome{Kind: OutcomeRetry, Err: deliverErr}
}

// conflict records a failed guard: someone else owns the row now. The
// observed state goes into the audit so the theft is reconstructable.
func (w *Worker) conflict(ctx context.Context, row *store.OutboxRow, intended, correlationID, attemptID string) Outcome {
	extra := map[string]string{"intended_action": intended}
	status, lockedBy, err := w.st.ObserveOutbox(ctx, row.OutboxID)
	if err == nil {
		extra["observed_status"] = status
		if lockedBy != nil {
			extra["observed_locked_by"] = *lockedBy
		}
	}
	w.audit(ctx, row, store.AuditRedirect, ReasonConflict, store.EvidenceRefs{
		OutboxID: &row.OutboxID,
		Extra:    w.extra(correlationID, attemptID, extra),
	})
	return Outcome{Kind: OutcomeConflict}
}

// dbFailure splits statement timeouts from other database errors. Neither
// changes the row; lease expiry is the recovery path.
func (w *Worker) dbFailure(ctx context.Context, row *store.OutboxRow, err error, correlationID, attemptID string) Outcome {
	reason, kind := ReasonDBError, OutcomeDBError
	if store.IsQueryCanceled(err) {
		reason, kind = ReasonDBTimeout, OutcomeDBTimeout
	}
	w.audit(ctx, row, store.AuditRedirect, reason, store.EvidenceRefs{
		OutboxID: &row.OutboxID,
		Extra:    w.extra(correlationID, attemptID, map[string]string{"error": err.Error()}),
	})
	return Outcome{Kind: kind, Err: err}
}

func (w *Worker) intendedAfterDelivery(row *store.OutboxRow, deliverErr error) string {
	if deliverErr == nil {
		return "success"
	}
	if row.RetryCount+1 >= w.cfg.MaxRetries {
		return "dead"
	}
	return "retry"
}

// audit is best-effort: a failed audit insert must not change the row's
// fate, only leave a log trail.
func (w *Worker) audit(ctx context.Context, row *store.OutboxRow, action, reason string, refs store.EvidenceRefs) {
	sha := row.PayloadSHA
	if _, err := w.st.InsertAudit(ctx, nil, row.TargetSpace, action, reason, &sha, refs); err != nil {
		w.log.Error("audit insert failed",
			zap.Int64("outbox_id", row.OutboxID), zap.String("reason", reason), zap.Error(err))
	}
}

func (w *Worker) extra(correlationID, attemptID string, more map[string]string) map[string]string {
	extra := map[string]string{
		"correlation_id": correlationID,
		"attempt_id":     attemptID,
	}
	for k, v := range more {
		extra[k] = v
	}
	return extra
}

// backoff is base * 2^retryCount with proportional jitter, capped.
func (w *Worker) backoff(retryCount int) time.Duration {
	d := time.Duration(float64(w.cfg.BackoffBase) * math.Pow(2, float64(retryCount)))
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	if w.cfg.JitterFactor > 0 {
		delta := (w.randFn()*2 - 1) * w.cfg.JitterFactor * float64(d)
		d += time.Duration(delta)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ExtractMemoryID pulls the id out of a sent row's "memory_id=<id>" marker.
// Sent rows always carry the marker; anything else yields "".
func ExtractMemoryID(lastError *string) string {
	if lastError == nil {
		return ""
	}
	id, ok := strings.CutPrefix(*lastError, "memory_id=")
	if !ok {
		return ""
	}
	return id
}

// privateSpaceUser maps private:<user> to the service user id; other space
// kinds write as the service itself.
func privateSpaceUser(space string) string {
	if rest, ok := strings.CutPrefix(space, "private:"); ok {
		return rest
	}
	return ""
}
