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

package syncrun

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engram/internal/queue"
	"engram/internal/scm"
	"engram/internal/store"
)

// Jobs is the queue surface the worker drives. *queue.Queue satisfies it.
type Jobs interface {
	Claim(ctx context.Context, workerID string) (*store.JobRow, error)
	Ack(ctx context.Context, jobID uuid.UUID, workerID string, runID *int64) (bool, error)
	FailRetry(ctx context.Context, jobID uuid.UUID, workerID, lastError string, backoff time.Duration) (string, error)
	MarkDead(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (bool, error)
	RenewLease(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error)
	RequeueWithoutPenalty(ctx context.Context, jobID uuid.UUID, workerID, reason string, jitter time.Duration) (bool, error)
}

// WorkerConfig sizes one sync worker.
type WorkerConfig struct {
	WorkerID      string
	PollInterval  time.Duration
	RenewInterval time.Duration
	// RetryBackoff is the base of the exponential backoff handed to the
	// queue on failure; the exponent is the job's attempt count.
	RetryBackoff time.Duration
	BackoffCap   time.Duration
	// RequeueJitter delays environmental requeues when the breaker gave no
	// explicit wait.
	RequeueJitter time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = "sync-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = 20 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.RequeueJitter <= 0 {
		c.RequeueJitter = 30 * time.Second
	}
	return c
}

// Worker claims sync jobs and executes them through the runner. The lease is
// renewed in the background while a job runs; a lost lease cancels the run,
// since another worker owns the job now.
type Worker struct {
	runner *Runner
	jobs   Jobs
	cfg    WorkerConfig
	log    *zap.Logger
}

// NewWorker builds a worker over a runner and a queue handle.
func NewWorker(runner *Runner, jobs Jobs, cfg WorkerConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		runner: runner,
		jobs:   jobs,
		cfg:    cfg,
		log:    log.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run polls until ctx is canceled, draining the queue on every tick.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("sync worker starting", zap.Duration("interval", w.cfg.PollInterval))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("sync worker stopping")
			return ctx.Err()
		case <-ticker.C:
			for ctx.Err() == nil {
				processed, err := w.ProcessOne(ctx)
				if err != nil {
					w.log.Error("claim failed", zap.Error(err))
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessOne claims and settles a single job. It reports whether a job was
// claimed at all.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.jobs.Claim(ctx, w.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *store.JobRow) {
	payload, err := queue.ParsePayload(job.PayloadJSON)
	if err != nil {
		// A payload that cannot be decoded will never succeed.
		w.markDead(ctx, job, err.Error())
		return
	}
	if job.Mode == scm.ModeBackfill && payload.Chunk == nil {
		w.markDead(ctx, job, "backfill job without chunk payload")
		return
	}

	rc := RunnerContext{RepoID: job.RepoID, JobType: job.JobType}
	res := w.withLease(ctx, job, func(lctx context.Context) SyncResult {
		if job.Mode == scm.ModeBackfill {
			rc.UpdateWatermark = payload.Chunk.UpdateWatermark
			return w.runner.RunChunk(lctx, rc, *payload.Chunk)
		}
		return w.runner.RunIncremental(lctx, rc)
	})
	w.settle(ctx, job, res)
}

// withLease runs fn while renewing the job lease in the background. Losing
// the lease cancels fn's context.
func (w *Worker) withLease(ctx context.Context, job *store.JobRow, fn func(context.Context) SyncResult) SyncResult {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				ok, err := w.jobs.RenewLease(lctx, job.JobID, w.cfg.WorkerID)
				if err != nil {
					w.log.Warn("lease renewal failed",
						zap.String("job_id", job.JobID.String()), zap.Error(err))
					continue
				}
				if !ok {
					w.log.Warn("lease lost, aborting job",
						zap.String("job_id", job.JobID.String()))
					cancel()
					return
				}
			}
		}
	}()

	res := fn(lctx)
	cancel()
	wg.Wait()
	return res
}

// settle maps the run outcome onto a queue transition. Incremental partials
// ack because the cursor already advanced past the delivered slice; backfill
// partials retry because a chunk must cover its whole window, and replayed
// items dedup downstream.
func (w *Worker) settle(ctx context.Context, job *store.JobRow, res SyncResult) {
	switch res.Status {
	case store.RunSuccess:
		w.ack(ctx, job, res)
	case store.RunPartial:
		if job.Mode == scm.ModeBackfill {
			w.failRetry(ctx, job, res)
		} else {
			w.ack(ctx, job, res)
		}
	case store.RunSkipped:
		jitter := res.Wait
		if jitter <= 0 {
			jitter = w.cfg.RequeueJitter
		}
		w.requeue(ctx, job, res.SkipReason, jitter)
	case StatusCancelled:
		w.requeue(ctx, job, "cancelled", w.cfg.RequeueJitter)
	default:
		w.failRetry(ctx, job, res)
	}
	jobOutcomes.WithLabelValues(job.JobType, res.Status).Inc()
}

func (w *Worker) ack(ctx context.Context, job *store.JobRow, res SyncResult) {
	var runID *int64
	if res.RunID != 0 {
		id := res.RunID
		runID = &id
	}
	ok, err := w.jobs.Ack(ctx, job.JobID, w.cfg.WorkerID, runID)
	if err != nil {
		w.log.Error("ack failed", zap.String("job_id", job.JobID.String()), zap.Error(err))
		return
	}
	if !ok {
		w.log.Warn("ack refused, lease lost", zap.String("job_id", job.JobID.String()))
	}
}

func (w *Worker) failRetry(ctx context.Context, job *store.JobRow, res SyncResult) {
	msg := res.Status
	if res.Err != nil {
		msg = res.Err.Error()
	}
	status, err := w.jobs.FailRetry(ctx, job.JobID, w.cfg.WorkerID, msg, w.backoff(job.Attempts))
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warn("retry refused, lease lost", zap.String("job_id", job.JobID.String()))
		return
	}
	if err != nil {
		w.log.Error("retry transition failed",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
		return
	}
	if status == store.JobDead {
		w.log.Warn("job exhausted its attempts",
			zap.String("job_id", job.JobID.String()),
			zap.String("repo_id", job.RepoID), zap.String("job_type", job.JobType),
			zap.String("last_error", msg))
	}
}

func (w *Worker) markDead(ctx context.Context, job *store.JobRow, msg string) {
	ok, err := w.jobs.MarkDead(ctx, job.JobID, w.cfg.WorkerID, msg)
	if err != nil {
		w.log.Error("dead transition failed",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
		return
	}
	if !ok {
		w.log.Warn("dead transition refused, lease lost",
			zap.String("job_id", job.JobID.String()))
		return
	}
	jobOutcomes.WithLabelValues(job.JobType, store.JobDead).Inc()
	w.log.Warn("job marked dead",
		zap.String("job_id", job.JobID.String()), zap.String("error", msg))
}

func (w *Worker) requeue(ctx context.Context, job *store.JobRow, reason string, jitter time.Duration) {
	ok, err := w.jobs.RequeueWithoutPenalty(ctx, job.JobID, w.cfg.WorkerID, reason, jitter)
	if err != nil {
		w.log.Error("requeue failed",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
		return
	}
	if !ok {
		w.log.Warn("requeue refused, lease lost", zap.String("job_id", job.JobID.String()))
	}
}

// backoff is base * 2^(attempts-1), capped. Attempts were already
// incremented at claim time, so the first failure waits one base interval.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(w.cfg.RetryBackoff) * math.Pow(2, float64(attempts-1)))
	if d > w.cfg.BackoffCap || d <= 0 {
		d = w.cfg.BackoffCap
	}
	return d
}
