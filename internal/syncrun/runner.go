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

// Package syncrun executes sync passes against upstream SCM hosts. One pass
// fetches a bounded slice of history through an scm.Adapter, renders each
// item into a governed memory write, and records the run's health. Runs come
// in two phases: incremental passes resume from the stored cursor and move
// it forward; backfill passes cover a planned window chunk and touch the
// cursor only under the forward-only watermark discipline.
//
// Every pass is admitted by the instance circuit breaker and shaped by the
// loop's degradation controller: the effective batch size, forward window,
// and diff fidelity are the stricter of the two suggestions. Each upstream
// call first acquires a token from the instance rate limiter.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"engram/internal/backfill"
	"engram/internal/breaker"
	"engram/internal/degrade"
	"engram/internal/governance"
	"engram/internal/ratelimit"
	"engram/internal/scm"
	"engram/internal/store"
)

var tracer = otel.Tracer("engram/internal/syncrun")

// Phases reported in results.
const (
	PhaseIncremental = "incremental"
	PhaseBackfill    = "backfill"
)

// StatusCancelled marks a pass interrupted by context cancellation. The
// remaining statuses are the store's run tokens.
const StatusCancelled = "cancelled"

// Skip reasons carried on skipped results.
const (
	SkipBreakerOpen    = "breaker_open"
	SkipBackfillOnly   = "breaker_backfill_only"
	SkipProbeJobType   = "probe_job_type"
	SkipLimiterStarved = "limiter_starved"
)

// ExitCode maps a final status to the shell convention: success 0, partial
// 1, everything else 2.
func ExitCode(status string) int {
	switch status {
	case store.RunSuccess:
		return 0
	case store.RunPartial:
		return 1
	default:
		return 2
	}
}

// RunnerContext is the per-invocation envelope: which repo and job type to
// sync and how the caller wants the pass to behave.
type RunnerContext struct {
	RepoID  string
	JobType string
	// DryRun fetches and counts but writes nothing: no sink deliveries, no
	// cursor movement, no run rows.
	DryRun  bool
	Verbose bool
	// UpdateWatermark lets successful backfill chunks advance the cursor
	// under the forward-only constraint.
	UpdateWatermark bool
	// WindowChunkHours / WindowChunkRevs size backfill chunks. Zero means
	// the defaults (24 hours, 1000 revisions).
	WindowChunkHours int
	WindowChunkRevs  int
}

// SyncResult is the outcome of one pass (incremental or one backfill chunk).
type SyncResult struct {
	Phase           string
	RepoID          string
	JobType         string
	Status          string
	ItemsSynced     int
	ItemsFailed     int
	VFactsRefreshed bool
	// RunID links to the scm_sync_runs row, 0 when none was recorded.
	RunID int64
	// SkipReason and Wait are set on skipped results so a queue worker can
	// requeue with an informed delay.
	SkipReason string
	Wait       time.Duration
	Err        error
}

// BackfillRequest names the historical range to cover. Exactly one side is
// meaningful: a time range [Since, Until) or a revision range
// [StartRev, EndRev] inclusive.
type BackfillRequest struct {
	Since    time.Time
	Until    time.Time
	StartRev int64
	EndRev   int64
}

// AggregatedResult sums a backfill's chunk outcomes.
type AggregatedResult struct {
	TotalChunks      int
	SuccessChunks    int
	PartialChunks    int
	FailedChunks     int
	TotalItemsSynced int
	Errors           []string
	WatermarkUpdated bool
	Cancelled        bool
}

// Status resolves the aggregate: success when every chunk succeeded, failed
// when nothing made any progress, skipped when there was nothing to do,
// partial otherwise. A cancellation before any progress reports cancelled.
func (r AggregatedResult) Status() string {
	switch {
	case r.TotalChunks == 0:
		return store.RunSkipped
	case r.SuccessChunks == r.TotalChunks:
		return store.RunSuccess
	case r.Cancelled && r.SuccessChunks+r.PartialChunks == 0:
		return StatusCancelled
	case r.SuccessChunks+r.PartialChunks == 0 && r.FailedChunks > 0:
		return store.RunFailed
	default:
		return store.RunPartial
	}
}

// Store is the slice of the store the runner needs. *store.Store satisfies
// it.
type Store interface {
	GetRepo(ctx context.Context, repoID string) (*store.RepoRow, error)
	GetCursor(ctx context.Context, repoID, jobType string) (*store.CursorRow, error)
	AdvanceCursor(ctx context.Context, repoID, jobType string, ts *time.Time, rev *int64) error
	TouchCursor(ctx context.Context, repoID, jobType string) error
	StartRun(ctx context.Context, repoID, jobType, cursorBefore string) (int64, error)
	FinishRun(ctx context.Context, runID int64, out store.RunOutcome) error
	InstanceHealth(ctx context.Context, windowSize int) (map[string]store.ScopeHealth, error)
	RefreshActivityFacts(ctx context.Context) error
}

// Sink is the governed write surface items are delivered to.
// *governance.Governance satisfies it.
type Sink interface {
	Write(ctx context.Context, req governance.WriteRequest) (*governance.WriteResult, error)
}

// Breakers hands out circuit breakers per scope. *breaker.Registry satisfies
// it.
type Breakers interface {
	For(scope breaker.ScopeKey) *breaker.Breaker
}

// Limiters hands out pacing limiters per upstream instance.
// *ratelimit.Provider satisfies it.
type Limiters interface {
	For(instanceKey string) ratelimit.Limiter
}

// AdapterFactory builds the adapter for one repo's upstream.
type AdapterFactory func(repo *store.RepoRow) (scm.Adapter, error)

// Deps wires the runner's collaborators.
type Deps struct {
	Store    Store
	Adapters AdapterFactory
	Sink     Sink
	Breakers Breakers
	Limiters Limiters
	Log      *zap.Logger
}

// Config sizes the runner.
type Config struct {
	// Project prefixes breaker scope keys.
	Project string
	// HealthWindow is the per-repo recent-run count fed to the breaker.
	HealthWindow int
	// MaxPagesPerRun bounds one pass so a huge backlog cannot hold a worker
	// forever; the cursor resumes where the pass stopped.
	MaxPagesPerRun int
	// AcquireTimeout bounds each wait on the instance rate limiter.
	AcquireTimeout time.Duration
	// LoopInterval and MaxIterations shape RunLoop. MaxIterations 0 loops
	// until the context ends.
	LoopInterval  time.Duration
	MaxIterations int

	Backfill backfill.Config
	Degrade  degrade.Config
}

func (c Config) withDefaults() Config {
	if c.Project == "" {
		c.Project = "engram"
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = 10
	}
	if c.MaxPagesPerRun <= 0 {
		c.MaxPagesPerRun = 20
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = 30 * time.Second
	}
	if c.Degrade.DefaultBatchSize == 0 {
		c.Degrade = degrade.DefaultConfig()
	}
	return c
}

// Runner executes passes. One degradation controller lives per
// (repo, job type) pair and persists across that pair's passes, so
// consecutive-error counters survive between loop iterations.
type Runner struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time

	mu    sync.Mutex
	ctrls map[string]*degrade.Controller
}

// New builds a runner.
func New(deps Deps, cfg Config) *Runner {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   log.Named("syncrun"),
		now:   time.Now,
		ctrls: make(map[string]*degrade.Controller),
	}
}

// RunIncremental executes one incremental pass. Failures propagate through
// the result's status and Err, not through a returned error.
func (r *Runner) RunIncremental(ctx context.Context, rc RunnerContext) SyncResult {
	res, _ := r.incremental(ctx, rc)
	return res
}

// RunLoop calls incremental passes until MaxIterations or cancellation,
// sleeping LoopInterval plus whatever extra delay the pass suggested
// (degradation back-off, or the breaker's reopen wait after a skip).
func (r *Runner) RunLoop(ctx context.Context, rc RunnerContext) []SyncResult {
	var results []SyncResult
	for i := 0; r.cfg.MaxIterations <= 0 || i < r.cfg.MaxIterations; i++ {
		res, extra := r.incremental(ctx, rc)
		results = append(results, res)
		if res.Status == StatusCancelled || ctx.Err() != nil {
			break
		}
		if r.cfg.MaxIterations > 0 && i == r.cfg.MaxIterations-1 {
			break
		}
		if err := sleepCtx(ctx, r.cfg.LoopInterval+extra); err != nil {
			break
		}
	}
	return results
}

// RunBackfill plans the requested window into chunks and executes them in
// order. Planning and cap violations return an error; chunk execution
// failures flow through the aggregate's status.
func (r *Runner) RunBackfill(ctx context.Context, rc RunnerContext, req BackfillRequest) (AggregatedResult, error) {
	var agg AggregatedResult
	env, err := r.environment(ctx, rc)
	if err != nil {
		return agg, err
	}
	plan, err := r.plan(rc, req)
	if err != nil {
		return agg, err
	}
	if plan == nil || len(plan.Chunks) == 0 {
		return agg, nil
	}

	agg.TotalChunks = len(plan.Chunks)
	for _, chunk := range plan.Chunks {
		if ctx.Err() != nil {
			agg.Cancelled = true
			break
		}
		res, moved := r.executeChunk(ctx, env, chunkSpec{
			window: chunk.Window(),
			update: rc.UpdateWatermark,
			index:  chunk.Index,
			total:  chunk.Total,
		})
		agg.TotalItemsSynced += res.ItemsSynced
		if moved {
			agg.WatermarkUpdated = true
		}
		if res.Err != nil {
			agg.Errors = append(agg.Errors,
				fmt.Sprintf("chunk %d/%d: %v", chunk.Index+1, chunk.Total, res.Err))
		}
		switch res.Status {
		case store.RunSuccess:
			agg.SuccessChunks++
		case store.RunPartial:
			agg.PartialChunks++
		case StatusCancelled:
			agg.Cancelled = true
		default:
			agg.FailedChunks++
		}
		if res.Status == StatusCancelled {
			break
		}
		if res.SkipReason == SkipBreakerOpen {
			// The circuit will deny every remaining chunk too.
			break
		}
	}
	if agg.TotalItemsSynced > 0 && !rc.DryRun {
		if err := r.deps.Store.RefreshActivityFacts(ctx); err != nil {
			r.log.Warn("activity facts refresh failed", zap.Error(err))
		}
	}
	return agg, nil
}

// RunChunk executes one pre-planned chunk from a queued job payload. The
// payload's own watermark flag wins over the context's.
func (r *Runner) RunChunk(ctx context.Context, rc RunnerContext, p backfill.Payload) SyncResult {
	res := SyncResult{Phase: PhaseBackfill, RepoID: rc.RepoID, JobType: rc.JobType}
	spec, err := specFromPayload(p)
	if err != nil {
		return r.failed(res, err)
	}
	env, err := r.environment(ctx, rc)
	if err != nil {
		return r.failed(res, err)
	}
	out, _ := r.executeChunk(ctx, env, spec)
	return out
}

// plan builds the chunk plan for a backfill request. A request with neither
// range yields nil, which the caller reports as skipped.
func (r *Runner) plan(rc RunnerContext, req BackfillRequest) (*backfill.Plan, error) {
	switch {
	case !req.Since.IsZero() || !req.Until.IsZero():
		hours := rc.WindowChunkHours
		if hours <= 0 {
			hours = 24
		}
		return backfill.PlanTimeWindow(req.Since, req.Until, hours, r.cfg.Backfill)
	case req.StartRev > 0 || req.EndRev > 0:
		size := rc.WindowChunkRevs
		if size <= 0 {
			size = 1000
		}
		return backfill.PlanRevWindow(req.StartRev, req.EndRev, size, r.cfg.Backfill)
	}
	return nil, nil
}

// passEnv is the resolved execution environment for one repo and job type.
type passEnv struct {
	rc      RunnerContext
	repo    *store.RepoRow
	adapter scm.Adapter
	limiter ratelimit.Limiter
	gate    *breaker.Breaker
	ctrl    *degrade.Controller
}

func (r *Runner) environment(ctx context.Context, rc RunnerContext) (*passEnv, error) {
	if rc.RepoID == "" {
		return nil, errors.New("syncrun: repo id required")
	}
	if !knownJobType(rc.JobType) {
		return nil, fmt.Errorf("syncrun: unknown job type %q", rc.JobType)
	}
	repo, err := r.deps.Store.GetRepo(ctx, rc.RepoID)
	if err != nil {
		return nil, fmt.Errorf("syncrun: load repo %s: %w", rc.RepoID, err)
	}
	adapter, err := r.deps.Adapters(repo)
	if err != nil {
		return nil, fmt.Errorf("syncrun: adapter for %s: %w", rc.RepoID, err)
	}
	return &passEnv{
		rc:      rc,
		repo:    repo,
		adapter: adapter,
		limiter: r.deps.Limiters.For(repo.InstanceKey),
		gate:    r.deps.Breakers.For(breaker.InstanceScope(r.cfg.Project, repo.InstanceKey)),
		ctrl:    r.controller(rc.RepoID, rc.JobType),
	}, nil
}

func (r *Runner) controller(repoID, jobType string) *degrade.Controller {
	key := repoID + "|" + jobType
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.ctrls[key]; ok {
		return c
	}
	c := degrade.New(r.cfg.Degrade, r.log.Named("degrade"))
	r.ctrls[key] = c
	return c
}

// admit consults the instance breaker with fresh health aggregates and
// decides whether this pass may run. A non-empty skip reason means no.
func (r *Runner) admit(ctx context.Context, env *passEnv, mode string) (breaker.Decision, string, error) {
	health, err := r.deps.Store.InstanceHealth(ctx, r.cfg.HealthWindow)
	if err != nil {
		return breaker.Decision{}, "", fmt.Errorf("syncrun: instance health: %w", err)
	}
	h := health[env.repo.InstanceKey]
	d, err := env.gate.Check(ctx, breaker.HealthStats{
		SampleCount:   h.SampleCount,
		FailureRate:   h.FailureRate,
		RateLimitRate: h.RateLimitRate,
		TimeoutRate:   h.TimeoutRate,
	})
	if err != nil {
		return breaker.Decision{}, "", fmt.Errorf("syncrun: breaker check: %w", err)
	}
	switch {
	case !d.AllowSync:
		return d, SkipBreakerOpen, nil
	case d.IsBackfillOnly && mode != scm.ModeBackfill:
		return d, SkipBackfillOnly, nil
	case d.IsProbeMode && len(d.ProbeJobTypes) > 0 && !lo.Contains(d.ProbeJobTypes, env.rc.JobType):
		return d, SkipProbeJobType, nil
	}
	return d, "", nil
}

// incremental runs one cursor-driven pass. The second return is the extra
// sleep the caller should honor before the next iteration.
func (r *Runner) incremental(ctx context.Context, rc RunnerContext) (SyncResult, time.Duration) {
	res := SyncResult{Phase: PhaseIncremental, RepoID: rc.RepoID, JobType: rc.JobType}

	env, err := r.environment(ctx, rc)
	if err != nil {
		return r.failed(res, err), 0
	}
	decision, skip, err := r.admit(ctx, env, scm.ModeIncremental)
	if err != nil {
		return r.failed(res, err), 0
	}
	if skip != "" {
		res.Status = store.RunSkipped
		res.SkipReason = skip
		res.Wait = decision.Wait
		breakerSkips.WithLabelValues(skip).Inc()
		passes.WithLabelValues(rc.JobType, res.Status).Inc()
		r.log.Info("pass skipped by breaker",
			zap.String("repo_id", rc.RepoID), zap.String("job_type", rc.JobType),
			zap.String("reason", skip), zap.Duration("wait", decision.Wait))
		return res, decision.Wait
	}

	sugg := env.ctrl.Current()
	opts := effectiveOptions(decision, sugg)

	row, err := r.deps.Store.GetCursor(ctx, rc.RepoID, rc.JobType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return r.failed(res, fmt.Errorf("syncrun: load cursor: %w", err)), 0
	}
	start := cursorFromRow(row)
	window := forwardWindow(start, effectiveWindow(decision, sugg))

	if !rc.DryRun {
		runID, err := r.deps.Store.StartRun(ctx, rc.RepoID, rc.JobType, formatCursor(start))
		if err != nil {
			return r.failed(res, fmt.Errorf("syncrun: start run: %w", err)), 0
		}
		res.RunID = runID
	}

	began := r.now()
	pr := r.pass(ctx, env, passParams{cursor: start, window: window, opts: opts, dryRun: rc.DryRun})
	passSeconds.Observe(r.now().Sub(began).Seconds())

	res.Status = passStatus(pr)
	res.ItemsSynced = pr.synced
	res.ItemsFailed = pr.failed
	res.Err = pr.fetchErr
	if pr.limited && res.Status == store.RunSkipped {
		res.SkipReason = SkipLimiterStarved
	}

	if !rc.DryRun {
		if start.Before(pr.cursor) {
			if err := r.advance(ctx, rc.RepoID, rc.JobType, pr.cursor); err != nil {
				r.log.Error("cursor advance failed",
					zap.String("repo_id", rc.RepoID), zap.String("job_type", rc.JobType), zap.Error(err))
			}
		} else if res.Status == store.RunSuccess {
			// A clean pass that found nothing still proves freshness.
			if err := r.deps.Store.TouchCursor(ctx, rc.RepoID, rc.JobType); err != nil {
				r.log.Warn("cursor touch failed",
					zap.String("repo_id", rc.RepoID), zap.Error(err))
			}
		}
		r.finishRun(ctx, res.RunID, res.Status, pr)
		if pr.synced > 0 {
			if err := r.deps.Store.RefreshActivityFacts(ctx); err != nil {
				r.log.Warn("activity facts refresh failed", zap.Error(err))
			} else {
				res.VFactsRefreshed = true
			}
		}
	}

	var extra time.Duration
	if !pr.cancelled {
		next := env.ctrl.Observe(degrade.LoopStats{
			Requests:      pr.stats,
			Errors:        pr.cats,
			DegradedCount: pr.degraded,
			BulkCount:     pr.bulk,
			SyncedCount:   pr.synced,
			RetryAfter:    pr.retryAfter,
		})
		extra = next.Sleep
		r.probeVerdict(ctx, env, decision, pr)
	}

	passes.WithLabelValues(rc.JobType, res.Status).Inc()
	r.logPass(env, res, pr)
	return res, extra
}

// chunkSpec is one backfill window to execute.
type chunkSpec struct {
	window scm.Window
	update bool
	index  int
	total  int
}

func specFromPayload(p backfill.Payload) (chunkSpec, error) {
	spec := chunkSpec{update: p.UpdateWatermark, index: p.ChunkIndex, total: p.ChunkTotal}
	switch p.WindowType {
	case backfill.WindowTypeTime:
		if p.WindowSince == nil || p.WindowUntil == nil {
			return spec, errors.New("syncrun: time chunk missing window bounds")
		}
		spec.window = scm.Window{Since: *p.WindowSince, Until: *p.WindowUntil}
	case backfill.WindowTypeRev:
		if p.StartRev == nil || p.EndRev == nil {
			return spec, errors.New("syncrun: rev chunk missing revision bounds")
		}
		spec.window = scm.Window{StartRev: *p.StartRev, EndRev: *p.EndRev}
	default:
		return spec, fmt.Errorf("syncrun: unknown window type %q", p.WindowType)
	}
	return spec, nil
}

// executeChunk runs one backfill window. The bool reports whether the
// watermark moved.
func (r *Runner) executeChunk(ctx context.Context, env *passEnv, spec chunkSpec) (SyncResult, bool) {
	ctx, span := tracer.Start(ctx, "syncrun.chunk", trace.WithAttributes(
		attribute.String("repo.id", env.rc.RepoID),
		attribute.String("job.type", env.rc.JobType),
		attribute.Int("chunk.index", spec.index),
		attribute.Int("chunk.total", spec.total),
	))
	res, moved := r.chunkPass(ctx, env, spec)
	span.SetAttributes(attribute.String("run.status", res.Status))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.End()
	return res, moved
}

func (r *Runner) chunkPass(ctx context.Context, env *passEnv, spec chunkSpec) (SyncResult, bool) {
	res := SyncResult{Phase: PhaseBackfill, RepoID: env.rc.RepoID, JobType: env.rc.JobType}
	r.log.Debug("executing backfill chunk",
		zap.String("repo_id", env.rc.RepoID), zap.String("job_type", env.rc.JobType),
		zap.Int("chunk_index", spec.index), zap.Int("chunk_total", spec.total))

	decision, skip, err := r.admit(ctx, env, scm.ModeBackfill)
	if err != nil {
		out := r.failed(res, err)
		chunkOutcomes.WithLabelValues(out.Status).Inc()
		return out, false
	}
	if skip != "" {
		res.Status = store.RunSkipped
		res.SkipReason = skip
		res.Wait = decision.Wait
		res.Err = fmt.Errorf("syncrun: chunk skipped: %s", skip)
		breakerSkips.WithLabelValues(skip).Inc()
		passes.WithLabelValues(env.rc.JobType, res.Status).Inc()
		chunkOutcomes.WithLabelValues(res.Status).Inc()
		return res, false
	}

	sugg := env.ctrl.Current()
	opts := effectiveOptions(decision, sugg)

	row, err := r.deps.Store.GetCursor(ctx, env.rc.RepoID, env.rc.JobType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		out := r.failed(res, fmt.Errorf("syncrun: load cursor: %w", err))
		chunkOutcomes.WithLabelValues(out.Status).Inc()
		return out, false
	}
	before := cursorFromRow(row)

	if !env.rc.DryRun {
		runID, err := r.deps.Store.StartRun(ctx, env.rc.RepoID, env.rc.JobType, formatCursor(before))
		if err != nil {
			out := r.failed(res, fmt.Errorf("syncrun: start run: %w", err))
			chunkOutcomes.WithLabelValues(out.Status).Inc()
			return out, false
		}
		res.RunID = runID
	}

	began := r.now()
	pr := r.pass(ctx, env, passParams{window: spec.window, opts: opts, dryRun: env.rc.DryRun})
	passSeconds.Observe(r.now().Sub(began).Seconds())

	res.Status = passStatus(pr)
	res.ItemsSynced = pr.synced
	res.ItemsFailed = pr.failed
	res.Err = pr.fetchErr
	if pr.limited && res.Status == store.RunSkipped {
		res.SkipReason = SkipLimiterStarved
	}

	moved := false
	if !env.rc.DryRun {
		// The watermark moves only for fully successful chunks that observed
		// at least one item, and only forward.
		if spec.update && res.Status == store.RunSuccess && !pr.cursor.IsZero() {
			if verr := backfill.ValidateWatermark(before, pr.cursor, true); verr != nil {
				res.Err = verr
				r.log.Warn("watermark constraint violated",
					zap.String("repo_id", env.rc.RepoID), zap.Error(verr))
			} else if after := backfill.AdvanceWatermark(before, pr.cursor, true); before.Before(after) {
				if aerr := r.advance(ctx, env.rc.RepoID, env.rc.JobType, after); aerr != nil {
					r.log.Error("cursor advance failed",
						zap.String("repo_id", env.rc.RepoID), zap.Error(aerr))
				} else {
					moved = true
				}
			}
		}
		r.finishRun(ctx, res.RunID, res.Status, pr)
	}

	if !pr.cancelled {
		env.ctrl.Observe(degrade.LoopStats{
			Requests:      pr.stats,
			Errors:        pr.cats,
			DegradedCount: pr.degraded,
			BulkCount:     pr.bulk,
			SyncedCount:   pr.synced,
			RetryAfter:    pr.retryAfter,
		})
		r.probeVerdict(ctx, env, decision, pr)
	}

	passes.WithLabelValues(env.rc.JobType, res.Status).Inc()
	chunkOutcomes.WithLabelValues(res.Status).Inc()
	r.logPass(env, res, pr)
	return res, moved
}

// passParams shape one fetch loop.
type passParams struct {
	cursor scm.Cursor
	window scm.Window
	opts   scm.FetchOptions
	dryRun bool
}

// passResult is the raw accounting of one fetch loop.
type passResult struct {
	synced     int
	failed     int
	degraded   int
	bulk       int
	pages      int
	cursor     scm.Cursor
	stats      scm.RequestStats
	cats       []scm.Category
	retryAfter time.Duration
	fetchErr   error
	limited    bool
	cancelled  bool
}

// pass drives the fetch loop: acquire a limiter token, fetch a page, deliver
// its items, follow the page cursor until the upstream reports no more or
// the page budget runs out.
func (r *Runner) pass(ctx context.Context, env *passEnv, p passParams) (pr passResult) {
	pr = passResult{cursor: p.cursor}
	before := env.adapter.Stats()
	defer func() {
		pr.stats = diffStats(before, env.adapter.Stats())
	}()

	cursor := p.cursor
	for page := 0; page < r.cfg.MaxPagesPerRun; page++ {
		if ctx.Err() != nil {
			pr.cancelled = true
			return pr
		}
		if err := env.limiter.Acquire(ctx, 1, r.cfg.AcquireTimeout); err != nil {
			if ctx.Err() != nil {
				pr.cancelled = true
				return pr
			}
			pr.limited = true
			pr.fetchErr = err
			return pr
		}

		next, more, err := r.fetchPage(ctx, env, &pr, cursor, p)
		if err != nil {
			r.recordFetchError(ctx, env, &pr, err)
			return pr
		}
		pr.pages++
		if cursor.Before(next) {
			cursor = next
			pr.cursor = next
		}
		if !more {
			return pr
		}
	}
	return pr
}

// fetchPage dispatches on job type and delivers the page's items. It returns
// the page's resume cursor and whether more pages exist.
func (r *Runner) fetchPage(ctx context.Context, env *passEnv, pr *passResult, cursor scm.Cursor, p passParams) (scm.Cursor, bool, error) {
	switch env.rc.JobType {
	case scm.JobTypeGitLabMRs:
		page, err := env.adapter.FetchMergeRequests(ctx, cursor, p.window, p.opts)
		if err != nil {
			return scm.Cursor{}, false, err
		}
		for i := range page.MergeRequests {
			r.deliver(ctx, env, pr, mergeRequestWrite(env.repo.RepoID, page.MergeRequests[i]), p.dryRun)
		}
		return page.NextCursor, page.HasMore, nil

	case scm.JobTypeGitLabReviews:
		page, err := env.adapter.FetchMergeRequests(ctx, cursor, p.window, p.opts)
		if err != nil {
			return scm.Cursor{}, false, err
		}
		for i := range page.MergeRequests {
			mr := page.MergeRequests[i]
			if err := env.limiter.Acquire(ctx, 1, r.cfg.AcquireTimeout); err != nil {
				// A partially covered page must not advance the cursor:
				// the unfetched reviews would be skipped forever.
				if ctx.Err() != nil {
					pr.cancelled = true
					return scm.Cursor{}, false, nil
				}
				pr.limited = true
				pr.fetchErr = err
				return scm.Cursor{}, false, nil
			}
			events, err := env.adapter.FetchReviews(ctx, mr.ID)
			if err != nil {
				return scm.Cursor{}, false, err
			}
			for j := range events {
				r.deliver(ctx, env, pr, reviewWrite(env.repo.RepoID, events[j]), p.dryRun)
			}
		}
		return page.NextCursor, page.HasMore, nil

	default: // commits, svn
		page, err := env.adapter.FetchCommits(ctx, cursor, p.window, p.opts)
		if err != nil {
			return scm.Cursor{}, false, err
		}
		for i := range page.Commits {
			c := page.Commits[i]
			if c.Bulk {
				pr.bulk++
			}
			if p.opts.DiffMode == degrade.DiffModeNone {
				pr.degraded++
			}
			r.deliver(ctx, env, pr, commitWrite(env.repo.RepoID, c), p.dryRun)
		}
		return page.NextCursor, page.HasMore, nil
	}
}

// deliver pushes one rendered item through the governed sink. Writes the
// gate compensated into the outbox count as synced: the item will reach
// memory eventually.
func (r *Runner) deliver(ctx context.Context, env *passEnv, pr *passResult, req governance.WriteRequest, dryRun bool) {
	if dryRun {
		pr.synced++
		return
	}
	res, err := r.deps.Sink.Write(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		pr.failed++
		items.WithLabelValues(env.rc.JobType, "error").Inc()
		r.log.Warn("governed write errored",
			zap.String("item_id", req.ItemID), zap.Error(err))
		return
	}
	switch {
	case res.OK:
		pr.synced++
		items.WithLabelValues(env.rc.JobType, "delivered").Inc()
	case res.OutboxID != nil:
		pr.synced++
		items.WithLabelValues(env.rc.JobType, "compensated").Inc()
	default:
		pr.failed++
		items.WithLabelValues(env.rc.JobType, "rejected").Inc()
		r.log.Warn("governed write rejected",
			zap.String("item_id", req.ItemID),
			zap.String("code", res.Code), zap.String("category", res.Category))
	}
}

// recordFetchError classifies an upstream failure, propagates 429 hints to
// the limiter and adapter, and notes the category for the health feeds.
func (r *Runner) recordFetchError(ctx context.Context, env *passEnv, pr *passResult, err error) {
	pr.fetchErr = err
	cat := scm.Classify(err)
	if cat == scm.CategoryRateLimited {
		hint := rateLimitHint(err)
		pr.retryAfter = hint.RetryAfter
		env.adapter.NotifyRateLimit(hint)
		if nerr := env.limiter.NotifyRateLimit(ctx, hint); nerr != nil {
			r.log.Warn("limiter hint failed", zap.Error(nerr))
		}
	}
	if cat.Unrecoverable() {
		pr.cats = append(pr.cats, cat)
	}
}

// probeVerdict reports the pass to a half-open breaker. The verdict follows
// the upstream fetch, not sink-side failures.
func (r *Runner) probeVerdict(ctx context.Context, env *passEnv, d breaker.Decision, pr passResult) {
	if !d.IsProbeMode || env.rc.DryRun {
		return
	}
	switch {
	case pr.fetchErr == nil && !pr.cancelled:
		if err := env.gate.RecordSuccess(ctx); err != nil {
			r.log.Warn("probe success record failed", zap.Error(err))
		}
	case pr.fetchErr != nil && len(pr.cats) > 0:
		if err := env.gate.RecordFailure(ctx); err != nil {
			r.log.Warn("probe failure record failed", zap.Error(err))
		}
	}
}

func (r *Runner) finishRun(ctx context.Context, runID int64, status string, pr passResult) {
	if runID == 0 {
		return
	}
	out := store.RunOutcome{
		Status:        status,
		ItemsSynced:   pr.synced,
		ItemsFailed:   pr.failed,
		TotalRequests: int(pr.stats.TotalRequests),
		Total429Hits:  int(pr.stats.Total429Hits),
		TimeoutCount:  int(pr.stats.TimeoutCount),
		ErrorCategory: errorCategory(pr),
		CursorAfter:   formatCursor(pr.cursor),
	}
	if err := r.deps.Store.FinishRun(ctx, runID, out); err != nil {
		r.log.Error("finish run failed", zap.Int64("run_id", runID), zap.Error(err))
	}
}

func (r *Runner) failed(res SyncResult, err error) SyncResult {
	res.Status = store.RunFailed
	res.Err = err
	passes.WithLabelValues(res.JobType, res.Status).Inc()
	return res
}

func (r *Runner) advance(ctx context.Context, repoID, jobType string, c scm.Cursor) error {
	var ts *time.Time
	var rev *int64
	if !c.Ts.IsZero() {
		t := c.Ts
		ts = &t
	}
	if c.Rev > 0 {
		v := c.Rev
		rev = &v
	}
	if ts == nil && rev == nil {
		return nil
	}
	return r.deps.Store.AdvanceCursor(ctx, repoID, jobType, ts, rev)
}

func (r *Runner) logPass(env *passEnv, res SyncResult, pr passResult) {
	fields := []zap.Field{
		zap.String("repo_id", res.RepoID),
		zap.String("job_type", res.JobType),
		zap.String("phase", res.Phase),
		zap.String("status", res.Status),
		zap.Int("items_synced", res.ItemsSynced),
		zap.Int("items_failed", res.ItemsFailed),
		zap.Int("pages", pr.pages),
		zap.Int64("requests", pr.stats.TotalRequests),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	if env.rc.Verbose {
		r.log.Info("pass finished", fields...)
		return
	}
	r.log.Debug("pass finished", fields...)
}

// passStatus resolves the raw accounting: clean means success, any progress
// under failure means partial, limiter starvation with no progress means
// skipped, the rest is failed.
func passStatus(pr passResult) string {
	switch {
	case pr.cancelled:
		return StatusCancelled
	case pr.limited && pr.synced == 0 && pr.failed == 0:
		return store.RunSkipped
	case pr.fetchErr == nil && pr.failed == 0:
		return store.RunSuccess
	case pr.synced > 0:
		return store.RunPartial
	default:
		return store.RunFailed
	}
}

func errorCategory(pr passResult) string {
	if pr.fetchErr == nil || pr.limited {
		return ""
	}
	return string(scm.Classify(pr.fetchErr))
}

// effectiveOptions intersects the breaker's envelope with the degradation
// controller's: the smaller batch wins, and "none" diff mode wins.
func effectiveOptions(d breaker.Decision, s degrade.Suggestion) scm.FetchOptions {
	batch := d.SuggestedBatchSize
	if batch <= 0 || (s.BatchSize > 0 && s.BatchSize < batch) {
		batch = s.BatchSize
	}
	diff := d.SuggestedDiffMode
	if s.DiffMode == degrade.DiffModeNone {
		diff = degrade.DiffModeNone
	}
	return scm.FetchOptions{BatchSize: batch, DiffMode: diff}
}

func effectiveWindow(d breaker.Decision, s degrade.Suggestion) time.Duration {
	w := d.SuggestedForwardWindow
	if w <= 0 || (s.ForwardWindow > 0 && s.ForwardWindow < w) {
		w = s.ForwardWindow
	}
	return w
}

// forwardWindow bounds an incremental pass to the slice just past the
// cursor. A never-synced repo gets an unbounded window; the page budget
// bounds the pass instead.
func forwardWindow(cursor scm.Cursor, width time.Duration) scm.Window {
	switch {
	case !cursor.Ts.IsZero() && width > 0:
		return scm.Window{Since: cursor.Ts, Until: cursor.Ts.Add(width)}
	case cursor.Rev > 0:
		return scm.Window{StartRev: cursor.Rev + 1}
	}
	return scm.Window{}
}

func cursorFromRow(row *store.CursorRow) scm.Cursor {
	if row == nil {
		return scm.Cursor{}
	}
	var c scm.Cursor
	if row.CursorTS != nil {
		c.Ts = *row.CursorTS
	}
	if row.CursorRev != nil {
		c.Rev = *row.CursorRev
	}
	return c
}

// formatCursor renders a cursor for run-row bookkeeping: RFC3339 for time
// cursors, rN for revisions, empty for never-synced.
func formatCursor(c scm.Cursor) string {
	switch {
	case !c.Ts.IsZero():
		return c.Ts.UTC().Format(time.RFC3339)
	case c.Rev > 0:
		return fmt.Sprintf("r%d", c.Rev)
	}
	return ""
}

func diffStats(before, after scm.RequestStats) scm.RequestStats {
	return scm.RequestStats{
		TotalRequests:  after.TotalRequests - before.TotalRequests,
		Total429Hits:   after.Total429Hits - before.Total429Hits,
		TimeoutCount:   after.TimeoutCount - before.TimeoutCount,
		LastRetryAfter: after.LastRetryAfter,
	}
}

func rateLimitHint(err error) scm.RateLimitHint {
	var re *scm.RequestError
	if errors.As(err, &re) {
		return scm.RateLimitHint{RetryAfter: re.RetryAfter}
	}
	return scm.RateLimitHint{}
}

func knownJobType(jobType string) bool {
	switch jobType {
	case scm.JobTypeGitLabCommits, scm.JobTypeGitLabMRs, scm.JobTypeGitLabReviews, scm.JobTypeSVN:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
