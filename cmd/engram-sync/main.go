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

// Package main runs engram-sync, the operator CLI for driving one repo's
// sync by hand: a single incremental pass, a watch loop, or a historical
// backfill. It reads the same ENGRAM_* environment as the daemon, prints a
// JSON summary on stdout, and exits 0 on success, 1 on partial, 2 on
// failed, skipped, or cancelled. Loop mode exits with the final pass's
// status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/internal/adapters"
	"engram/internal/breaker"
	"engram/internal/config"
	"engram/internal/governance"
	"engram/internal/logging"
	"engram/internal/openmemory"
	"engram/internal/ratelimit"
	"engram/internal/scm"
	"engram/internal/store"
	"engram/internal/syncrun"
)

func main() {
	os.Exit(run())
}

func run() int {
	repoID := flag.String("repo_id", "", "Repository id to sync (required)")
	jobType := flag.String("job_type", scm.JobTypeGitLabCommits, "Job type (gitlab_commits|gitlab_mrs|gitlab_reviews|svn)")
	mode := flag.String("mode", "incremental", "incremental | loop | backfill")
	since := flag.String("since", "", "Backfill window start, RFC3339 (time windows)")
	until := flag.String("until", "", "Backfill window end, RFC3339 (time windows)")
	startRev := flag.Int64("start_rev", 0, "Backfill start revision (revision windows)")
	endRev := flag.Int64("end_rev", 0, "Backfill end revision, inclusive (revision windows)")
	dryRun := flag.Bool("dry_run", false, "Fetch and count but write nothing: no deliveries, no cursor movement, no run rows")
	verbose := flag.Bool("verbose", false, "Debug logging")
	updateWatermark := flag.Bool("update_watermark", false, "Let successful backfill chunks advance the cursor")
	chunkHours := flag.Int("chunk_hours", 0, "Backfill chunk size in hours (0 = default 24)")
	chunkRevs := flag.Int("chunk_revs", 0, "Backfill chunk size in revisions (0 = default 1000)")
	maxIterations := flag.Int("max_iterations", 0, "Loop pass cap (0 = until interrupted)")
	loopInterval := flag.Duration("loop_interval", 0, "Sleep between loop passes (0 = 30s)")
	flag.Parse()

	if *repoID == "" {
		fmt.Fprintln(os.Stderr, "engram-sync: -repo_id is required")
		flag.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engram-sync: %v\n", err)
		return 2
	}
	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Console: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engram-sync: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	if cfg.PG.DSN == "" {
		logger.Error("ENGRAM_PG_DSN is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		DSN:          cfg.PG.DSN,
		MaxOpenConns: cfg.PG.MaxOpenConns,
		MaxIdleConns: cfg.PG.MaxIdleConns,
		Schema:       cfg.PG.Schema,
	}, logger)
	if err != nil {
		logger.Error("database unreachable", zap.Error(err))
		return 2
	}
	defer st.Close()

	rlDeps := ratelimit.Deps{Buckets: st, Log: logger}
	if cfg.Bucket.Backend == ratelimit.BackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		rlDeps.Redis = rdb
	}
	limiters, err := ratelimit.NewProvider(cfg.Bucket, rlDeps)
	if err != nil {
		logger.Error("rate limiter init failed", zap.Error(err))
		return 2
	}

	mem, err := openmemory.New(cfg.OpenMemory.Client,
		limiters.For(openmemory.InstanceKey(cfg.OpenMemory.Client.BaseURL)), logger)
	if err != nil {
		logger.Error("openmemory client init failed", zap.Error(err))
		return 2
	}

	runner := syncrun.New(syncrun.Deps{
		Store:    st,
		Adapters: adapters.Factory(logger),
		Sink:     governance.New(st, mem, cfg.Governance, logger),
		Breakers: breaker.NewRegistry(cfg.Breaker, store.BreakerKV{Store: st}, logger),
		Limiters: limiters,
		Log:      logger,
	}, syncrun.Config{
		Project:       cfg.Governance.ProjectKey,
		HealthWindow:  cfg.Sync.Scheduler.ErrorBudgetWindowSize,
		LoopInterval:  *loopInterval,
		MaxIterations: *maxIterations,
		Backfill:      cfg.Backfill,
		Degrade:       cfg.Degrade,
	})

	rc := syncrun.RunnerContext{
		RepoID:           *repoID,
		JobType:          *jobType,
		DryRun:           *dryRun,
		Verbose:          *verbose,
		UpdateWatermark:  *updateWatermark,
		WindowChunkHours: *chunkHours,
		WindowChunkRevs:  *chunkRevs,
	}

	switch *mode {
	case "incremental":
		res := runner.RunIncremental(ctx, rc)
		printPass(res)
		return syncrun.ExitCode(res.Status)

	case "loop":
		results := runner.RunLoop(ctx, rc)
		status := store.RunSkipped
		synced := 0
		for _, r := range results {
			synced += r.ItemsSynced
		}
		if len(results) > 0 {
			status = results[len(results)-1].Status
		}
		printJSON(map[string]any{
			"mode":         "loop",
			"repo_id":      *repoID,
			"job_type":     *jobType,
			"passes":       len(results),
			"items_synced": synced,
			"status":       status,
		})
		return syncrun.ExitCode(status)

	case "backfill":
		req, err := backfillRequest(*since, *until, *startRev, *endRev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "engram-sync: %v\n", err)
			return 2
		}
		agg, err := runner.RunBackfill(ctx, rc, req)
		if err != nil {
			logger.Error("backfill rejected", zap.Error(err))
			return 2
		}
		status := agg.Status()
		printJSON(map[string]any{
			"mode":              "backfill",
			"repo_id":           *repoID,
			"job_type":          *jobType,
			"status":            status,
			"total_chunks":      agg.TotalChunks,
			"success_chunks":    agg.SuccessChunks,
			"partial_chunks":    agg.PartialChunks,
			"failed_chunks":     agg.FailedChunks,
			"items_synced":      agg.TotalItemsSynced,
			"watermark_updated": agg.WatermarkUpdated,
			"errors":            agg.Errors,
		})
		return syncrun.ExitCode(status)

	default:
		fmt.Fprintf(os.Stderr, "engram-sync: unknown mode %q\n", *mode)
		return 2
	}
}

// backfillRequest validates the range flags: exactly one of a time window or
// a revision window. Range sanity beyond that is the planner's call.
func backfillRequest(since, until string, startRev, endRev int64) (syncrun.BackfillRequest, error) {
	var req syncrun.BackfillRequest
	timed := since != "" || until != ""
	reved := startRev != 0 || endRev != 0
	switch {
	case timed && reved:
		return req, fmt.Errorf("give either -since/-until or -start_rev/-end_rev, not both")
	case !timed && !reved:
		return req, fmt.Errorf("backfill needs -since/-until or -start_rev/-end_rev")
	}
	if timed {
		var err error
		if since != "" {
			if req.Since, err = time.Parse(time.RFC3339, since); err != nil {
				return req, fmt.Errorf("bad -since: %w", err)
			}
		}
		if until != "" {
			if req.Until, err = time.Parse(time.RFC3339, until); err != nil {
				return req, fmt.Errorf("bad -until: %w", err)
			}
		}
		return req, nil
	}
	req.StartRev = startRev
	req.EndRev = endRev
	return req, nil
}

func printPass(res syncrun.SyncResult) {
	out := map[string]any{
		"mode":         res.Phase,
		"repo_id":      res.RepoID,
		"job_type":     res.JobType,
		"status":       res.Status,
		"items_synced": res.ItemsSynced,
		"items_failed": res.ItemsFailed,
	}
	if res.RunID != 0 {
		out["run_id"] = res.RunID
	}
	if res.SkipReason != "" {
		out["skip_reason"] = res.SkipReason
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	printJSON(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
