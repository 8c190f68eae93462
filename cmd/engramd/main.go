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

// Package main runs engramd, the pipeline daemon. One process migrates the
// database, then drives every background loop: outbox delivery workers, sync
// job workers, the scheduler scan, hourly store maintenance, and the ops
// HTTP surface. Configuration comes entirely from ENGRAM_* environment
// variables; see internal/config for the full table.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"engram/internal/adapters"
	"engram/internal/breaker"
	"engram/internal/config"
	"engram/internal/governance"
	"engram/internal/logging"
	"engram/internal/openmemory"
	"engram/internal/ops"
	"engram/internal/outbox"
	"engram/internal/queue"
	"engram/internal/ratelimit"
	"engram/internal/scheduler"
	"engram/internal/store"
	"engram/internal/syncrun"
	"engram/internal/tracing"
)

const (
	dbConnectAttempts = 5
	shutdownGrace     = 5 * time.Second
	bucketIdleAge     = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("engramd: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("engramd: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.PG.DSN == "" {
		logger.Fatal("ENGRAM_PG_DSN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceShutdown, err := tracing.Setup(ctx, cfg.Tracing.OTLPEndpoint, "engramd")
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	// Database first: nothing below can serve without it, and a failed
	// migration must refuse to start the workers.
	st := connect(ctx, cfg, logger)
	defer st.Close()
	migrate(ctx, st, cfg, logger)

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
		logger.Fatal("rate limiter init failed", zap.Error(err))
	}

	breakers := breaker.NewRegistry(cfg.Breaker, store.BreakerKV{Store: st}, logger)

	jobs := queue.New(st, queue.Options{
		JobTypes:           cfg.Sync.Scheduler.MVPJobTypes,
		TenantFairClaim:    cfg.Sync.Scheduler.EnableTenantFairness,
		DefaultMaxAttempts: cfg.Sync.JobMaxAttempts,
		DefaultLease:       cfg.Sync.JobLease,
		Log:                logger,
	})

	memLimiter := limiters.For(openmemory.InstanceKey(cfg.OpenMemory.Client.BaseURL))
	mem, err := openmemory.New(cfg.OpenMemory.Client, memLimiter, logger)
	if err != nil {
		logger.Fatal("openmemory client init failed", zap.Error(err))
	}

	gov := governance.New(st, mem, cfg.Governance, logger)

	runner := syncrun.New(syncrun.Deps{
		Store:    st,
		Adapters: adapters.Factory(logger),
		Sink:     gov,
		Breakers: breakers,
		Limiters: limiters,
		Log:      logger,
	}, syncrun.Config{
		Project:      cfg.Governance.ProjectKey,
		HealthWindow: cfg.Sync.Scheduler.ErrorBudgetWindowSize,
		Backfill:     cfg.Backfill,
		Degrade:      cfg.Degrade,
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Outbox.Workers; i++ {
		w := outbox.NewWorker(st, mem, memLimiter, cfg.Outbox.Worker, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker exited", zap.Error(err))
			}
		}()
	}
	for i := 0; i < cfg.Sync.GlobalConcurrency; i++ {
		w := syncrun.NewWorker(runner, jobs, syncrun.WorkerConfig{}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sync worker exited", zap.Error(err))
			}
		}()
	}

	scanner := scheduler.NewScanner(st, jobs, cfg.Sync.Scheduler, logger)
	cr := cron.New()
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", cfg.Sync.ScanInterval), func() {
		sctx, scancel := context.WithTimeout(ctx, cfg.Sync.ScanInterval)
		defer scancel()
		n, err := scanner.ScanOnce(sctx)
		if err != nil {
			logger.Error("scheduler scan failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("scheduler scan enqueued jobs", zap.Int("enqueued", n))
		}
	}); err != nil {
		logger.Fatal("cron scan registration failed", zap.Error(err))
	}
	if _, err := cr.AddFunc("@every 1h", func() {
		maintain(ctx, st, cfg, logger)
	}); err != nil {
		logger.Fatal("cron maintenance registration failed", zap.Error(err))
	}
	cr.Start()

	opsServer := ops.NewServer(st, gov, breakers, ops.Config{
		Project:  cfg.Governance.ProjectKey,
		AdminKey: cfg.Governance.AdminKey,
	}, logger)
	httpServer := opsServer.HTTPServer(cfg.HTTP.Addr)
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	logger.Info("engramd started",
		zap.Int("outbox_workers", cfg.Outbox.Workers),
		zap.Int("sync_workers", cfg.Sync.GlobalConcurrency),
		zap.Duration("scan_interval", cfg.Sync.ScanInterval),
		zap.String("bucket_backend", cfg.Bucket.Backend))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	// Stop feeding new work, drain the workers, then close the front door.
	<-cr.Stop().Done()
	cancel()
	wg.Wait()

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shCancel()
	if err := httpServer.Shutdown(shCtx); err != nil {
		logger.Warn("ops server shutdown incomplete", zap.Error(err))
	}
	if err := traceShutdown(shCtx); err != nil {
		logger.Warn("trace flush incomplete", zap.Error(err))
	}
	logger.Info("engramd stopped")
}

// connect opens the pool, retrying while the database comes up. Orchestrated
// deployments regularly start the daemon before Postgres answers.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) *store.Store {
	sc := store.Config{
		DSN:          cfg.PG.DSN,
		MaxOpenConns: cfg.PG.MaxOpenConns,
		MaxIdleConns: cfg.PG.MaxIdleConns,
		Schema:       cfg.PG.Schema,
	}
	for attempt := 1; ; attempt++ {
		st, err := store.Open(ctx, sc, logger)
		if err == nil {
			return st
		}
		if attempt >= dbConnectAttempts {
			logger.Fatal("database unreachable",
				zap.Int("attempts", attempt), zap.Error(err))
		}
		logger.Warn("database not ready, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
}

// migrate brings the schema up, over the admin connection when one is
// configured so role grants can run with elevated privileges.
func migrate(ctx context.Context, st *store.Store, cfg *config.Config, logger *zap.Logger) {
	target := st
	if cfg.PG.AdminDSN != "" {
		admin, err := store.Open(ctx, store.Config{DSN: cfg.PG.AdminDSN, Schema: cfg.PG.Schema}, logger)
		if err != nil {
			logger.Fatal("admin connection failed", zap.Error(err))
		}
		defer admin.Close()
		target = admin
	}
	mctx, mcancel := context.WithTimeout(ctx, 2*time.Minute)
	defer mcancel()
	err := target.Migrate(mctx, cfg.PG.Schema, store.MigrateOptions{
		ApplyRoles:       cfg.PG.ApplyRoles,
		PublicPolicy:     cfg.PG.PublicPolicy,
		OpenMemorySchema: cfg.OpenMemory.Schema,
	})
	if err != nil {
		logger.Fatal("migration failed, refusing to serve", zap.Error(err))
	}
}

// maintain refreshes derived facts and trims dead weight. Failures only log;
// the next tick retries.
func maintain(ctx context.Context, st *store.Store, cfg *config.Config, logger *zap.Logger) {
	mctx, mcancel := context.WithTimeout(ctx, time.Minute)
	defer mcancel()

	if err := st.RefreshActivityFacts(mctx); err != nil {
		logger.Warn("activity facts refresh failed", zap.Error(err))
	}

	keep := cfg.Sync.Scheduler.ErrorBudgetWindowSize * 10
	if keep < 100 {
		keep = 100
	}
	if n, err := st.PruneSyncRuns(mctx, keep); err != nil {
		logger.Warn("run prune failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("pruned old sync runs", zap.Int64("rows", n))
	}

	if n, err := st.ReapIdleBuckets(mctx, time.Now().Add(-bucketIdleAge)); err != nil {
		logger.Warn("bucket reap failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("reaped idle buckets", zap.Int64("rows", n))
	}
}
