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

package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"engram/internal/governance"
	"engram/internal/ratelimit"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PG.Schema != "public" || cfg.PG.PublicPolicy != "strict" {
		t.Fatalf("pg defaults = %q/%q", cfg.PG.Schema, cfg.PG.PublicPolicy)
	}
	if cfg.HTTP.Addr != ":8787" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "info" || cfg.Log.MaxSizeMB != 100 {
		t.Fatalf("log defaults = %q/%d", cfg.Log.Level, cfg.Log.MaxSizeMB)
	}
	if cfg.OpenMemory.Client.BaseURL != "http://127.0.0.1:8765" {
		t.Fatalf("openmemory url = %q", cfg.OpenMemory.Client.BaseURL)
	}
	if cfg.OpenMemory.Client.Timeout != 10*time.Second {
		t.Fatalf("openmemory timeout = %v", cfg.OpenMemory.Client.Timeout)
	}
	if cfg.OpenMemory.Schema != "openmemory" {
		t.Fatalf("openmemory schema = %q", cfg.OpenMemory.Schema)
	}
	if cfg.Governance.ProjectKey != "default" {
		t.Fatalf("project key = %q", cfg.Governance.ProjectKey)
	}
	if cfg.Governance.UnknownActorPolicy != governance.ActorPolicyDegrade {
		t.Fatalf("actor policy = %q", cfg.Governance.UnknownActorPolicy)
	}
	if cfg.Outbox.Workers != 2 || cfg.Outbox.Worker.BatchSize != 10 {
		t.Fatalf("outbox defaults = %d/%d", cfg.Outbox.Workers, cfg.Outbox.Worker.BatchSize)
	}
	if cfg.Outbox.Worker.Lease != time.Minute || cfg.Outbox.Worker.MaxRetries != 8 {
		t.Fatalf("outbox worker = lease %v retries %d", cfg.Outbox.Worker.Lease, cfg.Outbox.Worker.MaxRetries)
	}
	if cfg.Sync.GlobalConcurrency != 4 || cfg.Sync.ScanInterval != 30*time.Second {
		t.Fatalf("sync defaults = %d/%v", cfg.Sync.GlobalConcurrency, cfg.Sync.ScanInterval)
	}
	if cfg.Sync.JobMaxAttempts != 5 || cfg.Sync.JobLease != 5*time.Minute {
		t.Fatalf("job defaults = %d/%v", cfg.Sync.JobMaxAttempts, cfg.Sync.JobLease)
	}
	if cfg.Sync.Scheduler.MaxRunning != 8 || cfg.Sync.Scheduler.MaxQueueDepth != 64 {
		t.Fatalf("scheduler caps = %d/%d", cfg.Sync.Scheduler.MaxRunning, cfg.Sync.Scheduler.MaxQueueDepth)
	}
	if cfg.Sync.Scheduler.CursorAgeThreshold != time.Hour {
		t.Fatalf("cursor age = %v", cfg.Sync.Scheduler.CursorAgeThreshold)
	}
	if len(cfg.Sync.Scheduler.MVPJobTypes) != 0 {
		t.Fatalf("mvp job types should default empty, got %v", cfg.Sync.Scheduler.MVPJobTypes)
	}
	if cfg.Breaker.TimeoutRateThreshold != 0.4 || cfg.Breaker.OpenDuration != 5*time.Minute {
		t.Fatalf("breaker defaults = %v/%v", cfg.Breaker.TimeoutRateThreshold, cfg.Breaker.OpenDuration)
	}
	if !reflect.DeepEqual(cfg.Breaker.ProbeJobTypes, []string{"gitlab_commits"}) {
		t.Fatalf("probe job types = %v", cfg.Breaker.ProbeJobTypes)
	}
	if cfg.Breaker.AllowBackfillWhenOpen {
		t.Fatalf("backfill-when-open should default off")
	}
	// Knobs without an env binding keep the package defaults.
	if cfg.Breaker.DegradedBatchSize == 0 || cfg.Breaker.DefaultBatchSize == 0 {
		t.Fatalf("breaker envelope defaults missing: %+v", cfg.Breaker)
	}
	if cfg.Bucket.Backend != ratelimit.BackendPostgres || cfg.Bucket.Rate != 5.0 || cfg.Bucket.Burst != 10.0 {
		t.Fatalf("bucket defaults = %+v", cfg.Bucket)
	}
	if cfg.Degrade.SleepBase != 2*time.Second || cfg.Degrade.MinForwardWindow != 5*time.Minute {
		t.Fatalf("degrade defaults = %v/%v", cfg.Degrade.SleepBase, cfg.Degrade.MinForwardWindow)
	}
	if cfg.Backfill.MaxTotalWindowSeconds != 604800 || cfg.Backfill.MaxChunksPerRequest != 100 {
		t.Fatalf("backfill defaults = %+v", cfg.Backfill)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ENGRAM_PG_DSN", "postgres://engram:secret@db/engram")
	t.Setenv("ENGRAM_PG_SCHEMA", "engram")
	t.Setenv("ENGRAM_PG_APPLY_ROLES", "true")
	t.Setenv("ENGRAM_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("ENGRAM_LOG_LEVEL", "debug")
	t.Setenv("ENGRAM_OPENMEMORY_URL", "http://mem.internal:9000")
	t.Setenv("ENGRAM_OPENMEMORY_TIMEOUT_SECONDS", "3")
	t.Setenv("ENGRAM_PROJECT_KEY", "acme")
	t.Setenv("ENGRAM_ADMIN_KEY", "s3cret")
	t.Setenv("ENGRAM_UNKNOWN_ACTOR_POLICY", "auto_create")
	t.Setenv("ENGRAM_OUTBOX_WORKERS", "5")
	t.Setenv("ENGRAM_OUTBOX_LEASE_SECONDS", "120")
	t.Setenv("ENGRAM_SYNC_GLOBAL_CONCURRENCY", "9")
	t.Setenv("ENGRAM_SYNC_SCAN_INTERVAL_SECONDS", "7")
	t.Setenv("ENGRAM_SYNC_MVP_JOB_TYPES", "gitlab_commits, svn_commits")
	t.Setenv("ENGRAM_CB_OPEN_DURATION_SECONDS", "60")
	t.Setenv("ENGRAM_CB_PROBE_JOB_TYPES_ALLOWLIST", "gitlab_commits,gitlab_mrs")
	t.Setenv("ENGRAM_BUCKET_DEFAULT_RATE", "2.5")
	t.Setenv("ENGRAM_DEGRADE_BATCH_MIN", "3")
	t.Setenv("ENGRAM_BACKFILL_SECONDS_PER_REV", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PG.DSN != "postgres://engram:secret@db/engram" || cfg.PG.Schema != "engram" || !cfg.PG.ApplyRoles {
		t.Fatalf("pg = %+v", cfg.PG)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.OpenMemory.Client.BaseURL != "http://mem.internal:9000" || cfg.OpenMemory.Client.Timeout != 3*time.Second {
		t.Fatalf("openmemory = %+v", cfg.OpenMemory.Client)
	}
	if cfg.Governance.ProjectKey != "acme" || cfg.Governance.AdminKey != "s3cret" {
		t.Fatalf("governance = %+v", cfg.Governance)
	}
	if cfg.Governance.UnknownActorPolicy != governance.ActorPolicyAutoCreate {
		t.Fatalf("actor policy = %q", cfg.Governance.UnknownActorPolicy)
	}
	if cfg.Outbox.Workers != 5 || cfg.Outbox.Worker.Lease != 2*time.Minute {
		t.Fatalf("outbox = workers %d lease %v", cfg.Outbox.Workers, cfg.Outbox.Worker.Lease)
	}
	if cfg.Sync.GlobalConcurrency != 9 || cfg.Sync.ScanInterval != 7*time.Second {
		t.Fatalf("sync = %d/%v", cfg.Sync.GlobalConcurrency, cfg.Sync.ScanInterval)
	}
	if !reflect.DeepEqual(cfg.Sync.Scheduler.MVPJobTypes, []string{"gitlab_commits", "svn_commits"}) {
		t.Fatalf("mvp job types = %v", cfg.Sync.Scheduler.MVPJobTypes)
	}
	if cfg.Breaker.OpenDuration != time.Minute {
		t.Fatalf("open duration = %v", cfg.Breaker.OpenDuration)
	}
	if !reflect.DeepEqual(cfg.Breaker.ProbeJobTypes, []string{"gitlab_commits", "gitlab_mrs"}) {
		t.Fatalf("probe job types = %v", cfg.Breaker.ProbeJobTypes)
	}
	if cfg.Bucket.Rate != 2.5 {
		t.Fatalf("bucket rate = %v", cfg.Bucket.Rate)
	}
	if cfg.Degrade.MinBatchSize != 3 {
		t.Fatalf("degrade min batch = %d", cfg.Degrade.MinBatchSize)
	}
	if cfg.Backfill.SecondsPerRev != 120 {
		t.Fatalf("seconds per rev = %d", cfg.Backfill.SecondsPerRev)
	}
}

func TestLoadRejectsBadEnums(t *testing.T) {
	cases := []struct {
		env, val, want string
	}{
		{"ENGRAM_PG_PUBLIC_POLICY", "wide_open", "public policy"},
		{"ENGRAM_UNKNOWN_ACTOR_POLICY", "shrug", "actor policy"},
		{"ENGRAM_BUCKET_BACKEND", "etcd", "bucket backend"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv(tc.env, tc.val)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadRedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("ENGRAM_BUCKET_BACKEND", "redis")
	if _, err := Load(); err == nil {
		t.Fatalf("redis backend without addr should fail")
	}
	t.Setenv("ENGRAM_REDIS_ADDR", "redis.internal:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket.Backend != ratelimit.BackendRedis || cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis config = %+v / %+v", cfg.Bucket, cfg.Redis)
	}
}
