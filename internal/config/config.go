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

// Package config loads the process configuration from ENGRAM_* environment
// variables. Every knob has an explicit default here; constructors receive
// the typed sub-configs rather than reading the environment themselves.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"engram/internal/backfill"
	"engram/internal/breaker"
	"engram/internal/degrade"
	"engram/internal/governance"
	"engram/internal/openmemory"
	"engram/internal/outbox"
	"engram/internal/ratelimit"
	"engram/internal/scheduler"
)

// PG is the database and migration configuration.
type PG struct {
	DSN string
	// AdminDSN, when set, is used for the migration connection so role
	// grants can run with elevated privileges; serving always uses DSN.
	AdminDSN     string
	Schema       string
	ApplyRoles   bool
	PublicPolicy string
	MaxOpenConns int
	MaxIdleConns int
}

// HTTP sizes the ops server.
type HTTP struct {
	Addr string
}

// Log selects level and the optional rotating file sink.
type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Tracing configures the OTLP exporter; an empty endpoint disables it.
type Tracing struct {
	OTLPEndpoint string
}

// Redis locates the bucket backend when ENGRAM_BUCKET_BACKEND is redis.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// OpenMemory wraps the client config plus the schema the migrator provisions
// for the memory service.
type OpenMemory struct {
	Client openmemory.Config
	Schema string
}

// Outbox sizes the drain: how many workers and how each behaves.
type Outbox struct {
	Workers int
	Worker  outbox.Config
}

// Sync shapes the scheduler loop and the sync worker pool.
type Sync struct {
	GlobalConcurrency int
	ScanInterval      time.Duration
	JobMaxAttempts    int
	JobLease          time.Duration
	Scheduler         scheduler.Config
}

// Config is the whole environment-derived tree.
type Config struct {
	PG         PG
	HTTP       HTTP
	Log        Log
	Tracing    Tracing
	Redis      Redis
	OpenMemory OpenMemory
	Governance governance.Config
	Outbox     Outbox
	Sync       Sync
	Breaker    breaker.Config
	Bucket     ratelimit.Config
	Degrade    degrade.Config
	Backfill   backfill.Config
}

// Load reads the environment. It validates enum-valued knobs; whether a DSN
// is required depends on the binary, so emptiness is the caller's problem.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		PG: PG{
			DSN:          v.GetString("pg.dsn"),
			AdminDSN:     v.GetString("pg.admin_dsn"),
			Schema:       v.GetString("pg.schema"),
			ApplyRoles:   v.GetBool("pg.apply_roles"),
			PublicPolicy: v.GetString("pg.public_policy"),
			MaxOpenConns: v.GetInt("pg.max_open_conns"),
			MaxIdleConns: v.GetInt("pg.max_idle_conns"),
		},
		HTTP: HTTP{Addr: v.GetString("http.addr")},
		Log: Log{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Tracing: Tracing{OTLPEndpoint: v.GetString("otlp.endpoint")},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		OpenMemory: OpenMemory{
			Client: openmemory.Config{
				BaseURL:          v.GetString("openmemory.url"),
				Timeout:          seconds(v, "openmemory.timeout_seconds"),
				MaxClientRetries: v.GetInt("openmemory.max_client_retries"),
			},
			Schema: v.GetString("openmemory.schema"),
		},
		Governance: governance.Config{
			ProjectKey:         v.GetString("project.key"),
			AdminKey:           v.GetString("admin.key"),
			UnknownActorPolicy: v.GetString("unknown.actor_policy"),
		},
		Outbox: Outbox{
			Workers: v.GetInt("outbox.workers"),
			Worker: outbox.Config{
				BatchSize:    v.GetInt("outbox.batch_size"),
				MaxRetries:   v.GetInt("outbox.max_retries"),
				Lease:        seconds(v, "outbox.lease_seconds"),
				PollInterval: seconds(v, "outbox.poll_interval_seconds"),
				BackoffBase:  seconds(v, "outbox.backoff_base_seconds"),
				JitterFactor: v.GetFloat64("outbox.backoff_jitter"),
			},
		},
		Sync: Sync{
			GlobalConcurrency: v.GetInt("sync.global_concurrency"),
			ScanInterval:      seconds(v, "sync.scan_interval_seconds"),
			JobMaxAttempts:    v.GetInt("sync.job_max_attempts"),
			JobLease:          seconds(v, "sync.job_lease_seconds"),
			Scheduler:         schedulerConfig(v),
		},
		Breaker: breakerConfig(v),
		Bucket: ratelimit.Config{
			Backend: v.GetString("bucket.backend"),
			Rate:    v.GetFloat64("bucket.default_rate"),
			Burst:   v.GetFloat64("bucket.default_burst"),
		},
		Degrade: degradeConfig(v),
		Backfill: backfill.Config{
			MaxTotalWindowSeconds: v.GetInt64("backfill.max_total_window_seconds"),
			MaxChunksPerRequest:   v.GetInt("backfill.max_chunks_per_request"),
			SecondsPerRev:         v.GetInt64("backfill.seconds_per_rev"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func schedulerConfig(v *viper.Viper) scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxRunning = v.GetInt("sync.max_running")
	cfg.MaxQueueDepth = v.GetInt("sync.max_queue_depth")
	cfg.PerInstanceConcurrency = v.GetInt("sync.per_instance_concurrency")
	cfg.PerTenantConcurrency = v.GetInt("sync.per_tenant_concurrency")
	cfg.CursorAgeThreshold = seconds(v, "sync.cursor_age_threshold_seconds")
	cfg.ErrorBudgetThreshold = v.GetFloat64("sync.error_budget_threshold")
	cfg.ErrorBudgetWindowSize = v.GetInt("sync.error_budget_window_size")
	cfg.RateLimitHitThreshold = v.GetFloat64("sync.rate_limit_hit_threshold")
	cfg.MaxEnqueuePerScan = v.GetInt("sync.max_enqueue_per_scan")
	cfg.EnableTenantFairness = v.GetBool("sync.enable_tenant_fairness")
	cfg.TenantFairnessMaxPerRound = v.GetInt("sync.tenant_fairness_max_per_round")
	cfg.MVPJobTypes = splitList(v.GetString("sync.mvp_job_types"))
	return cfg
}

func breakerConfig(v *viper.Viper) breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.FailureRateThreshold = v.GetFloat64("cb.failure_rate_threshold")
	cfg.RateLimitRateThreshold = v.GetFloat64("cb.rate_limit_rate_threshold")
	cfg.TimeoutRateThreshold = v.GetFloat64("cb.timeout_rate_threshold")
	cfg.MinSamples = v.GetInt("cb.min_samples")
	cfg.EnableSmoothing = v.GetBool("cb.enable_smoothing")
	cfg.SmoothingAlpha = v.GetFloat64("cb.smoothing_alpha")
	cfg.OpenDuration = seconds(v, "cb.open_duration_seconds")
	cfg.RecoverySuccessCount = v.GetInt("cb.recovery_success_count")
	cfg.ProbeBudgetPerInterval = v.GetInt("cb.probe_budget_per_interval")
	cfg.ProbeJobTypes = splitList(v.GetString("cb.probe_job_types_allowlist"))
	cfg.AllowBackfillWhenOpen = v.GetBool("cb.allow_backfill_when_open")
	return cfg
}

func degradeConfig(v *viper.Viper) degrade.Config {
	cfg := degrade.DefaultConfig()
	cfg.DefaultBatchSize = v.GetInt("degrade.batch_default")
	cfg.MinBatchSize = v.GetInt("degrade.batch_min")
	cfg.BatchShrinkFactor = v.GetFloat64("degrade.batch_shrink_factor")
	cfg.BatchGrowFactor = v.GetFloat64("degrade.batch_grow_factor")
	cfg.DefaultForwardWindow = seconds(v, "degrade.window_default_seconds")
	cfg.MinForwardWindow = seconds(v, "degrade.window_min_seconds")
	cfg.WindowShrinkFactor = v.GetFloat64("degrade.window_shrink_factor")
	cfg.SleepBase = seconds(v, "degrade.sleep_base_seconds")
	cfg.SleepMax = seconds(v, "degrade.sleep_max_seconds")
	cfg.RateLimitedThreshold = v.GetInt("degrade.rate_limited_threshold")
	cfg.ContentTooLargeThreshold = v.GetInt("degrade.content_too_large_threshold")
	cfg.TimeoutThreshold = v.GetInt("degrade.timeout_threshold")
	cfg.ServerErrorThreshold = v.GetInt("degrade.server_error_threshold")
	cfg.RecoverySuccessThreshold = v.GetInt("degrade.recovery_success_threshold")
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pg.dsn", "")
	v.SetDefault("pg.admin_dsn", "")
	v.SetDefault("pg.schema", "public")
	v.SetDefault("pg.apply_roles", false)
	v.SetDefault("pg.public_policy", "strict")
	v.SetDefault("pg.max_open_conns", 10)
	v.SetDefault("pg.max_idle_conns", 5)

	v.SetDefault("http.addr", ":8787")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("otlp.endpoint", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("openmemory.url", "http://127.0.0.1:8765")
	v.SetDefault("openmemory.timeout_seconds", 10)
	v.SetDefault("openmemory.max_client_retries", 0)
	v.SetDefault("openmemory.schema", "openmemory")

	v.SetDefault("project.key", "default")
	v.SetDefault("admin.key", "")
	v.SetDefault("unknown.actor_policy", governance.ActorPolicyDegrade)

	v.SetDefault("outbox.workers", 2)
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.max_retries", 8)
	v.SetDefault("outbox.lease_seconds", 60)
	v.SetDefault("outbox.poll_interval_seconds", 5)
	v.SetDefault("outbox.backoff_base_seconds", 30)
	v.SetDefault("outbox.backoff_jitter", 0.2)

	v.SetDefault("sync.global_concurrency", 4)
	v.SetDefault("sync.max_running", 8)
	v.SetDefault("sync.max_queue_depth", 64)
	v.SetDefault("sync.per_instance_concurrency", 2)
	v.SetDefault("sync.per_tenant_concurrency", 2)
	v.SetDefault("sync.cursor_age_threshold_seconds", 3600)
	v.SetDefault("sync.error_budget_threshold", 0.5)
	v.SetDefault("sync.error_budget_window_size", 10)
	v.SetDefault("sync.rate_limit_hit_threshold", 0.1)
	v.SetDefault("sync.max_enqueue_per_scan", 16)
	v.SetDefault("sync.enable_tenant_fairness", true)
	v.SetDefault("sync.tenant_fairness_max_per_round", 2)
	v.SetDefault("sync.scan_interval_seconds", 30)
	v.SetDefault("sync.mvp_job_types", "")
	v.SetDefault("sync.job_max_attempts", 5)
	v.SetDefault("sync.job_lease_seconds", 300)

	v.SetDefault("cb.failure_rate_threshold", 0.5)
	v.SetDefault("cb.rate_limit_rate_threshold", 0.3)
	v.SetDefault("cb.timeout_rate_threshold", 0.4)
	v.SetDefault("cb.min_samples", 5)
	v.SetDefault("cb.enable_smoothing", true)
	v.SetDefault("cb.smoothing_alpha", 0.5)
	v.SetDefault("cb.open_duration_seconds", 300)
	v.SetDefault("cb.recovery_success_count", 3)
	v.SetDefault("cb.probe_budget_per_interval", 2)
	v.SetDefault("cb.probe_job_types_allowlist", "gitlab_commits")
	v.SetDefault("cb.allow_backfill_when_open", false)

	v.SetDefault("bucket.backend", ratelimit.BackendPostgres)
	v.SetDefault("bucket.default_rate", 5.0)
	v.SetDefault("bucket.default_burst", 10.0)

	v.SetDefault("degrade.batch_default", 50)
	v.SetDefault("degrade.batch_min", 5)
	v.SetDefault("degrade.batch_shrink_factor", 0.5)
	v.SetDefault("degrade.batch_grow_factor", 1.5)
	v.SetDefault("degrade.window_default_seconds", 3600)
	v.SetDefault("degrade.window_min_seconds", 300)
	v.SetDefault("degrade.window_shrink_factor", 0.5)
	v.SetDefault("degrade.sleep_base_seconds", 2)
	v.SetDefault("degrade.sleep_max_seconds", 300)
	v.SetDefault("degrade.rate_limited_threshold", 2)
	v.SetDefault("degrade.content_too_large_threshold", 2)
	v.SetDefault("degrade.timeout_threshold", 3)
	v.SetDefault("degrade.server_error_threshold", 3)
	v.SetDefault("degrade.recovery_success_threshold", 3)

	v.SetDefault("backfill.max_total_window_seconds", 604800)
	v.SetDefault("backfill.max_chunks_per_request", 100)
	v.SetDefault("backfill.seconds_per_rev", 3600)
}

func (c *Config) validate() error {
	switch c.PG.PublicPolicy {
	case "strict", "openmemory":
	default:
		return fmt.Errorf("config: unknown public policy %q", c.PG.PublicPolicy)
	}
	switch c.Governance.UnknownActorPolicy {
	case governance.ActorPolicyReject, governance.ActorPolicyDegrade, governance.ActorPolicyAutoCreate:
	default:
		return fmt.Errorf("config: unknown actor policy %q", c.Governance.UnknownActorPolicy)
	}
	switch c.Bucket.Backend {
	case ratelimit.BackendPostgres, ratelimit.BackendMemory:
	case ratelimit.BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis bucket backend requires ENGRAM_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown bucket backend %q", c.Bucket.Backend)
	}
	return nil
}

// seconds reads an integer-seconds knob as a duration.
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Second
}

// splitList parses a comma-separated env value, dropping empties.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
