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

import "github.com/prometheus/client_golang/prometheus"

var (
	passes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_syncrun_passes_total",
		Help: "Sync passes by job type and final status.",
	}, []string{"job_type", "status"})

	items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_syncrun_items_total",
		Help: "Items pushed through the governance gate by result.",
	}, []string{"job_type", "result"})

	passSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_syncrun_pass_seconds",
		Help:    "Wall time of one fetch pass.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	chunkOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_syncrun_backfill_chunks_total",
		Help: "Backfill chunk outcomes by status.",
	}, []string{"status"})

	breakerSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_syncrun_breaker_skips_total",
		Help: "Passes refused by breaker admission, by reason.",
	}, []string{"reason"})

	jobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_syncrun_jobs_total",
		Help: "Queue jobs settled by this worker, by job type and status.",
	}, []string{"job_type", "status"})
)

// Register metrics eagerly so scrapes see the full set before the first
// pass runs.
func init() {
	prometheus.MustRegister(passes, items, passSeconds, chunkOutcomes, breakerSkips, jobOutcomes)
}
