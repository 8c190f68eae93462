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

package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	scans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_scheduler_scans_total",
		Help: "Scheduler scan passes.",
	})

	emitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_scheduler_jobs_emitted_total",
		Help: "Jobs inserted by scans.",
	})

	skips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_scheduler_skips_total",
		Help: "Planner skips by reason.",
	}, []string{"reason"})

	blocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_scheduler_blocked_total",
		Help: "Scans closed by an admission gate.",
	}, []string{"gate"})

	enqueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_scheduler_enqueue_errors_total",
		Help: "Candidate inserts that failed.",
	})
)

// Register metrics eagerly so scrapes see the full set before the first
// scan.
func init() {
	prometheus.MustRegister(scans, emitted, skips, blocked, enqueueErrors)
}
