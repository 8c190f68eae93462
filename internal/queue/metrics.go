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

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_queue_enqueues_total",
		Help: "Enqueue attempts by outcome (enqueued, duplicate).",
	}, []string{"outcome"})

	claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_queue_claims_total",
		Help: "Claim attempts by outcome (claimed, empty).",
	}, []string{"outcome"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_queue_transitions_total",
		Help: "Terminal and requeue transitions by resulting status.",
	}, []string{"status"})
)

// Register metrics eagerly so scrapes see zeroed series before the first
// claim.
func init() {
	prometheus.MustRegister(enqueues, claims, transitions)
}
