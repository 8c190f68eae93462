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

package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	claimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_outbox_claimed_total",
		Help: "Outbox rows claimed by this process.",
	})

	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_outbox_outcomes_total",
		Help: "Row attempt outcomes by kind.",
	}, []string{"outcome"})

	deliverySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_outbox_delivery_seconds",
		Help:    "Latency of memory-service delivery calls.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

// Register metrics eagerly so scrapes see the full set before the first
// batch is claimed.
func init() {
	prometheus.MustRegister(claimed, outcomes, deliverySeconds)
}
