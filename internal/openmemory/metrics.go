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

package openmemory

import "github.com/prometheus/client_golang/prometheus"

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_memory_requests_total",
		Help: "Memory service calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engram_memory_request_seconds",
		Help:    "Memory service call latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_memory_rate_limited_total",
		Help: "429 responses from the memory service.",
	})
)

// Register metrics eagerly so scrapes see zeroed series before the first
// call.
func init() {
	prometheus.MustRegister(requests, requestSeconds, rateLimited)
}
