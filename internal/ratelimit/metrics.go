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

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	acquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engram_ratelimit_wait_seconds",
		Help:    "Time acquires spent waiting out token debt or pause windows.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"backend"})

	acquireTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_ratelimit_timeouts_total",
		Help: "Acquires abandoned because the wait exceeded the caller timeout.",
	}, []string{"backend"})

	upstream429 = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_ratelimit_429_total",
		Help: "Upstream 429 responses reported to the limiter.",
	}, []string{"instance"})
)

// Register metrics eagerly so scrapes see zeroed series before the first
// acquire.
func init() {
	prometheus.MustRegister(acquireWait, acquireTimeouts, upstream429)
}
