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

package breaker

import "github.com/prometheus/client_golang/prometheus"

var (
	// Scope cardinality is bounded: one global scope plus one per upstream
	// instance, tenant, and pool.
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engram_breaker_state",
		Help: "Current breaker state per scope (0=closed, 1=open, 2=half_open)",
	}, []string{"scope"})
	tripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_breaker_trips_total",
		Help: "Circuit open transitions per scope and triggering reason",
	}, []string{"scope", "reason"})
	probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_breaker_probes_total",
		Help: "Probe outcomes observed while half-open",
	}, []string{"scope", "outcome"})
)

func init() {
	// Register metrics eagerly. If no Prometheus endpoint is exposed, the registration is harmless.
	prometheus.MustRegister(stateGauge, tripsTotal, probesTotal)
}
