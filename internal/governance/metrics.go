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

package governance

import "github.com/prometheus/client_golang/prometheus"

var (
	writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_governance_writes_total",
		Help: "Governed writes by terminal action.",
	}, []string{"action"})

	violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_governance_policy_violations_total",
		Help: "Policy gate failures by reason.",
	}, []string{"reason"})

	updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_governance_updates_total",
		Help: "Governance setting updates by outcome.",
	}, []string{"outcome"})
)

// Register metrics eagerly so scrapes see the full set before the first
// write.
func init() {
	prometheus.MustRegister(writes, violations, updates)
}
