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

import (
	"fmt"
	"strings"
)

// ScopeKey identifies one breaker partition. Canonical is the key written to
// the store; Legacy lists older key formats that are still consulted on reads
// so state written before the scope-kind segment was introduced is not lost.
// Legacy keys are never written.
type ScopeKey struct {
	Canonical string
	Legacy    []string
}

// GlobalScope covers a whole project.
func GlobalScope(project string) ScopeKey {
	return ScopeKey{
		Canonical: project + ":global",
		Legacy:    []string{project},
	}
}

// InstanceScope covers one upstream instance, keyed by its normalized
// instance key (see scm.InstanceKey).
func InstanceScope(project, instanceKey string) ScopeKey {
	return ScopeKey{
		Canonical: fmt.Sprintf("%s:instance:%s", project, strings.ToLower(instanceKey)),
		Legacy:    []string{fmt.Sprintf("%s:%s", project, strings.ToLower(instanceKey))},
	}
}

// TenantScope covers one tenant.
func TenantScope(project, tenantID string) ScopeKey {
	return ScopeKey{Canonical: fmt.Sprintf("%s:tenant:%s", project, tenantID)}
}

// PoolScope covers a named worker pool.
func PoolScope(project, pool string) ScopeKey {
	return ScopeKey{Canonical: fmt.Sprintf("%s:pool:%s", project, pool)}
}
