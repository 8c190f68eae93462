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

// Package adapters is the linkage seam for concrete SCM clients. The core
// repository ships only the scm.Adapter contract; deployment builds blank-
// import their adapter packages, whose init functions call Register, the same
// way database/sql drivers announce themselves.
package adapters

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"engram/internal/scm"
	"engram/internal/store"
	"engram/internal/syncrun"
)

// BuildFunc constructs the adapter for one repo.
type BuildFunc func(repo *store.RepoRow, log *zap.Logger) (scm.Adapter, error)

var (
	mu       sync.Mutex
	builders = map[string]BuildFunc{}
)

// Register installs the builder for a vcs type. A later registration replaces
// an earlier one so tests can swap fakes in.
func Register(vcsType string, build BuildFunc) {
	mu.Lock()
	defer mu.Unlock()
	builders[vcsType] = build
}

// Factory resolves per-repo adapters from the registered builders. A job for
// an unregistered vcs type fails its attempt and retries on the normal
// backoff schedule, so a partially linked build degrades loudly instead of
// wedging the queue.
func Factory(log *zap.Logger) syncrun.AdapterFactory {
	return func(repo *store.RepoRow) (scm.Adapter, error) {
		mu.Lock()
		build, ok := builders[repo.VCSType]
		mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no scm adapter registered for vcs type %q", repo.VCSType)
		}
		return build(repo, log)
	}
}
