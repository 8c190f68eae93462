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

package scm

import (
	"fmt"
	"net/url"
	"strings"
)

// InstanceKey identifies one upstream host for rate-limit scoping:
// "<family>:<host>[:<port>]", host lowercased, port kept only when explicit
// in the remote URL. All repos on one GitLab instance share one bucket no
// matter how many workers sync them.
func InstanceKey(vcsType, remoteURL string) (string, error) {
	family := "gitlab"
	if strings.EqualFold(vcsType, VCSSVN) {
		family = "svn"
	}

	raw := strings.TrimSpace(remoteURL)
	if raw == "" {
		return "", fmt.Errorf("instance key: empty remote url")
	}
	// scp-like git syntax (git@host:group/repo) has no scheme; normalize it
	// so url.Parse yields a host.
	if !strings.Contains(raw, "://") {
		if at := strings.Index(raw, "@"); at >= 0 {
			raw = raw[at+1:]
		}
		if colon := strings.Index(raw, ":"); colon >= 0 && !strings.Contains(raw[:colon], "/") {
			raw = raw[:colon] + "/" + raw[colon+1:]
		}
		raw = "ssh://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("instance key: parse %q: %w", remoteURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("instance key: no host in %q", remoteURL)
	}
	if port := u.Port(); port != "" {
		return fmt.Sprintf("%s:%s:%s", family, host, port), nil
	}
	return fmt.Sprintf("%s:%s", family, host), nil
}
