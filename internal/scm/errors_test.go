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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net down" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return true }

// TestClassify_HTTPStatuses checks the wire taxonomy mapping for the status
// codes that decide the unrecoverable/recoverable split.
func TestClassify_HTTPStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   Category
	}{
		{429, CategoryRateLimited},
		{500, CategoryServerError},
		{502, CategoryServerError},
		{401, CategoryAuthError},
		{403, CategoryAuthError},
		{404, CategoryClientError},
		{413, CategoryContentTooLarge},
	}
	for _, c := range cases {
		got := Classify(&RequestError{Status: c.status})
		if got != c.want {
			t.Errorf("status %d: got %s want %s", c.status, got, c.want)
		}
	}
}

// TestClassify_TransportErrors checks deadline and network error mapping,
// including errors wrapped by intermediate layers.
func TestClassify_TransportErrors(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != CategoryTimeout {
		t.Errorf("deadline: got %s", got)
	}
	wrapped := fmt.Errorf("fetch page 3: %w", context.DeadlineExceeded)
	if got := Classify(wrapped); got != CategoryTimeout {
		t.Errorf("wrapped deadline: got %s", got)
	}
	if got := Classify(fakeNetErr{timeout: true}); got != CategoryTimeout {
		t.Errorf("net timeout: got %s", got)
	}
	if got := Classify(fakeNetErr{timeout: false}); got != CategoryNetworkError {
		t.Errorf("net error: got %s", got)
	}
	if got := Classify(errors.New("mystery")); got != CategoryUnknown {
		t.Errorf("unknown: got %s", got)
	}
}

// TestClassify_TypedErrors checks the adapter-level typed errors.
func TestClassify_TypedErrors(t *testing.T) {
	if got := Classify(&ParseError{Err: errors.New("bad json")}); got != CategoryParseError {
		t.Errorf("parse: got %s", got)
	}
	if got := Classify(&ContentTooLargeError{Size: 1 << 30}); got != CategoryContentTooLarge {
		t.Errorf("too large: got %s", got)
	}
	// RequestError with no status falls through to transport classification.
	if got := Classify(&RequestError{Err: fakeNetErr{}}); got != CategoryNetworkError {
		t.Errorf("request wrapping net err: got %s", got)
	}
}

// TestCategory_UnrecoverableSet pins the unrecoverable set to exactly the
// five wire categories the adaptive loop is allowed to react to.
func TestCategory_UnrecoverableSet(t *testing.T) {
	unrecoverable := []Category{CategoryRateLimited, CategoryServerError, CategoryTimeout, CategoryAuthError, CategoryNetworkError}
	for _, c := range unrecoverable {
		if !c.Unrecoverable() {
			t.Errorf("%s should be unrecoverable", c)
		}
	}
	recoverable := []Category{CategoryClientError, CategoryContentTooLarge, CategoryParseError, CategoryUnknown}
	for _, c := range recoverable {
		if c.Unrecoverable() {
			t.Errorf("%s should be recoverable", c)
		}
	}
}

// TestRateLimitHint_Until verifies the later of retry-after and reset wins.
func TestRateLimitHint_Until(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	h := RateLimitHint{RetryAfter: time.Minute}
	if got := h.Until(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("retry-after only: got %v", got)
	}

	h = RateLimitHint{RetryAfter: time.Minute, ResetTime: now.Add(5 * time.Minute)}
	if got := h.Until(now); !got.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("reset beyond retry-after should win: got %v", got)
	}

	h = RateLimitHint{}
	if got := h.Until(now); !got.Equal(now) {
		t.Fatalf("empty hint should resolve to now: got %v", got)
	}
}

// TestInstanceKey covers scheme, port, case and scp-like normalization.
func TestInstanceKey(t *testing.T) {
	cases := []struct {
		vcs, url, want string
	}{
		{VCSGit, "https://GitLab.Example.com/group/repo.git", "gitlab:gitlab.example.com"},
		{VCSGit, "https://gitlab.example.com:8443/group/repo.git", "gitlab:gitlab.example.com:8443"},
		{VCSGit, "git@gitlab.example.com:group/repo.git", "gitlab:gitlab.example.com"},
		{VCSSVN, "https://svn.example.com/repos/main", "svn:svn.example.com"},
	}
	for _, c := range cases {
		got, err := InstanceKey(c.vcs, c.url)
		if err != nil {
			t.Fatalf("InstanceKey(%q): %v", c.url, err)
		}
		if got != c.want {
			t.Errorf("InstanceKey(%q) = %q, want %q", c.url, got, c.want)
		}
	}

	if _, err := InstanceKey(VCSGit, ""); err == nil {
		t.Fatalf("empty url should error")
	}
}
