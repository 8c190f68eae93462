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
	"net"
	"net/http"
	"time"
)

// Category classifies one upstream failure on the wire. The unrecoverable set
// feeds the degradation controller and circuit breaker; recoverable
// categories are handled inside a loop iteration.
type Category string

const (
	CategoryRateLimited     Category = "rate_limited"
	CategoryServerError     Category = "server_error"
	CategoryTimeout         Category = "timeout"
	CategoryAuthError       Category = "auth_error"
	CategoryNetworkError    Category = "network_error"
	CategoryClientError     Category = "client_error"
	CategoryContentTooLarge Category = "content_too_large"
	CategoryParseError      Category = "parse_error"
	CategoryUnknown         Category = "unknown"
)

// Unrecoverable reports whether the category should count against the health
// window (and therefore the breaker) rather than be absorbed in-loop.
func (c Category) Unrecoverable() bool {
	switch c {
	case CategoryRateLimited, CategoryServerError, CategoryTimeout, CategoryAuthError, CategoryNetworkError:
		return true
	}
	return false
}

// RequestError is the typed failure adapters return for HTTP-level problems.
// Status 0 means the request never produced a response (network error).
type RequestError struct {
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("scm request failed: %v", e.Err)
	}
	return fmt.Sprintf("scm request failed: status %d", e.Status)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Category maps the error to the wire taxonomy.
func (e *RequestError) Category() Category {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return CategoryAuthError
	case e.Status == http.StatusRequestEntityTooLarge:
		return CategoryContentTooLarge
	case e.Status >= 500:
		return CategoryServerError
	case e.Status >= 400:
		return CategoryClientError
	case e.Err != nil:
		return classifyTransport(e.Err)
	}
	return CategoryUnknown
}

// ParseError marks a response body the adapter could not decode. Recoverable:
// the item is skipped, not the loop.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("scm parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ContentTooLargeError marks a single item (typically a bulk commit diff) the
// upstream refused to serve at full fidelity.
type ContentTooLargeError struct {
	Size int64
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("scm content too large: %d bytes", e.Size)
}

// Classify maps any error an adapter (or the HTTP stack under it) produced to
// the wire taxonomy. nil classifies as unknown; callers should not pass nil.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Category()
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return CategoryParseError
	}
	var ce *ContentTooLargeError
	if errors.As(err, &ce) {
		return CategoryContentTooLarge
	}
	return classifyTransport(err)
}

func classifyTransport(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetworkError
	}
	return CategoryUnknown
}
