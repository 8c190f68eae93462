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

// Package openmemory is the HTTP client for the memory service. Internal
// retries stay at zero by default: the durable outbox is the authoritative
// retry mechanism, so the client only retries when explicitly budgeted, and
// then only on network errors and 5xx. 4xx never retries. A service 429
// feeds the instance rate limiter through the notifier.
package openmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"engram/internal/scm"
)

var tracer = otel.Tracer("engram/internal/openmemory")

// ErrBreakerOpen reports that the client breaker is refusing calls after
// repeated dependency failures.
var ErrBreakerOpen = gobreaker.ErrOpenState

// RateLimitNotifier receives 429 hints. The ratelimit limiters satisfy it.
type RateLimitNotifier interface {
	NotifyRateLimit(ctx context.Context, hint scm.RateLimitHint) error
}

// APIError is a non-2xx response from the memory service.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openmemory: status %d", e.Status)
}

// Category maps the response onto the wire taxonomy.
func (e *APIError) Category() scm.Category {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return scm.CategoryRateLimited
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return scm.CategoryAuthError
	case e.Status == http.StatusRequestEntityTooLarge:
		return scm.CategoryContentTooLarge
	case e.Status >= 500:
		return scm.CategoryServerError
	case e.Status >= 400:
		return scm.CategoryClientError
	}
	return scm.CategoryUnknown
}

// Categorize maps any client error onto the wire taxonomy. An open breaker
// reports as server_error so callers treat it as a dependency failure.
func Categorize(err error) scm.Category {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Category()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return scm.CategoryServerError
	}
	return scm.Classify(err)
}

// ErrorCode renders the short code audits embed after
// "openmemory_write_failed:". HTTP failures use the status, everything else
// the taxonomy category.
func ErrorCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return strconv.Itoa(ae.Status)
	}
	return string(Categorize(err))
}

// InstanceKey derives the rate-limiter key for a service URL. Memory traffic
// gets its own key family so it never shares a bucket with an SCM instance.
func InstanceKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "openmemory:default"
	}
	return "openmemory:" + strings.ToLower(u.Host)
}

// AddRequest is the write body for POST /memory/add.
type AddRequest struct {
	Content  string            `json:"content"`
	UserID   string            `json:"user_id,omitempty"`
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
}

// AddResponse is the service's write acknowledgement.
type AddResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// SearchRequest is the query body for POST /memory/search.
type SearchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchResult is one hit.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// SearchResponse is the service's query result.
type SearchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Results []SearchResult `json:"results"`
	} `json:"data"`
}

// Config sizes the client.
type Config struct {
	BaseURL string
	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// MaxClientRetries is the internal retry budget per call. Zero is the
	// default: the outbox retries, not the client.
	MaxClientRetries int
	RetryBase        time.Duration
	// Breaker settings; zero values take the defaults below.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 5
	}
	if c.BreakerFailureRatio <= 0 {
		c.BreakerFailureRatio = 0.6
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	return c
}

// Client talks to one memory service.
type Client struct {
	cfg      Config
	httpc    *http.Client
	cb       *gobreaker.CircuitBreaker
	notifier RateLimitNotifier
	log      *zap.Logger
}

// New builds a client. notifier may be nil when no limiter should hear about
// 429s (tests, one-shot tools).
func New(cfg Config, notifier RateLimitNotifier, log *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openmemory: base URL required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		notifier: notifier,
		log:      log,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openmemory",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinRequests && ratio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("memory service breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c, nil
}

// Add writes one memory item.
func (c *Client) Add(ctx context.Context, req AddRequest) (*AddResponse, error) {
	var out AddResponse
	if err := c.call(ctx, "/memory/add", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("openmemory: add rejected by service")
	}
	return &out, nil
}

// Search queries memory items.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.call(ctx, "/memory/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/health"), nil)
	if err != nil {
		return fmt.Errorf("openmemory: build health request: %w", err)
	}
	start := time.Now()
	resp, err := c.httpc.Do(req)
	requestSeconds.WithLabelValues("/health").Observe(time.Since(start).Seconds())
	if err != nil {
		requests.WithLabelValues("/health", "error").Inc()
		return fmt.Errorf("openmemory: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		requests.WithLabelValues("/health", "error").Inc()
		return &APIError{Status: resp.StatusCode}
	}
	requests.WithLabelValues("/health", "ok").Inc()
	return nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// call runs one endpoint through the breaker and the bounded internal retry
// loop. Only network errors and 5xx re-attempt; a 429 notifies the limiter
// and returns immediately.
func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	ctx, span := tracer.Start(ctx, "openmemory.call",
		trace.WithAttributes(attribute.String("http.path", path)))
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openmemory: encode request: %w", err)
	}
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxClientRetries),
		retry.WithJitterPercent(20, retry.NewExponential(c.cfg.RetryBase)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.once(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		switch Categorize(err) {
		case scm.CategoryServerError, scm.CategoryNetworkError, scm.CategoryTimeout:
			if errors.Is(err, gobreaker.ErrOpenState) {
				// Waiting out an open breaker inside the call defeats
				// its purpose.
				return err
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Client) once(ctx context.Context, path string, payload []byte, out interface{}) error {
	result, err := c.cb.Execute(func() (interface{}, error) {
		attempt, err := c.doHTTP(ctx, path, payload)
		if err != nil {
			// Only dependency-level failures count against the breaker;
			// 4xx and 429 pass through as ordinary results.
			switch Categorize(err) {
			case scm.CategoryServerError, scm.CategoryNetworkError, scm.CategoryTimeout:
				return nil, err
			}
			return attemptResult{err: err}, nil
		}
		return attemptResult{body: attempt}, nil
	})
	if err != nil {
		requests.WithLabelValues(path, "error").Inc()
		return err
	}
	res := result.(attemptResult)
	if res.err != nil {
		requests.WithLabelValues(path, "error").Inc()
		return res.err
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		requests.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("openmemory: decode response: %w", err)
	}
	requests.WithLabelValues(path, "ok").Inc()
	return nil
}

type attemptResult struct {
	body []byte
	err  error
}

func (c *Client) doHTTP(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openmemory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	requestSeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openmemory: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		c.feedLimiter(ctx, apiErr)
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) feedLimiter(ctx context.Context, apiErr *APIError) {
	rateLimited.Inc()
	if c.notifier == nil {
		return
	}
	hint := scm.RateLimitHint{RetryAfter: apiErr.RetryAfter}
	if err := c.notifier.NotifyRateLimit(ctx, hint); err != nil {
		c.log.Warn("rate limit notify failed", zap.Error(err))
	}
}

// parseRetryAfter accepts the delta-seconds form; an HTTP-date or garbage
// yields zero and the limiter falls back to its own pacing.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
