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

// Package backfill plans bounded historical sync windows. A request names a
// time range [since, until) or an inclusive revision range [start, end]; the
// planner splits it into deterministic chunks, enforces the configured window
// caps, and stamps each chunk with the watermark discipline the executing
// worker must honor.
package backfill

import (
	"fmt"
	"strings"
	"time"

	"engram/internal/scm"
)

// Window kinds carried in chunk payloads.
const (
	WindowTypeTime = "time"
	WindowTypeRev  = "rev"
)

// Watermark constraints carried in chunk payloads.
const (
	// WatermarkForwardOnly: the executing worker may advance the cursor to
	// max(before, computed) and must reject any regression.
	WatermarkForwardOnly = "forward_only"
	// WatermarkNone: the chunk leaves the cursor untouched.
	WatermarkNone = "none"
)

// Cap error tokens reported in WindowExceededError.Errors.
const (
	LimitTotalWindowSeconds = "max_total_window_seconds"
	LimitChunksPerRequest   = "max_chunks_per_request"
)

// Config bounds a single backfill request.
type Config struct {
	// MaxTotalWindowSeconds caps the whole requested range. Default one week.
	MaxTotalWindowSeconds int64
	// MaxChunksPerRequest caps the chunk count. Default 100.
	MaxChunksPerRequest int
	// SecondsPerRev converts revision ranges to seconds for the uniform
	// window cap. Default 3600.
	SecondsPerRev int64
}

// DefaultConfig returns the stock caps.
func DefaultConfig() Config {
	return Config{
		MaxTotalWindowSeconds: 7 * 24 * 3600,
		MaxChunksPerRequest:   100,
		SecondsPerRev:         3600,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTotalWindowSeconds <= 0 {
		c.MaxTotalWindowSeconds = d.MaxTotalWindowSeconds
	}
	if c.MaxChunksPerRequest <= 0 {
		c.MaxChunksPerRequest = d.MaxChunksPerRequest
	}
	if c.SecondsPerRev <= 0 {
		c.SecondsPerRev = d.SecondsPerRev
	}
	return c
}

// WindowExceededError reports every violated cap at once so the caller can
// shrink the request in one round trip.
type WindowExceededError struct {
	Errors             []string
	Limits             Config
	TotalWindowSeconds int64
	ChunkCount         int
}

func (e *WindowExceededError) Error() string {
	return fmt.Sprintf("backfill window exceeded (%s): window=%ds chunks=%d",
		strings.Join(e.Errors, ","), e.TotalWindowSeconds, e.ChunkCount)
}

// WatermarkConstraintError reports an attempted cursor regression.
type WatermarkConstraintError struct {
	Before scm.Cursor
	After  scm.Cursor
}

func (e *WatermarkConstraintError) Error() string {
	return fmt.Sprintf("watermark constraint violated: proposed cursor precedes current (before=%+v after=%+v)", e.Before, e.After)
}

// Chunk is one planned unit of work. Time chunks use [Since, Until); revision
// chunks use [StartRev, EndRev] inclusive. Index/Total order the chunks
// within their request.
type Chunk struct {
	WindowType string
	Since      time.Time
	Until      time.Time
	StartRev   int64
	EndRev     int64
	Index      int
	Total      int
}

// Payload is the JSON shape embedded in a sync job's payload for one chunk.
// Serialized chunks round-trip byte-stable for identical inputs.
type Payload struct {
	WindowType          string     `json:"window_type"`
	WindowSince         *time.Time `json:"window_since,omitempty"`
	WindowUntil         *time.Time `json:"window_until,omitempty"`
	StartRev            *int64     `json:"start_rev,omitempty"`
	EndRev              *int64     `json:"end_rev,omitempty"`
	ChunkIndex          int        `json:"chunk_index"`
	ChunkTotal          int        `json:"chunk_total"`
	UpdateWatermark     bool       `json:"update_watermark"`
	WatermarkConstraint string     `json:"watermark_constraint"`
}

// Payload renders the chunk for embedding in a job payload.
func (c Chunk) Payload(updateWatermark bool) Payload {
	p := Payload{
		WindowType:      c.WindowType,
		ChunkIndex:      c.Index,
		ChunkTotal:      c.Total,
		UpdateWatermark: updateWatermark,
	}
	if updateWatermark {
		p.WatermarkConstraint = WatermarkForwardOnly
	} else {
		p.WatermarkConstraint = WatermarkNone
	}
	switch c.WindowType {
	case WindowTypeTime:
		since, until := c.Since, c.Until
		p.WindowSince = &since
		p.WindowUntil = &until
	case WindowTypeRev:
		start, end := c.StartRev, c.EndRev
		p.StartRev = &start
		p.EndRev = &end
	}
	return p
}

// Window converts the chunk to the adapter fetch window.
func (c Chunk) Window() scm.Window {
	return scm.Window{Since: c.Since, Until: c.Until, StartRev: c.StartRev, EndRev: c.EndRev}
}

// Plan is a validated, ordered set of chunks.
type Plan struct {
	WindowType         string
	Chunks             []Chunk
	TotalWindowSeconds int64
}

// PlanTimeWindow splits [since, until) into consecutive chunkHours-sized
// chunks (the last possibly short), validates the caps, and returns the plan.
// Chunk boundaries are exact: chunks[i].Until == chunks[i+1].Since, the first
// chunk starts at since and the last ends at until.
func PlanTimeWindow(since, until time.Time, chunkHours int, cfg Config) (*Plan, error) {
	if !until.After(since) {
		return nil, fmt.Errorf("backfill: until %v must be after since %v", until, since)
	}
	if chunkHours <= 0 {
		return nil, fmt.Errorf("backfill: chunk_hours must be positive, got %d", chunkHours)
	}
	cfg = cfg.withDefaults()

	chunkDur := time.Duration(chunkHours) * time.Hour
	total := until.Sub(since)
	count := int(total / chunkDur)
	if total%chunkDur != 0 {
		count++
	}

	totalSeconds := int64(total / time.Second)
	if err := checkCaps(cfg, totalSeconds, count); err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		cs := since.Add(time.Duration(i) * chunkDur)
		ce := cs.Add(chunkDur)
		if ce.After(until) {
			ce = until
		}
		chunks = append(chunks, Chunk{
			WindowType: WindowTypeTime,
			Since:      cs,
			Until:      ce,
			Index:      i,
			Total:      count,
		})
	}
	return &Plan{WindowType: WindowTypeTime, Chunks: chunks, TotalWindowSeconds: totalSeconds}, nil
}

// PlanRevWindow splits the inclusive revision range [start, end] into
// disjoint chunkSize-sized chunks that collectively cover every revision
// exactly once. Seconds for the uniform cap are estimated as
// chunk_count * SecondsPerRev.
func PlanRevWindow(start, end int64, chunkSize int, cfg Config) (*Plan, error) {
	if start <= 0 || end <= 0 {
		return nil, fmt.Errorf("backfill: revisions must be positive (start=%d end=%d)", start, end)
	}
	if end < start {
		return nil, fmt.Errorf("backfill: end_rev %d precedes start_rev %d", end, start)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("backfill: chunk_size must be positive, got %d", chunkSize)
	}
	cfg = cfg.withDefaults()

	span := end - start + 1
	count := int(span / int64(chunkSize))
	if span%int64(chunkSize) != 0 {
		count++
	}

	totalSeconds := int64(count) * cfg.SecondsPerRev
	if err := checkCaps(cfg, totalSeconds, count); err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		cs := start + int64(i)*int64(chunkSize)
		ce := cs + int64(chunkSize) - 1
		if ce > end {
			ce = end
		}
		chunks = append(chunks, Chunk{
			WindowType: WindowTypeRev,
			StartRev:   cs,
			EndRev:     ce,
			Index:      i,
			Total:      count,
		})
	}
	return &Plan{WindowType: WindowTypeRev, Chunks: chunks, TotalWindowSeconds: totalSeconds}, nil
}

func checkCaps(cfg Config, totalSeconds int64, chunkCount int) error {
	var violations []string
	if totalSeconds > cfg.MaxTotalWindowSeconds {
		violations = append(violations, LimitTotalWindowSeconds)
	}
	if chunkCount > cfg.MaxChunksPerRequest {
		violations = append(violations, LimitChunksPerRequest)
	}
	if len(violations) == 0 {
		return nil
	}
	return &WindowExceededError{
		Errors:             violations,
		Limits:             cfg,
		TotalWindowSeconds: totalSeconds,
		ChunkCount:         chunkCount,
	}
}

// ValidateWatermark enforces the forward-only discipline: with update=true a
// proposed cursor strictly behind the current one is a constraint violation;
// with update=false the proposal is ignored entirely and validation passes.
func ValidateWatermark(before, after scm.Cursor, update bool) error {
	if !update {
		return nil
	}
	if before.IsZero() {
		return nil
	}
	if after.Before(before) {
		return &WatermarkConstraintError{Before: before, After: after}
	}
	return nil
}

// AdvanceWatermark resolves the cursor after a chunk: max(before, computed)
// when updating, before untouched otherwise.
func AdvanceWatermark(before, computed scm.Cursor, update bool) scm.Cursor {
	if !update {
		return before
	}
	if computed.IsZero() || computed.Before(before) {
		return before
	}
	return computed
}
