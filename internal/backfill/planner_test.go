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

package backfill

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"engram/internal/scm"
)

func mustPlanTime(t *testing.T, since, until time.Time, chunkHours int, cfg Config) *Plan {
	t.Helper()
	p, err := PlanTimeWindow(since, until, chunkHours, cfg)
	if err != nil {
		t.Fatalf("PlanTimeWindow: %v", err)
	}
	return p
}

// TestPlanTimeWindow_SharedBoundaries verifies the split invariants: first
// chunk starts at since, last ends at until, and adjacent chunks share their
// boundary instant.
func TestPlanTimeWindow_SharedBoundaries(t *testing.T) {
	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(26 * time.Hour) // 4h chunks with a 2h tail
	p := mustPlanTime(t, since, until, 4, Config{})

	if len(p.Chunks) != 7 {
		t.Fatalf("expected 7 chunks for 26h at 4h, got %d", len(p.Chunks))
	}
	if !p.Chunks[0].Since.Equal(since) {
		t.Fatalf("first chunk since = %v, want %v", p.Chunks[0].Since, since)
	}
	last := p.Chunks[len(p.Chunks)-1]
	if !last.Until.Equal(until) {
		t.Fatalf("last chunk until = %v, want %v", last.Until, until)
	}
	for i := 0; i < len(p.Chunks)-1; i++ {
		if !p.Chunks[i].Until.Equal(p.Chunks[i+1].Since) {
			t.Fatalf("chunk %d until %v != chunk %d since %v", i, p.Chunks[i].Until, i+1, p.Chunks[i+1].Since)
		}
	}
	if last.Until.Sub(last.Since) != 2*time.Hour {
		t.Fatalf("tail chunk should be 2h, got %v", last.Until.Sub(last.Since))
	}
	for i, c := range p.Chunks {
		if c.Index != i || c.Total != 7 {
			t.Fatalf("chunk %d carries index=%d total=%d", i, c.Index, c.Total)
		}
	}
}

// TestPlanTimeWindow_Deterministic verifies identical inputs yield identical
// boundaries and that serialized payloads round-trip equal.
func TestPlanTimeWindow_Deterministic(t *testing.T) {
	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	a := mustPlanTime(t, since, until, 6, Config{})
	b := mustPlanTime(t, since, until, 6, Config{})
	if !reflect.DeepEqual(a.Chunks, b.Chunks) {
		t.Fatalf("identical inputs produced different chunks")
	}

	for _, c := range a.Chunks {
		raw, err := json.Marshal(c.Payload(true))
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		var back Payload
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if !reflect.DeepEqual(c.Payload(true), back) {
			t.Fatalf("payload did not round-trip: %s", raw)
		}
	}
}

// TestPlanRevWindow_DisjointCoverage verifies revision chunks are disjoint,
// inclusive, and collectively cover [start, end] exactly.
func TestPlanRevWindow_DisjointCoverage(t *testing.T) {
	p, err := PlanRevWindow(100, 357, 50, Config{})
	if err != nil {
		t.Fatalf("PlanRevWindow: %v", err)
	}
	if len(p.Chunks) != 6 {
		t.Fatalf("expected 6 chunks for 258 revs at 50, got %d", len(p.Chunks))
	}

	seen := map[int64]bool{}
	for _, c := range p.Chunks {
		if c.EndRev < c.StartRev {
			t.Fatalf("chunk %d inverted: [%d,%d]", c.Index, c.StartRev, c.EndRev)
		}
		for r := c.StartRev; r <= c.EndRev; r++ {
			if seen[r] {
				t.Fatalf("revision %d covered twice", r)
			}
			seen[r] = true
		}
	}
	for r := int64(100); r <= 357; r++ {
		if !seen[r] {
			t.Fatalf("revision %d not covered", r)
		}
	}
	if len(seen) != 258 {
		t.Fatalf("covered %d revisions, want 258", len(seen))
	}
}

// TestPlanTimeWindow_CapsExceeded covers the double violation: a 31-day
// window at 4h chunks breaks both the one-week window cap and the 100-chunk
// cap, and the error names both.
func TestPlanTimeWindow_CapsExceeded(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := PlanTimeWindow(since, until, 4, Config{})
	if err == nil {
		t.Fatalf("expected window exceeded error")
	}
	var wex *WindowExceededError
	if !errors.As(err, &wex) {
		t.Fatalf("expected WindowExceededError, got %T: %v", err, err)
	}
	if wex.ChunkCount != 186 {
		t.Fatalf("expected 186 chunks, got %d", wex.ChunkCount)
	}
	if wex.TotalWindowSeconds != 31*24*3600 {
		t.Fatalf("expected %d window seconds, got %d", 31*24*3600, wex.TotalWindowSeconds)
	}
	want := []string{LimitTotalWindowSeconds, LimitChunksPerRequest}
	if !reflect.DeepEqual(wex.Errors, want) {
		t.Fatalf("errors = %v, want %v", wex.Errors, want)
	}
}

// TestPlanRevWindow_SecondsEstimate verifies the revision window converts to
// seconds via seconds_per_rev for the uniform cap check.
func TestPlanRevWindow_SecondsEstimate(t *testing.T) {
	// 300 revs at size 2 = 150 chunks -> violates chunk cap; at 3600s per
	// chunk it is 540000s which stays under the one-week window cap.
	_, err := PlanRevWindow(1, 300, 2, Config{})
	var wex *WindowExceededError
	if !errors.As(err, &wex) {
		t.Fatalf("expected WindowExceededError, got %v", err)
	}
	if !reflect.DeepEqual(wex.Errors, []string{LimitChunksPerRequest}) {
		t.Fatalf("errors = %v, want only chunk cap", wex.Errors)
	}
	if wex.TotalWindowSeconds != 150*3600 {
		t.Fatalf("estimated seconds = %d, want %d", wex.TotalWindowSeconds, 150*3600)
	}
}

// TestValidateWatermark verifies the forward-only rule raises exactly when a
// regression is proposed while updating.
func TestValidateWatermark(t *testing.T) {
	earlier := scm.Cursor{Ts: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	later := scm.Cursor{Ts: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}

	if err := ValidateWatermark(earlier, later, true); err != nil {
		t.Fatalf("forward move rejected: %v", err)
	}
	var wce *WatermarkConstraintError
	if err := ValidateWatermark(later, earlier, true); !errors.As(err, &wce) {
		t.Fatalf("regression not rejected: %v", err)
	}
	if err := ValidateWatermark(later, earlier, false); err != nil {
		t.Fatalf("update=false must not validate: %v", err)
	}
	if err := ValidateWatermark(scm.Cursor{}, earlier, true); err != nil {
		t.Fatalf("zero before must accept any proposal: %v", err)
	}

	revBefore := scm.Cursor{Rev: 50}
	revAfter := scm.Cursor{Rev: 49}
	if err := ValidateWatermark(revBefore, revAfter, true); !errors.As(err, &wce) {
		t.Fatalf("revision regression not rejected: %v", err)
	}
}

// TestAdvanceWatermark verifies max(before, computed) semantics and the
// update=false no-op.
func TestAdvanceWatermark(t *testing.T) {
	before := scm.Cursor{Rev: 100}

	if got := AdvanceWatermark(before, scm.Cursor{Rev: 140}, true); got.Rev != 140 {
		t.Fatalf("advance: got %d", got.Rev)
	}
	if got := AdvanceWatermark(before, scm.Cursor{Rev: 90}, true); got.Rev != 100 {
		t.Fatalf("regression must clamp to before: got %d", got.Rev)
	}
	if got := AdvanceWatermark(before, scm.Cursor{Rev: 140}, false); got.Rev != 100 {
		t.Fatalf("update=false must not move: got %d", got.Rev)
	}
	if got := AdvanceWatermark(before, scm.Cursor{}, true); got.Rev != 100 {
		t.Fatalf("zero computed must not move: got %d", got.Rev)
	}
}

// TestChunkPayload_WatermarkConstraint pins the constraint tokens.
func TestChunkPayload_WatermarkConstraint(t *testing.T) {
	c := Chunk{WindowType: WindowTypeRev, StartRev: 1, EndRev: 10, Total: 1}
	if got := c.Payload(true).WatermarkConstraint; got != WatermarkForwardOnly {
		t.Fatalf("update=true constraint = %q", got)
	}
	if got := c.Payload(false).WatermarkConstraint; got != WatermarkNone {
		t.Fatalf("update=false constraint = %q", got)
	}
}
