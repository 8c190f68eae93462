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

package outbox

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"engram/internal/openmemory"
	"engram/internal/store"
)

// auditRec captures one InsertAudit call.
type auditRec struct {
	space  string
	action string
	reason string
	sha    *string
	refs   store.EvidenceRefs
}

// fakeOutboxStore mirrors the guarded-update semantics of the real store:
// every transition requires (locked_by = worker AND status = 'pending') and
// reports false when the guard misses.
type fakeOutboxStore struct {
	rows   map[int64]*store.OutboxRow
	audits []auditRec
	now    func() time.Time

	beforeRenew func() // runs before each lease renewal
	sentErr     error  // injected into MarkOutboxSent
}

func newFakeOutboxStore(now func() time.Time) *fakeOutboxStore {
	return &fakeOutboxStore{rows: map[int64]*store.OutboxRow{}, now: now}
}

func (f *fakeOutboxStore) add(id int64, space, payload, sha, status string, lastError *string) *store.OutboxRow {
	row := &store.OutboxRow{
		OutboxID:      id,
		TargetSpace:   space,
		PayloadMD:     payload,
		PayloadSHA:    sha,
		Status:        status,
		NextAttemptAt: f.now().Add(-time.Second),
		LastError:     lastError,
	}
	f.rows[id] = row
	return row
}

func (f *fakeOutboxStore) ClaimOutboxBatch(_ context.Context, workerID string, limit int, lease time.Duration) ([]store.OutboxRow, error) {
	now := f.now()
	ids := make([]int64, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return f.rows[ids[i]].NextAttemptAt.Before(f.rows[ids[j]].NextAttemptAt)
	})
	var claimed []store.OutboxRow
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		row := f.rows[id]
		if row.Status != store.OutboxPending || row.NextAttemptAt.After(now) {
			continue
		}
		if row.LockedAt != nil && !row.LockedAt.Add(lease).Before(now) {
			continue
		}
		w, at := workerID, now
		row.LockedBy, row.LockedAt = &w, &at
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (f *fakeOutboxStore) FindSentOutbox(_ context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error) {
	for _, row := range f.rows {
		if row.Status == store.OutboxSent && row.TargetSpace == targetSpace && row.PayloadSHA == payloadSHA {
			cp := *row
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeOutboxStore) guard(outboxID int64, workerID string) *store.OutboxRow {
	row, ok := f.rows[outboxID]
	if !ok || row.Status != store.OutboxPending || row.LockedBy == nil || *row.LockedBy != workerID {
		return nil
	}
	return row
}

func (f *fakeOutboxStore) MarkOutboxSent(_ context.Context, outboxID int64, workerID, lastError string) (bool, error) {
	if f.sentErr != nil {
		return false, f.sentErr
	}
	row := f.guard(outboxID, workerID)
	if row == nil {
		return false, nil
	}
	row.Status = store.OutboxSent
	row.LastError = &lastError
	row.LockedBy, row.LockedAt = nil, nil
	return true, nil
}

func (f *fakeOutboxStore) MarkOutboxRetry(_ context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) (bool, error) {
	row := f.guard(outboxID, workerID)
	if row == nil {
		return false, nil
	}
	row.RetryCount++
	row.NextAttemptAt = nextAttemptAt
	row.LastError = &lastError
	row.LockedBy, row.LockedAt = nil, nil
	return true, nil
}

func (f *fakeOutboxStore) MarkOutboxDead(_ context.Context, outboxID int64, workerID, lastError string) (bool, error) {
	row := f.guard(outboxID, workerID)
	if row == nil {
		return false, nil
	}
	row.Status = store.OutboxDead
	row.RetryCount++
	row.LastError = &lastError
	row.LockedBy, row.LockedAt = nil, nil
	return true, nil
}

func (f *fakeOutboxStore) RenewOutboxLease(_ context.Context, outboxID int64, workerID string) (bool, error) {
	if f.beforeRenew != nil {
		f.beforeRenew()
	}
	row := f.guard(outboxID, workerID)
	if row == nil {
		return false, nil
	}
	at := f.now()
	row.LockedAt = &at
	return true, nil
}

func (f *fakeOutboxStore) ObserveOutbox(_ context.Context, outboxID int64) (string, *string, error) {
	row, ok := f.rows[outboxID]
	if !ok {
		return "", nil, store.ErrNotFound
	}
	return row.Status, row.LockedBy, nil
}

func (f *fakeOutboxStore) InsertAudit(_ context.Context, _ *string, targetSpace, action, reason string, payloadSHA *string, refs store.EvidenceRefs) (int64, error) {
	f.audits = append(f.audits, auditRec{targetSpace, action, reason, payloadSHA, refs})
	return int64(len(f.audits)), nil
}

func (f *fakeOutboxStore) byReason(reason string) []auditRec {
	var out []auditRec
	for _, a := range f.audits {
		if a.reason == reason {
			out = append(out, a)
		}
	}
	return out
}

// fakeDeliverer scripts the memory service.
type fakeDeliverer struct {
	calls int
	fn    func(req openmemory.AddRequest) (*openmemory.AddResponse, error)
}

func (f *fakeDeliverer) Add(_ context.Context, req openmemory.AddRequest) (*openmemory.AddResponse, error) {
	f.calls++
	return f.fn(req)
}

func okResponse(id string) *openmemory.AddResponse {
	resp := &openmemory.AddResponse{Success: true}
	resp.Data.ID = id
	return resp
}

func testNow() func() time.Time {
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestWorker(t *testing.T, st *fakeOutboxStore, d Deliverer, cfg Config) *Worker {
	t.Helper()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	cfg.JitterFactor = 0
	w := NewWorker(st, d, nil, cfg, zap.NewNop())
	w.now = st.now
	w.randFn = func() float64 { return 0.5 }
	return w
}

// TestFlushSuccess drives one pending row through delivery and checks the
// sent marker plus the success audit evidence.
func TestFlushSuccess(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	row := st.add(1, "team:vsa", "## Decision", "sha_1", store.OutboxPending, nil)
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		return okResponse("mem_1"), nil
	}}
	w := newTestWorker(t, st, d, Config{})

	n, err := w.ProcessOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ProcessOnce = (%d, %v), want (1, nil)", n, err)
	}
	if row.Status != store.OutboxSent {
		t.Fatalf("status = %q, want sent", row.Status)
	}
	if row.LastError == nil || *row.LastError != "memory_id=mem_1" {
		t.Fatalf("last_error = %v, want memory_id=mem_1", row.LastError)
	}
	audits := st.byReason(ReasonSuccess)
	if len(audits) != 1 {
		t.Fatalf("success audits = %d, want 1", len(audits))
	}
	a := audits[0]
	if a.action != store.AuditAllow {
		t.Fatalf("action = %q, want allow", a.action)
	}
	if a.refs.OutboxID == nil || *a.refs.OutboxID != 1 || a.refs.MemoryID != "mem_1" {
		t.Fatalf("refs = %+v, want outbox 1 / mem_1", a.refs)
	}
	if a.refs.Extra["correlation_id"] == "" || a.refs.Extra["attempt_id"] == "" {
		t.Fatalf("extra missing correlation/attempt ids: %v", a.refs.Extra)
	}
}

// TestDedupHitSkipsDelivery verifies that a payload already sent to the same
// space resolves without a service call, reusing the original memory id.
func TestDedupHitSkipsDelivery(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	orig := "memory_id=mem_original"
	st.add(1, "team:vsa", "dup", "sha_dup", store.OutboxSent, &orig)
	dup := st.add(2, "team:vsa", "dup", "sha_dup", store.OutboxPending, nil)
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		t.Fatal("deliverer called on dedup path")
		return nil, nil
	}}
	w := newTestWorker(t, st, d, Config{})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if d.calls != 0 {
		t.Fatalf("deliverer calls = %d, want 0", d.calls)
	}
	if dup.Status != store.OutboxSent || dup.LastError == nil || *dup.LastError != orig {
		t.Fatalf("dup row = %q / %v, want sent with original marker", dup.Status, dup.LastError)
	}
	audits := st.byReason(ReasonDedupHit)
	if len(audits) != 1 {
		t.Fatalf("dedup audits = %d, want 1", len(audits))
	}
	a := audits[0]
	if a.action != store.AuditAllow || a.refs.MemoryID != "mem_original" {
		t.Fatalf("dedup audit = %q / %q", a.action, a.refs.MemoryID)
	}
	if a.refs.OriginalOutboxID == nil || *a.refs.OriginalOutboxID != 1 {
		t.Fatalf("original outbox ref = %v, want 1", a.refs.OriginalOutboxID)
	}
}

// TestConflictPrecludesSuccessAudit steals the lease during delivery and
// checks the worker records a conflict with the observed state instead of a
// success.
func TestConflictPrecludesSuccessAudit(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	row := st.add(7, "team:vsa", "contested", "sha_c", store.OutboxPending, nil)
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		rival := "other"
		row.LockedBy = &rival
		row.Status = store.OutboxSent
		return okResponse("mem_lost"), nil
	}}
	w := newTestWorker(t, st, d, Config{})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("deliverer calls = %d, want 1", d.calls)
	}
	if got := st.byReason(ReasonSuccess); len(got) != 0 {
		t.Fatalf("success audits = %d, want 0", len(got))
	}
	audits := st.byReason(ReasonConflict)
	if len(audits) != 1 {
		t.Fatalf("conflict audits = %d, want 1", len(audits))
	}
	extra := audits[0].refs.Extra
	if extra["intended_action"] != "success" {
		t.Fatalf("intended_action = %q, want success", extra["intended_action"])
	}
	if extra["observed_status"] != store.OutboxSent || extra["observed_locked_by"] != "other" {
		t.Fatalf("observed = %q / %q", extra["observed_status"], extra["observed_locked_by"])
	}
	if audits[0].action != store.AuditRedirect {
		t.Fatalf("action = %q, want redirect", audits[0].action)
	}
}

// TestRetryBackoffThenDead walks a persistently failing row through the retry
// ladder into the dead-letter state at the attempt budget.
func TestRetryBackoffThenDead(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	row := st.add(3, "team:vsa", "flaky", "sha_f", store.OutboxPending, nil)
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		return nil, errors.New("503 from memory service")
	}}
	w := newTestWorker(t, st, d, Config{MaxRetries: 2, BackoffBase: 5 * time.Second})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if row.Status != store.OutboxPending || row.RetryCount != 1 {
		t.Fatalf("after first pass: status=%q retries=%d", row.Status, row.RetryCount)
	}
	wantNext := st.now().Add(5 * time.Second)
	if !row.NextAttemptAt.Equal(wantNext) {
		t.Fatalf("next_attempt_at = %v, want %v", row.NextAttemptAt, wantNext)
	}
	if len(st.byReason(ReasonRetry)) != 1 {
		t.Fatal("expected one retry audit")
	}

	row.NextAttemptAt = st.now().Add(-time.Second)
	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if row.Status != store.OutboxDead || row.RetryCount != 2 {
		t.Fatalf("after second pass: status=%q retries=%d, want dead/2", row.Status, row.RetryCount)
	}
	dead := st.byReason(ReasonDead)
	if len(dead) != 1 || dead[0].action != store.AuditReject {
		t.Fatalf("dead audits = %+v, want one reject", dead)
	}
	if dead[0].refs.Extra["error"] == "" {
		t.Fatal("dead audit missing error detail")
	}
}

// TestLeaseLostBeforeDeliveryAborts verifies a stolen lease short-circuits
// before any service call.
func TestLeaseLostBeforeDeliveryAborts(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	row := st.add(4, "team:vsa", "x", "sha_x", store.OutboxPending, nil)
	st.beforeRenew = func() {
		thief := "thief"
		row.LockedBy = &thief
	}
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		return okResponse("mem_never"), nil
	}}
	w := newTestWorker(t, st, d, Config{})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if d.calls != 0 {
		t.Fatalf("deliverer calls = %d, want 0", d.calls)
	}
	audits := st.byReason(ReasonConflict)
	if len(audits) != 1 || audits[0].refs.Extra["intended_action"] != "deliver" {
		t.Fatalf("conflict audits = %+v, want one with intended_action=deliver", audits)
	}
}

// TestDBTimeoutLeavesRowUntouched injects a statement cancel into the success
// transition; the row must stay pending and the audit must carry the timeout
// reason.
func TestDBTimeoutLeavesRowUntouched(t *testing.T) {
	st := newFakeOutboxStore(testNow())
	row := st.add(5, "team:vsa", "slow", "sha_s", store.OutboxPending, nil)
	st.sentErr = &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}
	d := &fakeDeliverer{fn: func(openmemory.AddRequest) (*openmemory.AddResponse, error) {
		return okResponse("mem_slow"), nil
	}}
	w := newTestWorker(t, st, d, Config{})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if row.Status != store.OutboxPending {
		t.Fatalf("status = %q, want pending", row.Status)
	}
	if len(st.byReason(ReasonDBTimeout)) != 1 {
		t.Fatal("expected one db timeout audit")
	}
	if len(st.byReason(ReasonDBError)) != 0 {
		t.Fatal("statement cancel must not be filed as a generic db error")
	}
}

// TestBackoffDoublesAndCaps checks the exponential schedule with jitter off.
func TestBackoffDoublesAndCaps(t *testing.T) {
	w := &Worker{cfg: Config{BackoffBase: 5 * time.Second, BackoffCap: 30 * time.Second}.withDefaults()}
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := w.backoff(c.retries); got != c.want {
			t.Fatalf("backoff(%d) = %v, want %v", c.retries, got, c.want)
		}
	}
}

// TestExtractMemoryID covers the sent-row marker parser.
func TestExtractMemoryID(t *testing.T) {
	mk := func(s string) *string { return &s }
	if got := ExtractMemoryID(mk("memory_id=abc123")); got != "abc123" {
		t.Fatalf("got %q, want abc123", got)
	}
	if got := ExtractMemoryID(nil); got != "" {
		t.Fatalf("nil marker yielded %q", got)
	}
	if got := ExtractMemoryID(mk("connection refused")); got != "" {
		t.Fatalf("plain error text yielded %q", got)
	}
}
