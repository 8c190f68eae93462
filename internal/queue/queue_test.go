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

package queue

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"engram/internal/store"
)

// fakeJobStore mirrors the job table's claim and guard semantics in memory:
// claims take the lowest (priority, not_before) claimable row and increment
// attempts, transitions require the caller to still hold the lock.
type fakeJobStore struct {
	jobs []*store.JobRow
}

func (f *fakeJobStore) claimable(j *store.JobRow) bool {
	return (j.Status == store.JobPending || j.Status == store.JobFailed) &&
		!j.NotBefore.After(time.Now())
}

func (f *fakeJobStore) EnqueueJob(_ context.Context, row store.JobRow) (uuid.UUID, error) {
	if row.Mode == "" {
		row.Mode = "incremental"
	}
	for _, j := range f.jobs {
		if j.RepoID == row.RepoID && j.JobType == row.JobType && j.Mode == row.Mode &&
			(j.Status == store.JobPending || j.Status == store.JobRunning || j.Status == store.JobFailed) {
			return uuid.Nil, store.ErrDuplicateJob
		}
	}
	if row.JobID == uuid.Nil {
		row.JobID = uuid.New()
	}
	if row.MaxAttempts <= 0 {
		row.MaxAttempts = 3
	}
	if row.NotBefore.IsZero() {
		row.NotBefore = time.Now().Add(-time.Second)
	}
	row.Status = store.JobPending
	var meta struct {
		TenantID string `json:"tenant_id"`
	}
	_ = json.Unmarshal(row.PayloadJSON, &meta)
	if meta.TenantID != "" {
		t := meta.TenantID
		row.TenantID = &t
	}
	cp := row
	f.jobs = append(f.jobs, &cp)
	return cp.JobID, nil
}

func (f *fakeJobStore) pick(jobTypes []string, tenantID string, byTenant bool) *store.JobRow {
	var best *store.JobRow
	for _, j := range f.jobs {
		if !f.claimable(j) {
			continue
		}
		if jobTypes != nil {
			ok := false
			for _, t := range jobTypes {
				if j.JobType == t {
					ok = true
				}
			}
			if !ok {
				continue
			}
		}
		if byTenant {
			bucket := ""
			if j.TenantID != nil {
				bucket = *j.TenantID
			}
			if bucket != tenantID {
				continue
			}
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && j.NotBefore.Before(best.NotBefore)) {
			best = j
		}
	}
	return best
}

func (f *fakeJobStore) claim(workerID string, jobTypes []string, tenantID string, byTenant bool) (*store.JobRow, error) {
	j := f.pick(jobTypes, tenantID, byTenant)
	if j == nil {
		return nil, store.ErrNotFound
	}
	j.Status = store.JobRunning
	j.Attempts++
	w := workerID
	j.LockedBy = &w
	now := time.Now()
	j.LockedAt = &now
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) ClaimJob(_ context.Context, workerID string, jobTypes []string) (*store.JobRow, error) {
	return f.claim(workerID, jobTypes, "", false)
}

func (f *fakeJobStore) ClaimJobForTenant(_ context.Context, workerID string, jobTypes []string, tenantID string) (*store.JobRow, error) {
	return f.claim(workerID, jobTypes, tenantID, true)
}

func (f *fakeJobStore) ClaimableTenants(_ context.Context, jobTypes []string) ([]string, error) {
	seen := map[string]bool{}
	for _, j := range f.jobs {
		if !f.claimable(j) {
			continue
		}
		bucket := ""
		if j.TenantID != nil {
			bucket = *j.TenantID
		}
		seen[bucket] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeJobStore) find(jobID uuid.UUID, workerID string) *store.JobRow {
	for _, j := range f.jobs {
		if j.JobID == jobID && j.Status == store.JobRunning &&
			j.LockedBy != nil && *j.LockedBy == workerID {
			return j
		}
	}
	return nil
}

func (f *fakeJobStore) AckJob(_ context.Context, jobID uuid.UUID, workerID string, runID *int64) (bool, error) {
	j := f.find(jobID, workerID)
	if j == nil {
		return false, nil
	}
	j.Status = store.JobCompleted
	j.LockedBy = nil
	if runID != nil {
		j.LastRunID = runID
	}
	return true, nil
}

func (f *fakeJobStore) FailRetryJob(_ context.Context, jobID uuid.UUID, workerID, lastError string, backoff time.Duration) (string, error) {
	j := f.find(jobID, workerID)
	if j == nil {
		return "", store.ErrNotFound
	}
	if j.Attempts >= j.MaxAttempts {
		j.Status = store.JobDead
	} else {
		j.Status = store.JobFailed
	}
	e := lastError
	j.LastError = &e
	j.NotBefore = time.Now().Add(backoff)
	j.LockedBy = nil
	return j.Status, nil
}

func (f *fakeJobStore) MarkJobDead(_ context.Context, jobID uuid.UUID, workerID, lastError string) (bool, error) {
	j := f.find(jobID, workerID)
	if j == nil {
		return false, nil
	}
	j.Status = store.JobDead
	e := lastError
	j.LastError = &e
	j.LockedBy = nil
	return true, nil
}

func (f *fakeJobStore) RenewJobLease(_ context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	j := f.find(jobID, workerID)
	if j == nil {
		return false, nil
	}
	now := time.Now()
	j.LockedAt = &now
	return true, nil
}

func (f *fakeJobStore) RequeueJobWithoutPenalty(_ context.Context, jobID uuid.UUID, workerID, reason string, jitter time.Duration) (bool, error) {
	j := f.find(jobID, workerID)
	if j == nil {
		return false, nil
	}
	j.Status = store.JobPending
	if j.Attempts > 0 {
		j.Attempts--
	}
	e := reason
	j.LastError = &e
	j.NotBefore = time.Now().Add(jitter)
	j.LockedBy = nil
	return true, nil
}

func enqueueN(t *testing.T, q *Queue, n int, tenant string, priority int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, ok, err := q.Enqueue(context.Background(), EnqueueRequest{
			RepoID:   tenant + "/repo-" + string(rune('a'+i)),
			JobType:  "gitlab_commits",
			Priority: priority,
			Payload:  Payload{TenantID: tenant},
		})
		if err != nil || !ok {
			t.Fatalf("enqueue %s #%d: ok=%v err=%v", tenant, i, ok, err)
		}
	}
}

// TestTenantFairClaimRotatesBuckets keeps a small backlog from starving
// behind a large one: with 15 urgent tenant_a jobs and 3 cheap tenant_b
// jobs, the first six claims still visit tenant_b.
func TestTenantFairClaimRotatesBuckets(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{TenantFairClaim: true})
	enqueueN(t, q, 15, "tenant_a", 100)
	enqueueN(t, q, 3, "tenant_b", 500)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		job, err := q.Claim(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("claim %d: no job", i)
		}
		counts[*job.TenantID]++
	}
	if counts["tenant_b"] < 2 {
		t.Fatalf("tenant_b claimed %d of first 6, want >= 2 (counts=%v)", counts["tenant_b"], counts)
	}
}

// TestClaimWithoutFairnessFollowsPriority drains strictly by priority when
// rotation is off.
func TestClaimWithoutFairnessFollowsPriority(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{})
	enqueueN(t, q, 3, "tenant_a", 100)
	enqueueN(t, q, 3, "tenant_b", 500)

	for i := 0; i < 3; i++ {
		job, err := q.Claim(context.Background(), "worker-1")
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, job, err)
		}
		if *job.TenantID != "tenant_a" {
			t.Fatalf("claim %d went to %s, want tenant_a first", i, *job.TenantID)
		}
	}
}

// TestEnqueueTranslatesDuplicateFamily reports an existing live family as a
// no-op, not an error.
func TestEnqueueTranslatesDuplicateFamily(t *testing.T) {
	q := New(&fakeJobStore{}, Options{})
	req := EnqueueRequest{RepoID: "group/app", JobType: "gitlab_commits"}
	id, ok, err := q.Enqueue(context.Background(), req)
	if err != nil || !ok || id == uuid.Nil {
		t.Fatalf("first enqueue: id=%v ok=%v err=%v", id, ok, err)
	}
	id, ok, err = q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if ok || id != uuid.Nil {
		t.Fatalf("duplicate enqueue: id=%v ok=%v, want nil/false", id, ok)
	}
}

// TestClaimEmptyQueueReturnsNil maps an empty queue to (nil, nil) for both
// claim paths.
func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	for _, fair := range []bool{false, true} {
		q := New(&fakeJobStore{}, Options{TenantFairClaim: fair})
		job, err := q.Claim(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("fair=%v: %v", fair, err)
		}
		if job != nil {
			t.Fatalf("fair=%v: got job %v from empty queue", fair, job)
		}
	}
}

// TestPayloadRoundTrip survives enqueue and parse with nested chunk data.
func TestPayloadRoundTrip(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{})
	want := Payload{
		TenantID:    "tenant_a",
		InstanceKey: "gitlab.example.com",
		Reasons:     []string{"cursor_stale", "bucket_low_tokens"},
	}
	if _, ok, err := q.Enqueue(context.Background(), EnqueueRequest{
		RepoID: "group/app", JobType: "gitlab_commits", Payload: want,
	}); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	got, err := ParsePayload(fs.jobs[0].PayloadJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("payload = %+v, want %+v", got, want)
	}
}

// TestFailRetryReachesDeadAtAttemptBudget walks a job through its attempt
// budget: failed, failed, then dead.
func TestFailRetryReachesDeadAtAttemptBudget(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{})
	if _, ok, err := q.Enqueue(context.Background(), EnqueueRequest{
		RepoID: "group/app", JobType: "gitlab_commits", MaxAttempts: 3,
	}); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}

	want := []string{store.JobFailed, store.JobFailed, store.JobDead}
	for i, expect := range want {
		job, err := q.Claim(context.Background(), "worker-1")
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, job, err)
		}
		status, err := q.FailRetry(context.Background(), job.JobID, "worker-1", "boom", 0)
		if err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		if status != expect {
			t.Fatalf("fail %d: status = %q, want %q", i, status, expect)
		}
	}
}

// TestRequeueWithoutPenaltyRefundsAttempt leaves attempts unchanged across a
// claim plus requeue pair.
func TestRequeueWithoutPenaltyRefundsAttempt(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{})
	if _, ok, err := q.Enqueue(context.Background(), EnqueueRequest{
		RepoID: "group/app", JobType: "gitlab_commits",
	}); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts after claim = %d, want 1", job.Attempts)
	}
	ok, err := q.RequeueWithoutPenalty(context.Background(), job.JobID, "worker-1", "repo locked upstream", 0)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	if fs.jobs[0].Attempts != 0 {
		t.Fatalf("attempts after requeue = %d, want 0", fs.jobs[0].Attempts)
	}
	if fs.jobs[0].Status != store.JobPending {
		t.Fatalf("status after requeue = %q, want pending", fs.jobs[0].Status)
	}
}

// TestGuardedTransitionsRequireLockHolder rejects acks and renewals from a
// worker that does not hold the lease.
func TestGuardedTransitionsRequireLockHolder(t *testing.T) {
	fs := &fakeJobStore{}
	q := New(fs, Options{})
	if _, ok, err := q.Enqueue(context.Background(), EnqueueRequest{
		RepoID: "group/app", JobType: "gitlab_commits",
	}); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if ok, _ := q.Ack(context.Background(), job.JobID, "worker-2", nil); ok {
		t.Fatalf("ack from non-holder succeeded")
	}
	if ok, _ := q.RenewLease(context.Background(), job.JobID, "worker-2"); ok {
		t.Fatalf("renew from non-holder succeeded")
	}
	if _, err := q.FailRetry(context.Background(), job.JobID, "worker-2", "x", 0); err == nil {
		t.Fatalf("fail from non-holder succeeded")
	}
}

// TestRotationOrdering pins the bucket rotation: the scan starts just after
// the tenant served last and wraps.
func TestRotationOrdering(t *testing.T) {
	q := New(&fakeJobStore{}, Options{TenantFairClaim: true})
	q.lastTenant, q.hasLast = "b", true

	got := q.rotated([]string{"a", "b", "c"})
	if want := []string{"c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("rotated = %v, want %v", got, want)
	}
	got = q.rotated([]string{"a", "c"})
	if want := []string{"c", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("rotated with drained bucket = %v, want %v", got, want)
	}
	q.lastTenant = "c"
	got = q.rotated([]string{"a", "b", "c"})
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("rotated wrap = %v, want %v", got, want)
	}
}
