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

package syncrun

import (
	"fmt"
	"strings"
	"time"

	"engram/internal/governance"
	"engram/internal/scm"
)

// Item kinds written through the governance gate. These tokens must match
// the allowed_kinds vocabulary in governance policy documents.
const (
	KindCommit       = "commit"
	KindMergeRequest = "merge_request"
	KindReview       = "review"
)

// commitWrite renders one commit as a governed write. The item id is stable
// for the commit's lifetime, so replays dedup on (space, payload_sha) and
// trace back through the same id. Sync writes carry no actor: authorship is
// metadata, not an acting user.
func commitWrite(repoID string, c scm.Commit) governance.WriteRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "# Commit %s: %s\n\n", shortRef(c), c.Title)
	fmt.Fprintf(&b, "- Repo: %s\n", repoID)
	fmt.Fprintf(&b, "- Author: %s\n", c.Author)
	fmt.Fprintf(&b, "- Date: %s\n", c.AuthoredAt.UTC().Format(time.RFC3339))
	if c.Rev > 0 {
		fmt.Fprintf(&b, "- Revision: r%d\n", c.Rev)
	}
	if c.Diff != "" {
		b.WriteString("\n```diff\n")
		b.WriteString(c.Diff)
		if !strings.HasSuffix(c.Diff, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n")
	}
	return governance.WriteRequest{
		PayloadMD: b.String(),
		Kind:      KindCommit,
		ItemID:    commitItemID(repoID, c),
		IsBulk:    c.Bulk,
		Meta: map[string]string{
			"repo_id": repoID,
			"author":  c.Author,
		},
		EvidenceRefs: []string{"commit:" + commitRef(c)},
	}
}

// mergeRequestWrite renders one merge request as a governed write.
func mergeRequestWrite(repoID string, m scm.MergeRequest) governance.WriteRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "# Merge request !%d: %s\n\n", m.IID, m.Title)
	fmt.Fprintf(&b, "- Repo: %s\n", repoID)
	fmt.Fprintf(&b, "- State: %s\n", m.State)
	fmt.Fprintf(&b, "- Updated: %s\n", m.UpdatedAt.UTC().Format(time.RFC3339))
	return governance.WriteRequest{
		PayloadMD: b.String(),
		Kind:      KindMergeRequest,
		ItemID:    "mr:" + m.ID,
		Meta: map[string]string{
			"repo_id":  repoID,
			"mr_state": m.State,
		},
		EvidenceRefs: []string{"mr:" + m.ID},
	}
}

// reviewWrite renders one review event as a governed write. The item id
// folds in the event kind and timestamp because one merge request yields many
// events.
func reviewWrite(repoID string, ev scm.ReviewEvent) governance.WriteRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "# Review %s on %s\n\n", ev.Kind, ev.MRID)
	fmt.Fprintf(&b, "- Repo: %s\n", repoID)
	fmt.Fprintf(&b, "- Author: %s\n", ev.Author)
	fmt.Fprintf(&b, "- At: %s\n", ev.CreatedAt.UTC().Format(time.RFC3339))
	if ev.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", ev.Body)
	}
	return governance.WriteRequest{
		PayloadMD: b.String(),
		Kind:      KindReview,
		ItemID:    fmt.Sprintf("review:%s:%s:%d", ev.MRID, ev.Kind, ev.CreatedAt.Unix()),
		Meta: map[string]string{
			"repo_id": repoID,
			"author":  ev.Author,
		},
		EvidenceRefs: []string{"mr:" + ev.MRID},
	}
}

func commitItemID(repoID string, c scm.Commit) string {
	return repoID + "@" + commitRef(c)
}

// commitRef names a commit on its host's axis: the SHA for git, rN for
// centralized VCS.
func commitRef(c scm.Commit) string {
	if c.SHA != "" {
		return c.SHA
	}
	return fmt.Sprintf("r%d", c.Rev)
}

// shortRef abbreviates the ref for headings.
func shortRef(c scm.Commit) string {
	if c.SHA != "" && len(c.SHA) > 12 {
		return c.SHA[:12]
	}
	return commitRef(c)
}
