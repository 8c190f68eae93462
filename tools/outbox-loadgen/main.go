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

// outbox-loadgen seeds the delivery outbox with synthetic pending rows so
// worker throughput and backlog behavior can be measured under load. It
// connects with ENGRAM_PG_DSN, inserts from concurrent writers, and can
// optionally sit and watch the pending depth until running workers drain it.
//
// Usage examples:
//
//	outbox-loadgen -n=5000 -c=16 -space=team:loadtest
//	outbox-loadgen -n=2000 -payload_bytes=4096 -watch -watch_timeout=5m
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engram/internal/store"
)

func main() {
	var (
		n            = flag.Int("n", 1000, "Total rows to insert")
		conc         = flag.Int("c", 8, "Number of concurrent inserters")
		space        = flag.String("space", "team:loadtest", "Target space for the seeded rows")
		payloadBytes = flag.Int("payload_bytes", 256, "Approximate payload size per row")
		timeout      = flag.Duration("timeout", time.Minute, "Overall timeout for the insert phase")
		watch        = flag.Bool("watch", false, "After seeding, poll until the pending depth reaches zero")
		watchEvery   = flag.Duration("watch_every", 500*time.Millisecond, "Depth poll interval in watch mode")
		watchTimeout = flag.Duration("watch_timeout", 10*time.Minute, "Give up watching after this long")
	)
	flag.Parse()

	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	dsn := os.Getenv("ENGRAM_PG_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "ENGRAM_PG_DSN is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := store.Open(ctx, store.Config{DSN: dsn, MaxOpenConns: *conc}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(2)
	}
	defer st.Close()

	filler := strings.Repeat("x", *payloadBytes)
	runID := time.Now().UnixNano()
	start := time.Now()
	var inserted, failed int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			// Unique payload per row so no two rows share a hash: the seeded
			// backlog must look like distinct writes, not dedup candidates.
			payload := fmt.Sprintf("loadgen run=%d worker=%d row=%d %s", runID, id, i, filler)
			sum := sha256.Sum256([]byte(payload))
			_, err := st.EnqueueOutbox(ctx, nil, *space, payload, hex.EncodeToString(sum[:]), time.Now())
			if err != nil {
				atomic.AddInt64(&failed, 1)
				continue
			}
			atomic.AddInt64(&inserted, 1)
		}
	}

	per := *n / *conc
	rem := *n - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, rows int) {
			defer wg.Done()
			worker(id, rows)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	fmt.Printf("Seed: rows=%d failed=%d c=%d Duration=%s Throughput=%.0f rows/s\n",
		inserted, failed, *conc, elapsed.Truncate(time.Millisecond), float64(inserted)/elapsed.Seconds())

	if !*watch || inserted == 0 {
		return
	}

	// Watch phase: report the drain as running workers chew through the
	// backlog. Claimed rows stay pending until marked, so pending going to
	// zero means every row reached a terminal status.
	wctx, wcancel := context.WithTimeout(context.Background(), *watchTimeout)
	defer wcancel()
	drainStart := time.Now()
	last := inserted
	for {
		select {
		case <-wctx.Done():
			fmt.Fprintln(os.Stderr, "watch timed out before the backlog drained")
			os.Exit(1)
		case <-time.After(*watchEvery):
		}
		depth, err := st.OutboxDepth(wctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "depth poll: %v\n", err)
			continue
		}
		pending := depth[store.OutboxPending]
		if pending != last {
			fmt.Printf("Drain: pending=%d sent=%d dead=%d elapsed=%s\n",
				pending, depth[store.OutboxSent], depth[store.OutboxDead],
				time.Since(drainStart).Truncate(time.Millisecond))
			last = pending
		}
		if pending == 0 {
			drainElapsed := time.Since(drainStart)
			if drainElapsed <= 0 {
				drainElapsed = time.Millisecond
			}
			fmt.Printf("Drained: rows=%d Duration=%s Throughput=%.0f rows/s\n",
				inserted, drainElapsed.Truncate(time.Millisecond), float64(inserted)/drainElapsed.Seconds())
			return
		}
	}
}
