// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bureau-foundation/tidemark/lib/transport"
)

// TestDrainHeadOfLineProperty checks, for any number of pending batches
// and any failing position, that sends happen in seq order, stop at the
// failure, and leave exactly the failed batch and its successors
// pending.
func TestDrainHeadOfLineProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("sends are an in-order prefix ending at the first failure", prop.ForAll(
		func(count int, failAt int) bool {
			h := newHarness(t)
			seqs := make([]int64, count)
			for i := range seqs {
				seqs[i] = int64(count - i) // inserted in reverse
			}
			h.put(t, "s", seqs...)
			h.sender.failSeq = func(seq int64) bool { return int(seq) == failAt }

			result := h.queue(t, Config{}).Drain(context.Background(), "s", transport.Normal)

			lastAttempt := count
			if failAt >= 1 && failAt <= count {
				lastAttempt = failAt
			}
			var wantAttempts, wantPending []int64
			for seq := int64(1); seq <= int64(count); seq++ {
				if seq <= int64(lastAttempt) {
					wantAttempts = append(wantAttempts, seq)
				}
				if failAt >= 1 && seq >= int64(failAt) {
					wantPending = append(wantPending, seq)
				}
			}

			failed := failAt >= 1 && failAt <= count
			return slices.Equal(h.sender.attempts(), wantAttempts) &&
				slices.Equal(h.pendingSeqs(t, "s"), wantPending) &&
				(result.Err != nil) == failed
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 9),
	))

	properties.TestingRun(t)
}
