// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/batchstore"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/compress"
	"github.com/bureau-foundation/tidemark/lib/flight"
	"github.com/bureau-foundation/tidemark/lib/testutil"
	"github.com/bureau-foundation/tidemark/lib/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeSender records every send. failSeq, when set, decides per
// payload whether the send fails. release, when set, holds each send
// until a value arrives.
type fakeSender struct {
	mu      sync.Mutex
	sent    []int64
	modes   []transport.Mode
	failSeq func(seq int64) bool
	entered chan int64
	release chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, payload *transport.Payload, mode transport.Mode) error {
	if s.entered != nil {
		s.entered <- payload.Seq
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload.Seq)
	s.modes = append(s.modes, mode)
	if s.failSeq != nil && s.failSeq(payload.Seq) {
		return &transport.Error{StatusCode: 503, Err: errors.New("503 Service Unavailable")}
	}
	return nil
}

func (s *fakeSender) attempts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

type harness struct {
	store  *batchstore.Store
	clock  *clock.FakeClock
	sender *fakeSender
	guard  *flight.Guard
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	store, err := batchstore.Open(batchstore.Config{
		Path:  filepath.Join(t.TempDir(), "batches.db"),
		Clock: fake,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &harness{store: store, clock: fake, sender: &fakeSender{}, guard: &flight.Guard{}}
}

func (h *harness) queue(t *testing.T, config Config) *Queue {
	return h.queueWithStore(t, config, h.store)
}

func (h *harness) queueWithStore(t *testing.T, config Config, store Store) *Queue {
	return New(config, Deps{
		Store:   store,
		Sender:  h.sender,
		Adapter: compress.New(true, compress.Gzip, nil),
		Guard:   h.guard,
		Clock:   h.clock,
		Logger:  zaptest.NewLogger(t),
	})
}

func (h *harness) put(t *testing.T, session string, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		_, err := h.store.Put(context.Background(), &batch.Batch{
			SessionID: session,
			Seq:       seq,
			Events:    []batch.Event{batch.Event(fmt.Sprintf(`{"n":%d}`, seq))},
		})
		require.NoError(t, err)
	}
}

func (h *harness) pendingSeqs(t *testing.T, session string) []int64 {
	t.Helper()
	pending, err := h.store.GetPending(context.Background(), session)
	require.NoError(t, err)
	var seqs []int64
	for _, b := range pending {
		seqs = append(seqs, b.Seq)
	}
	return seqs
}

func TestDrainSendsInSeqOrderAndDeletes(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 3, 1, 2)
	h.put(t, "s2", 1)

	result := h.queue(t, Config{}).Drain(context.Background(), "s1", transport.Normal)
	require.NoError(t, result.Err)
	require.False(t, result.Skipped)
	require.Equal(t, 3, result.Sent)
	require.Equal(t, []int64{1, 2, 3}, h.sender.attempts())

	count, err := h.store.Count(context.Background(), "s1")
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, []int64{1}, h.pendingSeqs(t, "s2"), "other sessions are not drained")
}

func TestDrainObserveModeMarksSent(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1, 2)
	queue := h.queue(t, Config{ObserveMode: true})

	result := queue.Drain(context.Background(), "s1", transport.Normal)
	require.NoError(t, result.Err)
	require.Equal(t, 2, result.Sent)

	sent, err := h.store.CountSent(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, sent, "observe mode keeps delivered batches")

	result = queue.Drain(context.Background(), "s1", transport.Normal)
	require.Zero(t, result.Sent, "sent batches are never offered again")
	require.Len(t, h.sender.attempts(), 2)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1, 2, 3, 4)
	h.sender.failSeq = func(seq int64) bool { return seq == 2 }

	result := h.queue(t, Config{}).Drain(context.Background(), "s1", transport.Normal)
	var transportErr *transport.Error
	require.ErrorAs(t, result.Err, &transportErr)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, []int64{1, 2}, h.sender.attempts(), "nothing after the failed batch is attempted")
	require.Equal(t, []int64{2, 3, 4}, h.pendingSeqs(t, "s1"), "the failed batch stays pending")
}

func TestDrainBackoffDoublesAndResets(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1)
	h.sender.failSeq = func(int64) bool { return true }
	queue := h.queue(t, Config{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second})
	ctx := context.Background()

	require.Error(t, queue.Drain(ctx, "s1", transport.Normal).Err)
	attempts := 1
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		h.clock.Advance(wait - time.Millisecond)
		deferred := queue.Drain(ctx, "s1", transport.Normal)
		require.True(t, deferred.Deferred, "drain inside the %v window", wait)
		require.NoError(t, deferred.Err)
		require.Len(t, h.sender.attempts(), attempts)

		h.clock.Advance(time.Millisecond)
		require.Error(t, queue.Drain(ctx, "s1", transport.Normal).Err, "drain after %v", wait)
		attempts++
		require.Len(t, h.sender.attempts(), attempts)
	}
	require.Equal(t, h.clock.Now().Add(4*time.Second), queue.Stats().RetryAt)

	h.clock.Advance(4 * time.Second)
	h.sender.failSeq = nil
	require.NoError(t, queue.Drain(ctx, "s1", transport.Normal).Err)
	require.True(t, queue.Stats().RetryAt.IsZero())

	h.sender.failSeq = func(int64) bool { return true }
	h.put(t, "s1", 2)
	require.Error(t, queue.Drain(ctx, "s1", transport.Normal).Err)
	h.clock.Advance(time.Second)
	require.False(t, queue.Drain(ctx, "s1", transport.Normal).Deferred, "success resets the backoff")
}

func TestBackoffWindowLeavesGuardFree(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1)
	h.sender.failSeq = func(int64) bool { return true }
	queue := h.queue(t, Config{InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	require.Error(t, queue.Drain(context.Background(), "s1", transport.Normal).Err)
	require.False(t, queue.Running(), "a failed drain returns without holding the guard")
	require.Zero(t, h.clock.PendingCount(), "no sleep is scheduled for the backoff")

	h.sender.failSeq = nil
	result := queue.Drain(context.Background(), "s1", transport.Degraded)
	require.False(t, result.Deferred)
	require.False(t, result.Skipped)
	require.NoError(t, result.Err)
	require.Equal(t, 1, result.Sent)
	require.Empty(t, h.pendingSeqs(t, "s1"))
}

func TestDrainIgnoresReentrantCalls(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1)
	h.sender.entered = make(chan int64, 1)
	h.sender.release = make(chan struct{})
	queue := h.queue(t, Config{})

	done := make(chan Result, 1)
	go func() { done <- queue.Drain(context.Background(), "s1", transport.Normal) }()
	testutil.RequireReceive(t, h.sender.entered, 5*time.Second, "first drain sending")

	require.True(t, queue.Running())
	second := queue.Drain(context.Background(), "s1", transport.Normal)
	require.True(t, second.Skipped)
	require.Zero(t, second.Sent)

	close(h.sender.release)
	first := testutil.RequireReceive(t, done, 5*time.Second, "first drain finishing")
	require.NoError(t, first.Err)
	require.Equal(t, 1, first.Sent)
	require.False(t, queue.Running())
}

func TestDrainPicksUpBatchesPersistedMidDrain(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1)
	h.sender.entered = make(chan int64, 4)
	h.sender.release = make(chan struct{}, 4)
	queue := h.queue(t, Config{})

	done := make(chan Result, 1)
	go func() { done <- queue.Drain(context.Background(), "s1", transport.Normal) }()
	testutil.RequireReceive(t, h.sender.entered, 5*time.Second, "sending seq 1")

	h.put(t, "s1", 2)
	h.sender.release <- struct{}{}
	testutil.RequireReceive(t, h.sender.entered, 5*time.Second, "sending seq 2")
	h.sender.release <- struct{}{}

	result := testutil.RequireReceive(t, done, 5*time.Second, "drain finishing")
	require.NoError(t, result.Err)
	require.Equal(t, 2, result.Sent)
}

func TestDrainPacesSends(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1, 2, 3)
	queue := h.queue(t, Config{SendRate: 1})

	done := make(chan Result, 1)
	go func() { done <- queue.Drain(context.Background(), "s1", transport.Normal) }()

	for sent := 1; sent < 3; sent++ {
		h.clock.WaitForTimers(1)
		require.Len(t, h.sender.attempts(), sent)
		h.clock.Advance(time.Second)
	}
	result := testutil.RequireReceive(t, done, 5*time.Second, "paced drain finishing")
	require.Equal(t, 3, result.Sent)
}

func TestDegradedDrainSkipsPacingAndSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1, 2)
	queue := h.queue(t, Config{SendRate: 1, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := queue.Drain(ctx, "s1", transport.Degraded)
	require.NoError(t, result.Err)
	require.Equal(t, 2, result.Sent)
	require.Equal(t, []transport.Mode{transport.Degraded, transport.Degraded}, h.sender.modes)
}

// retireFailingStore accepts sends but cannot delete.
type retireFailingStore struct {
	*batchstore.Store
}

func (retireFailingStore) Delete(context.Context, int64) error {
	return &batchstore.Error{Op: "delete", Err: errors.New("disk I/O error")}
}

func TestDrainAbortsWhenRetireFails(t *testing.T) {
	h := newHarness(t)
	h.put(t, "s1", 1, 2)
	queue := h.queueWithStore(t, Config{}, retireFailingStore{h.store})

	result := queue.Drain(context.Background(), "s1", transport.Normal)
	var storeErr *batchstore.Error
	require.ErrorAs(t, result.Err, &storeErr)
	require.Equal(t, []int64{1}, h.sender.attempts())
	require.Equal(t, int64(1), queue.Stats().Failures)
}
