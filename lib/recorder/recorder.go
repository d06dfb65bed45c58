// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tidemark/lib/accumulator"
	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/flight"
	"github.com/bureau-foundation/tidemark/lib/lifecycle"
	"github.com/bureau-foundation/tidemark/lib/logging"
	"github.com/bureau-foundation/tidemark/lib/transport"
	"github.com/bureau-foundation/tidemark/lib/upload"
)

// ErrRecording is returned by Start when a recording is already active.
var ErrRecording = errors.New("recorder: already recording")

// Store is the part of the batch store the recorder uses.
type Store interface {
	upload.Store
	Put(ctx context.Context, b *batch.Batch) (int64, error)
	CountPending(ctx context.Context, sessionID string) (int, error)
	PruneOldestBySession(ctx context.Context, sessionID string, keep int) (int, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error)
	MaxSeq(ctx context.Context, sessionID string) (int64, error)
	PendingSessions(ctx context.Context) ([]string, error)
}

// Queue delivers a session's pending batches. *upload.Queue
// implements it.
type Queue interface {
	Drain(ctx context.Context, sessionID string, mode transport.Mode) upload.Result
	Stats() upload.Stats
	Running() bool
}

// Config tunes the recorder.
type Config struct {
	Buffer accumulator.Config

	// HeartbeatInterval is the period of the heartbeat. Required.
	HeartbeatInterval time.Duration

	// PruneEvery runs the slow maintenance work (age pruning and
	// draining sessions other than the active one) on every
	// PruneEvery-th heartbeat. Values below 1 mean every heartbeat.
	PruneEvery int

	// ObserveMode keeps delivered batches until SentDelay has passed.
	ObserveMode bool
	SentDelay   time.Duration

	// MaxPendingBatches caps the batches kept per session, sent or
	// not. Zero disables the cap.
	MaxPendingBatches int

	// MaxAge is how long any batch may stay in the store. Zero
	// disables age pruning.
	MaxAge time.Duration

	// DegradedMaxBytes is the largest commit a degraded flush will try
	// to send. Larger commits are persisted only.
	DegradedMaxBytes int
}

// Deps are the recorder's collaborators.
type Deps struct {
	Store Store
	Queue Queue

	// ResumeGuard admits one Resume at a time. Required.
	ResumeGuard *flight.Guard

	Clock  clock.Clock
	Logger *zap.Logger
}

// FlushOptions modify a Flush.
type FlushOptions struct {
	// Degraded sends with the degraded transport and skips the send
	// when the commit is larger than Config.DegradedMaxBytes.
	Degraded bool
}

// FlushResult describes one Flush.
type FlushResult struct {
	// Batches and Bytes count what this flush persisted.
	Batches int
	Bytes   int

	// SendSkipped is set when a degraded flush persisted more than
	// the degraded ceiling and did not try to send.
	SendSkipped bool

	// Drain is the result of the drain that followed the commit. It
	// is zero when nothing was persisted or the send was skipped.
	Drain upload.Result
}

// Recorder is safe for concurrent use.
type Recorder struct {
	config Config
	deps   Deps
	logger *zap.Logger

	// mu guards the recording state. Append holds it for reading so
	// that Stop cannot miss a background commit being spawned.
	mu        sync.RWMutex
	recording bool
	sessionID string
	acc       *accumulator.Accumulator

	// ctx carries background work: the timers and the drains that
	// Append spawns. Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	loops      sync.WaitGroup
	background sync.WaitGroup

	// commitMu serializes commits so batches reach the store in seq
	// order.
	commitMu sync.Mutex

	ticks int
}

// New validates config and returns an idle recorder.
func New(config Config, deps Deps) (*Recorder, error) {
	if deps.Store == nil || deps.Queue == nil || deps.ResumeGuard == nil || deps.Clock == nil {
		return nil, errors.New("recorder: Store, Queue, ResumeGuard, and Clock are required")
	}
	if config.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("recorder: heartbeat interval must be positive, got %s", config.HeartbeatInterval)
	}
	if config.PruneEvery < 1 {
		config.PruneEvery = 1
	}
	return &Recorder{config: config, deps: deps, logger: logging.OrNop(deps.Logger)}, nil
}

// Start begins recording into sessionID. It seeds the sequence
// counter past anything the store has seen for the session, delivers
// what earlier runs left pending, and then starts the flush timer and
// the heartbeat.
//
// Background work outlives ctx's cancellation; Stop ends it.
// Commits are never cut short, but a drain running in the background
// gives up on pacing and in-flight sends when Stop is called.
func (r *Recorder) Start(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("recorder: empty session ID")
	}
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrRecording
	}
	maxSeq, err := r.deps.Store.MaxSeq(ctx, sessionID)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("recorder: reading sequence high-water mark: %w", err)
	}
	r.sessionID = sessionID
	r.acc = accumulator.New(r.config.Buffer, r.deps.Clock, maxSeq+1)
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx := r.ctx
	r.ticks = 0
	r.mu.Unlock()

	r.logger.Info("recording starting",
		zap.String("session", sessionID),
		zap.Int64("next_seq", maxSeq+1),
	)

	if _, err := r.Resume(ctx); err != nil {
		r.logger.Warn("resume before recording failed", zap.Error(err))
	}

	r.mu.Lock()
	r.recording = true
	r.mu.Unlock()

	if r.config.Buffer.FlushInterval > 0 {
		flushTicker := r.deps.Clock.NewTicker(r.config.Buffer.FlushInterval)
		r.loops.Add(1)
		go r.flushLoop(loopCtx, flushTicker)
	}
	heartbeat := r.deps.Clock.NewTicker(r.config.HeartbeatInterval)
	r.loops.Add(1)
	go r.heartbeatLoop(loopCtx, heartbeat)
	return nil
}

// Append hands one event to the buffer and returns without waiting on
// the store or the network. When the event trips a trigger, the sealed
// buffer is committed and sent in the background. Returns false when
// the recorder is not recording.
func (r *Recorder) Append(event batch.Event) bool {
	r.mu.RLock()
	if !r.recording {
		r.mu.RUnlock()
		return false
	}
	sealed := r.acc.Add(event)
	if sealed {
		r.background.Add(1)
	}
	ctx := r.ctx
	r.mu.RUnlock()

	if sealed {
		go func() {
			defer r.background.Done()
			if _, err := r.commitAndSend(ctx, FlushOptions{}); err != nil {
				r.logger.Warn("background flush failed", zap.Error(err))
			}
		}()
	}
	return true
}

// Flush seals the open buffer, persists every sealed chunk, and then
// drains the active session. A flush with nothing to persist is a
// no-op.
//
// When persisting fails, the chunks that were not stored go back to
// the buffer for the next flush and Flush returns the store error.
func (r *Recorder) Flush(ctx context.Context, options FlushOptions) (FlushResult, error) {
	r.mu.RLock()
	acc := r.acc
	r.mu.RUnlock()
	if acc == nil {
		return FlushResult{}, nil
	}
	acc.Seal()
	return r.commitAndSend(ctx, options)
}

func (r *Recorder) commitAndSend(ctx context.Context, options FlushOptions) (FlushResult, error) {
	result, err := r.commit(ctx)
	if err != nil || result.Batches == 0 {
		return result, err
	}

	if options.Degraded && r.config.DegradedMaxBytes > 0 && result.Bytes > r.config.DegradedMaxBytes {
		r.logger.Info("commit too large for degraded send; left for the next drain",
			zap.String("session", r.session()),
			zap.String("size", humanize.IBytes(uint64(result.Bytes))),
			zap.String("ceiling", humanize.IBytes(uint64(r.config.DegradedMaxBytes))),
		)
		result.SendSkipped = true
		return result, nil
	}

	mode := transport.Normal
	if options.Degraded {
		mode = transport.Degraded
	}
	result.Drain = r.deps.Queue.Drain(ctx, r.session(), mode)
	return result, nil
}

// commit persists every sealed chunk in order, pruning the session to
// its capacity after each one.
func (r *Recorder) commit(ctx context.Context) (FlushResult, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.RLock()
	acc, sessionID := r.acc, r.sessionID
	r.mu.RUnlock()

	// A commit that has started is finished even if the caller gives
	// up: the chunks exist nowhere else.
	ctx = context.WithoutCancel(ctx)

	var result FlushResult
	chunks := acc.TakeSealed()
	for i, chunk := range chunks {
		b := &batch.Batch{
			SessionID: sessionID,
			Seq:       chunk.Seq,
			Events:    chunk.Events,
			SizeBytes: chunk.SizeBytes,
		}
		if _, err := r.deps.Store.Put(ctx, b); err != nil {
			acc.Restore(chunks[i:])
			r.logger.Warn("persisting batch failed; events kept in memory",
				zap.String("session", sessionID),
				zap.Int64("seq", chunk.Seq),
				zap.Int("chunks", len(chunks)-i),
				zap.Error(err),
			)
			return result, err
		}
		result.Batches++
		result.Bytes += b.SizeBytes
		r.logger.Debug("batch persisted",
			zap.String("session", sessionID),
			zap.Int64("seq", b.Seq),
			zap.Int("events", len(b.Events)),
			zap.String("size", humanize.IBytes(uint64(b.SizeBytes))),
		)
		r.pruneCapacity(ctx, sessionID)
	}
	return result, nil
}

func (r *Recorder) pruneCapacity(ctx context.Context, sessionID string) {
	if r.config.MaxPendingBatches <= 0 {
		return
	}
	pruned, err := r.deps.Store.PruneOldestBySession(ctx, sessionID, r.config.MaxPendingBatches)
	if err != nil {
		r.logger.Warn("capacity pruning failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if pruned > 0 {
		r.logger.Info("pruned batches over capacity",
			zap.String("session", sessionID),
			zap.Int("pruned", pruned),
			zap.Int("capacity", r.config.MaxPendingBatches),
		)
	}
}

// Resume drains the active session and then every other session that
// still has pending batches, oldest first. Only one Resume runs at a
// time; a concurrent call returns immediately. It stops at the first
// session whose drain fails.
func (r *Recorder) Resume(ctx context.Context) (int, error) {
	if !r.deps.ResumeGuard.TryEnter() {
		return 0, nil
	}
	defer r.deps.ResumeGuard.Exit()

	sessions, err := r.deps.Store.PendingSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("recorder: listing pending sessions: %w", err)
	}
	active := r.session()
	if active != "" {
		ordered := []string{active}
		for _, sessionID := range sessions {
			if sessionID != active {
				ordered = append(ordered, sessionID)
			}
		}
		sessions = ordered
	}

	sent := 0
	for _, sessionID := range sessions {
		result := r.deps.Queue.Drain(ctx, sessionID, transport.Normal)
		sent += result.Sent
		if result.Skipped || result.Deferred {
			break
		}
		if result.Err != nil {
			return sent, result.Err
		}
	}
	if sent > 0 {
		r.logger.Info("resumed pending batches", zap.Int("sent", sent))
	}
	return sent, nil
}

// Suspend is the lifecycle fallback: it commits whatever is buffered
// and tries one degraded send. Without an active session it does
// nothing.
func (r *Recorder) Suspend(ctx context.Context, reason lifecycle.Reason) (FlushResult, error) {
	if r.session() == "" {
		return FlushResult{}, nil
	}
	result, err := r.Flush(ctx, FlushOptions{Degraded: true})
	r.logger.Info("suspend flush",
		zap.String("reason", string(reason)),
		zap.Int("batches", result.Batches),
		zap.Bool("send_skipped", result.SendSkipped),
		zap.Int("sent", result.Drain.Sent),
	)
	return result, err
}

// WatchLifecycle calls Suspend for every notification from port. It
// returns the first terminal Reason, after suspending for it, or ""
// when ctx is done.
func (r *Recorder) WatchLifecycle(ctx context.Context, port lifecycle.Port) lifecycle.Reason {
	for {
		select {
		case reason := <-port.Suspending():
			if _, err := r.Suspend(ctx, reason); err != nil {
				r.logger.Warn("suspend flush failed", zap.String("reason", string(reason)), zap.Error(err))
			}
			if reason.Terminal() {
				return reason
			}
		case <-ctx.Done():
			return ""
		}
	}
}

// Stop halts buffer growth and both timers, cancels background
// drains, then makes one last flush and one last drain. Everything
// Stop waits on is bounded by ctx. The returned error is a store
// failure from the last flush, or ctx's error when waiting ran out of
// time.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	r.cancel()
	sessionID := r.sessionID
	r.mu.Unlock()

	// Buffered events are persisted even when a timer overran the
	// deadline; commits are serialized with any tick still running.
	var waitErr error
	if err := wait(ctx, &r.loops); err != nil {
		waitErr = fmt.Errorf("recorder: waiting for timers: %w", err)
	}

	_, flushErr := r.Flush(ctx, FlushOptions{})
	if waitErr != nil {
		return errors.Join(flushErr, waitErr)
	}
	result := r.deps.Queue.Drain(ctx, sessionID, transport.Normal)
	switch {
	case result.Err != nil:
		r.logger.Warn("final drain failed; batches stay pending", zap.Error(result.Err))
	case result.Deferred:
		r.logger.Info("final drain deferred by backoff; batches stay pending", zap.String("session", sessionID))
	}

	if err := wait(ctx, &r.background); err != nil {
		return errors.Join(flushErr, fmt.Errorf("recorder: waiting for background flushes: %w", err))
	}

	r.logger.Info("recording stopped", zap.String("session", sessionID))
	return flushErr
}

// wait returns when group is done or ctx is, whichever is first.
func wait(ctx context.Context, group *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) flushLoop(ctx context.Context, ticker *clock.Ticker) {
	defer r.loops.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Flush(ctx, FlushOptions{}); err != nil {
				r.logger.Warn("timed flush failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) heartbeatLoop(ctx context.Context, ticker *clock.Ticker) {
	defer r.loops.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick is one heartbeat. Each step logs its own failure and the next
// step runs regardless.
func (r *Recorder) tick(ctx context.Context) {
	r.ticks++
	sessionID := r.session()

	if !r.acc.Empty() {
		r.acc.Seal()
		if _, err := r.commit(ctx); err != nil {
			r.logger.Warn("heartbeat flush failed", zap.Error(err))
		}
	}

	if result := r.deps.Queue.Drain(ctx, sessionID, transport.Normal); result.Err != nil {
		r.logger.Debug("heartbeat drain stopped", zap.Error(result.Err))
	}

	now := r.deps.Clock.Now()
	if r.ticks%r.config.PruneEvery == 0 {
		if r.config.MaxAge > 0 {
			pruned, err := r.deps.Store.PruneOlderThan(ctx, now.Add(-r.config.MaxAge))
			if err != nil {
				r.logger.Warn("age pruning failed", zap.Error(err))
			} else if pruned > 0 {
				r.logger.Info("pruned aged batches",
					zap.Int("pruned", pruned),
					zap.Duration("max_age", r.config.MaxAge),
				)
			}
		}
		if _, err := r.Resume(ctx); err != nil {
			r.logger.Debug("heartbeat resume stopped", zap.Error(err))
		}
	}

	if r.config.ObserveMode {
		deleted, err := r.deps.Store.DeleteSentBefore(ctx, now.Add(-r.config.SentDelay))
		if err != nil {
			r.logger.Warn("deleting delivered batches failed", zap.Error(err))
		} else if deleted > 0 {
			r.logger.Debug("deleted delivered batches", zap.Int("deleted", deleted))
		}
	}
}

func (r *Recorder) session() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}
