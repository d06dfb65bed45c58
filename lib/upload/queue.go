// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload drains a session's pending batches to the collector.
//
// Drain is strictly serial and head-of-line: it sends pending batches
// one at a time in seq order, deletes (or, in observe mode, marks sent)
// each one the collector accepts, and stops at the first failure. The
// failed batch and everything behind it stay pending for the next
// trigger. A failure also starts a backoff window, which doubles on
// consecutive failures up to a ceiling and resets on the next success.
// Normal drains called inside the window return at once with
// Result.Deferred set. The window holds no lock, so a degraded drain
// still goes through.
//
// Only one Drain runs per process. A Drain called while another is
// running returns immediately with Result.Skipped set; the running one
// re-reads the store until it finds nothing pending, so batches
// persisted in the meantime are not stranded.
package upload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/compress"
	"github.com/bureau-foundation/tidemark/lib/flight"
	"github.com/bureau-foundation/tidemark/lib/logging"
	"github.com/bureau-foundation/tidemark/lib/transport"
)

// Store is the part of the batch store the queue uses. GetPending is
// its only read path.
type Store interface {
	GetPending(ctx context.Context, sessionID string) ([]batch.Batch, error)
	Delete(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64) error
}

// Config tunes delivery.
type Config struct {
	// ObserveMode marks delivered batches sent instead of deleting them.
	ObserveMode bool

	// InitialBackoff is the retry window after a first failure; it
	// doubles up to MaxBackoff. Zero disables the window.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SendRate caps normal-mode sends per second. Zero means no cap.
	SendRate float64
}

// Deps are the collaborators shared with the rest of the process.
type Deps struct {
	Store   Store
	Sender  transport.Sender
	Adapter *compress.Adapter

	// Guard admits one Drain at a time.
	Guard *flight.Guard

	Clock  clock.Clock
	Logger *zap.Logger
}

// Result describes one Drain call.
type Result struct {
	// Skipped is set when another Drain was already running.
	Skipped bool

	// Deferred is set when a normal Drain arrived inside the backoff
	// window and sent nothing.
	Deferred bool

	// Sent counts batches delivered by this call.
	Sent int

	// Err is the failure that stopped the loop, nil when the session
	// ran out of pending batches.
	Err error
}

// Stats are cumulative counters for status reporting.
type Stats struct {
	Sent        int64     `json:"sent"`
	Failures    int64     `json:"failures"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	RetryAt     time.Time `json:"retry_at"`
}

// Queue is the upload engine. Safe for concurrent use.
type Queue struct {
	config  Config
	deps    Deps
	logger  *zap.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	backoff     time.Duration
	retryAt     time.Time
	lastSuccess time.Time
	lastError   string

	sent     atomic.Int64
	failures atomic.Int64
}

// New returns a queue. Deps.Guard and Deps.Clock are required.
func New(config Config, deps Deps) *Queue {
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	queue := &Queue{
		config:  config,
		deps:    deps,
		logger:  logging.OrNop(deps.Logger),
		backoff: config.InitialBackoff,
	}
	if config.SendRate > 0 {
		queue.limiter = rate.NewLimiter(rate.Limit(config.SendRate), 1)
	}
	return queue
}

// Drain delivers the session's pending batches until none remain or a
// send fails. A degraded drain ignores cancellation of ctx and the
// backoff window, skips pacing, and sends in degraded mode.
func (q *Queue) Drain(ctx context.Context, sessionID string, mode transport.Mode) Result {
	if mode == transport.Normal && q.backingOff() {
		return Result{Deferred: true}
	}
	if !q.deps.Guard.TryEnter() {
		return Result{Skipped: true}
	}
	defer q.deps.Guard.Exit()

	if mode == transport.Degraded {
		ctx = context.WithoutCancel(ctx)
	}

	var result Result
	for {
		pending, err := q.deps.Store.GetPending(ctx, sessionID)
		if err != nil {
			result.Err = err
			q.recordFailure(sessionID, 0, err, false)
			return result
		}
		if len(pending) == 0 {
			return result
		}

		for i := range pending {
			b := &pending[i]
			if mode == transport.Normal {
				if err := q.pace(ctx); err != nil {
					result.Err = err
					return result
				}
			}
			if err := q.deliver(ctx, b, mode); err != nil {
				result.Err = err
				q.recordFailure(sessionID, b.Seq, err, mode == transport.Normal)
				return result
			}
			result.Sent++
			q.recordSuccess()
		}
	}
}

func (q *Queue) deliver(ctx context.Context, b *batch.Batch, mode transport.Mode) error {
	payload, err := transport.NewPayload(b, q.deps.Adapter)
	if err != nil {
		return err
	}
	if err := q.deps.Sender.Send(ctx, payload, mode); err != nil {
		return err
	}

	if q.config.ObserveMode {
		err = q.deps.Store.MarkSent(ctx, b.ID)
	} else {
		err = q.deps.Store.Delete(ctx, b.ID)
	}
	if err != nil {
		return fmt.Errorf("upload: batch %d delivered but not retired: %w", b.Seq, err)
	}

	q.logger.Debug("batch retired",
		zap.String("session", b.SessionID),
		zap.Int64("seq", b.Seq),
		zap.Int("events", len(b.Events)),
		zap.Bool("observe", q.config.ObserveMode),
	)
	return nil
}

// pace waits for the send limiter on the queue's clock.
func (q *Queue) pace(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	now := q.deps.Clock.Now()
	reservation := q.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-q.deps.Clock.After(delay):
		return nil
	case <-ctx.Done():
		reservation.CancelAt(q.deps.Clock.Now())
		return ctx.Err()
	}
}

func (q *Queue) backingOff() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deps.Clock.Now().Before(q.retryAt)
}

func (q *Queue) recordSuccess() {
	q.sent.Add(1)
	q.mu.Lock()
	q.backoff = q.config.InitialBackoff
	q.retryAt = time.Time{}
	q.lastSuccess = q.deps.Clock.Now()
	q.mu.Unlock()
}

// recordFailure notes err and, when backoff is set, opens the next
// retry window and doubles the one after it.
func (q *Queue) recordFailure(sessionID string, seq int64, err error, backoff bool) {
	q.failures.Add(1)
	q.mu.Lock()
	q.lastError = err.Error()
	var wait time.Duration
	if backoff {
		wait = q.backoff
		q.retryAt = q.deps.Clock.Now().Add(wait)
		q.backoff = min(q.backoff*2, q.config.MaxBackoff)
	}
	q.mu.Unlock()

	q.logger.Warn("drain stopped",
		zap.String("session", sessionID),
		zap.Int64("seq", seq),
		zap.Duration("retry_in", wait),
		zap.Error(err),
	)
}

// Stats returns cumulative delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Sent:        q.sent.Load(),
		Failures:    q.failures.Load(),
		LastSuccess: q.lastSuccess,
		LastError:   q.lastError,
		RetryAt:     q.retryAt,
	}
}

// Running reports whether a Drain is in progress.
func (q *Queue) Running() bool { return q.deps.Guard.Running() }
