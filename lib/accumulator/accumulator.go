// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package accumulator holds producer events in memory until they are
// committed to the batch store.
//
// Events go into an open buffer. After every Add the accumulator checks
// three triggers (event count, estimated serialized size, and time since
// the last seal) and, when any fires, seals the open buffer into a
// Chunk with the next sequence number. Sealing swaps the buffer out
// under the lock, so an event arriving concurrently lands either in the
// sealed chunk or in the fresh buffer, never in neither.
//
// Sealed chunks wait in a queue until the committer takes them. A
// committer that fails to persist a chunk hands it back with Restore;
// the chunk keeps its sequence number and stays at the head of the
// queue so order is preserved on the next attempt.
package accumulator

import (
	"sync"
	"time"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/clock"
)

// Config sets the seal triggers. A zero threshold disables that
// trigger.
type Config struct {
	CountThreshold int
	ByteThreshold  int
	FlushInterval  time.Duration
}

// Chunk is a sealed buffer awaiting persistence.
type Chunk struct {
	Seq       int64
	Events    []batch.Event
	SizeBytes int
	SealedAt  time.Time
}

// Accumulator is safe for concurrent use. Add never blocks on I/O.
type Accumulator struct {
	config Config
	clock  clock.Clock

	mu       sync.Mutex
	events   []batch.Event
	size     int
	nextSeq  int64
	lastSeal time.Time
	sealed   []Chunk
}

// New returns an empty accumulator whose first sealed chunk gets
// sequence number nextSeq.
func New(config Config, clk clock.Clock, nextSeq int64) *Accumulator {
	return &Accumulator{
		config:   config,
		clock:    clk,
		nextSeq:  nextSeq,
		lastSeal: clk.Now(),
	}
}

// Add appends an event to the open buffer and reports whether a
// trigger sealed it.
func (a *Accumulator) Add(event batch.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.events) == 0 {
		a.size = 2 + len(event)
	} else {
		a.size += batch.EventSize(event)
	}
	a.events = append(a.events, event)

	if !a.triggeredLocked() {
		return false
	}
	return a.sealLocked()
}

func (a *Accumulator) triggeredLocked() bool {
	if a.config.CountThreshold > 0 && len(a.events) >= a.config.CountThreshold {
		return true
	}
	if a.config.ByteThreshold > 0 && a.size >= a.config.ByteThreshold {
		return true
	}
	if a.config.FlushInterval > 0 && a.clock.Now().Sub(a.lastSeal) >= a.config.FlushInterval {
		return true
	}
	return false
}

// Seal closes the open buffer into a chunk. Returns false, and
// consumes no sequence number, when the buffer is empty.
func (a *Accumulator) Seal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealLocked()
}

func (a *Accumulator) sealLocked() bool {
	if len(a.events) == 0 {
		return false
	}
	now := a.clock.Now()
	a.sealed = append(a.sealed, Chunk{
		Seq:       a.nextSeq,
		Events:    a.events,
		SizeBytes: a.size,
		SealedAt:  now,
	})
	a.events = nil
	a.size = 0
	a.nextSeq++
	a.lastSeal = now
	return true
}

// TakeSealed removes and returns every sealed chunk, oldest first.
func (a *Accumulator) TakeSealed() []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	chunks := a.sealed
	a.sealed = nil
	return chunks
}

// Restore puts chunks that could not be persisted back at the head of
// the sealed queue, ahead of anything sealed since they were taken.
func (a *Accumulator) Restore(chunks []Chunk) {
	if len(chunks) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	restored := make([]Chunk, 0, len(chunks)+len(a.sealed))
	restored = append(restored, chunks...)
	a.sealed = append(restored, a.sealed...)
}

// Len returns the number of events in the open buffer.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// SizeBytes returns the estimated serialized size of the open buffer.
func (a *Accumulator) SizeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// SealedLen returns the number of chunks awaiting persistence.
func (a *Accumulator) SealedLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sealed)
}

// Empty reports whether nothing is buffered or awaiting persistence.
func (a *Accumulator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events) == 0 && len(a.sealed) == 0
}

// NextSeq returns the sequence number the next seal will assign.
func (a *Accumulator) NextSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq
}
