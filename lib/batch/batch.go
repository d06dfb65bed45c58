// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package batch defines the unit of storage and transmission: a group
// of opaque events recorded in one session, numbered by a per-session
// sequence.
package batch

import (
	"encoding/json"
	"time"
)

// Event is one producer record. The agent never looks inside it; it
// only requires that the bytes are a valid JSON document.
type Event = json.RawMessage

// Batch is a persisted group of events.
//
// Once stored, a Batch changes in exactly one way: SentAt goes from nil
// to a timestamp, and only in observe mode. Everything else about it is
// fixed until it is deleted.
type Batch struct {
	// ID is assigned by the store on Put. Zero until then.
	ID int64

	SessionID string

	// Seq orders batches within a session for sending and for
	// reassembly by the collector. Unique per (SessionID, Seq).
	Seq int64

	// CreatedAt is when the batch was persisted. Age pruning uses it.
	CreatedAt time.Time

	// Events is non-empty for every stored batch.
	Events []Event

	// SizeBytes is EstimateSize(Events), recorded at flush time.
	SizeBytes int

	// SentAt is set once a batch is delivered in observe mode.
	SentAt *time.Time
}

// Pending reports whether the batch still awaits delivery.
func (b *Batch) Pending() bool { return b.SentAt == nil }

// EstimateSize approximates the size of events serialized as a JSON
// array. It is a trigger heuristic and a degraded-send gate, not the
// exact wire size.
func EstimateSize(events []Event) int {
	if len(events) == 0 {
		return 2
	}
	size := 2 + len(events) - 1
	for _, event := range events {
		size += len(event)
	}
	return size
}

// EventSize is the contribution of one more event to EstimateSize
// when appended to a non-empty list.
func EventSize(event Event) int { return len(event) + 1 }
