// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package batchstore is the durable local store of event batches.
//
// Every batch is written here before any attempt to send it, so the
// store is the only copy of those events until the collector accepts
// them. Batches live in one SQLite table with an index for each access
// path:
//
//   - (session_id, seq), unique: one batch per sequence number.
//   - (session_id, seq) WHERE sent_at IS NULL: the delivery path.
//     GetPending is the only read the upload queue uses, so a batch
//     already marked sent is never offered for sending again.
//   - (session_id, created_at): capacity pruning per session.
//   - (created_at): age pruning across sessions.
//   - (sent_at) WHERE sent_at IS NOT NULL: delayed deletion of sent
//     batches in observe mode.
//
// Each mutation runs in its own IMMEDIATE transaction, so concurrent
// flushes, drains, and retention passes never see a half-written
// batch. Event payloads are stored as CBOR (see lib/codec); timestamps
// are epoch milliseconds.
//
// Every error returned by the store is a *Error.
package batchstore
