// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recorder runs the path from producer events to delivered
// batches for one recording session.
//
// Events enter through Append, which never blocks on I/O. The buffer
// seals itself when it crosses a count or size threshold, or when the
// flush interval has passed since the last seal, and the sealed chunk
// is committed in the background: persisted to the batch store first,
// then handed to the upload queue. Nothing is sent that has not been
// stored, and a chunk the store rejects stays in memory for the next
// flush.
//
// Two timers run while recording. The flush timer seals whatever is
// buffered at a fixed period. The heartbeat commits any residue,
// drains the active session, and every PruneEvery-th beat prunes
// batches past the maximum age and retries other sessions left
// pending by earlier runs. In observe mode every beat also deletes
// delivered batches older than the sent-retention delay.
//
// Suspend is the fallback for the moment the host goes away. It
// commits the buffer and tries one degraded send, skipping the send
// when the commit is too large for the degraded transport; the
// persisted batches are picked up by the next heartbeat or the next
// run.
package recorder
