// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recorder

import (
	"context"

	"github.com/bureau-foundation/tidemark/lib/upload"
)

// Status is a point-in-time view of the recorder.
type Status struct {
	SessionID string `json:"session_id"`
	Recording bool   `json:"recording"`

	// Buffered and BufferedBytes describe the open buffer; Sealed
	// counts chunks waiting to be persisted.
	Buffered      int   `json:"buffered"`
	BufferedBytes int   `json:"buffered_bytes"`
	Sealed        int   `json:"sealed"`
	NextSeq       int64 `json:"next_seq"`

	// Pending is the session's undelivered batch count in the store.
	Pending int `json:"pending"`

	Draining bool         `json:"draining"`
	Upload   upload.Stats `json:"upload"`
}

// Status reports the recorder's state. Pending is -1 when the store
// could not be read; the error is returned alongside.
func (r *Recorder) Status(ctx context.Context) (Status, error) {
	r.mu.RLock()
	status := Status{
		SessionID: r.sessionID,
		Recording: r.recording,
	}
	acc := r.acc
	r.mu.RUnlock()

	if acc != nil {
		status.Buffered = acc.Len()
		status.BufferedBytes = acc.SizeBytes()
		status.Sealed = acc.SealedLen()
		status.NextSeq = acc.NextSeq()
	}
	status.Draining = r.deps.Queue.Running()
	status.Upload = r.deps.Queue.Stats()

	if status.SessionID == "" {
		return status, nil
	}
	pending, err := r.deps.Store.CountPending(ctx, status.SessionID)
	if err != nil {
		status.Pending = -1
		return status, err
	}
	status.Pending = pending
	return status, nil
}
