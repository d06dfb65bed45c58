// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/compress"
)

// Payload is the body of one send. It carries the events either
// inline in Events, or encoded in Data with Compressed set and
// Encoding naming the transform.
type Payload struct {
	SessionID  string            `json:"sessionId"`
	Seq        int64             `json:"seq"`
	Events     []json.RawMessage `json:"events,omitempty"`
	Compressed bool              `json:"compressed,omitempty"`
	Encoding   compress.Encoding `json:"encoding,omitempty"`
	Data       string            `json:"payload,omitempty"`
}

// NewPayload builds the payload for b. When the adapter falls all the
// way back to the raw text, the events are sent inline.
func NewPayload(b *batch.Batch, adapter *compress.Adapter) (*Payload, error) {
	payload := &Payload{SessionID: b.SessionID, Seq: b.Seq}

	text, err := json.Marshal(b.Events)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding batch %d: %w", b.Seq, err)
	}

	result := adapter.Encode(text)
	if !result.Transformed() {
		payload.Events = b.Events
		return payload, nil
	}
	payload.Compressed = true
	payload.Encoding = result.Encoding
	payload.Data = result.Payload
	return payload, nil
}

// IdempotencyKey identifies the batch to the collector across retries.
func (p *Payload) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", p.SessionID, p.Seq)
}
