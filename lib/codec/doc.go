// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the agent's CBOR configuration.
//
// JSON is the external format: events arrive as JSON from the producer
// and leave as JSON to the collection endpoint. CBOR is the on-disk
// format for the event payload column of the batch store, where each
// event is kept as an opaque JSON document wrapped in a CBOR byte
// string. That keeps the column self-delimiting without re-parsing or
// re-escaping the events.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same events always produce the same stored bytes.
package codec
