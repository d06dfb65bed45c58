// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport delivers batches to the collection endpoint.
//
// One batch is one POST of a JSON Payload. A 2xx response is success;
// any other status and any network failure is an *Error, which is the
// only signal the upload queue uses to stop draining.
//
// Every send passes through a shared flight.Gate, so however many
// sessions or triggers are active, at most one request is in flight.
//
// Degraded mode is for sends made while the host is suspending. It
// uses a short timeout, ignores cancellation of the caller's context
// so that a shutdown in progress does not abort it, and refuses any
// body larger than DegradedHardLimit.
package transport
