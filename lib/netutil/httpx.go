// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds reads of HTTP bodies exchanged with the
// collection endpoint and the local producer.
//
// Collector responses are tiny JSON documents, so every read is capped
// at MaxResponseSize regardless of what the server sends. Error bodies
// are capped harder still because they only end up inside error
// messages and log lines.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize bounds JSON response reads.
const MaxResponseSize int64 = 1 << 20

// MaxErrorBody bounds the part of an error response kept for messages.
const MaxErrorBody int64 = 512

// DecodeResponse reads a JSON response body (up to MaxResponseSize)
// and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns the start of an error response for diagnostics.
// Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBody))
	return strings.TrimSpace(string(data))
}

// DrainAndClose discards what is left of a response body (up to
// MaxResponseSize) and closes it so the connection can be reused.
func DrainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
	body.Close()
}
