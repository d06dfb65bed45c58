// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// any-typed targets decode to map[string]any so decoded values
		// stay compatible with encoding/json.
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalEvents encodes an ordered list of JSON documents as a CBOR
// array of byte strings.
func MarshalEvents(events []json.RawMessage) ([]byte, error) {
	items := make([][]byte, len(events))
	for i, event := range events {
		items[i] = event
	}
	data, err := encMode.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding %d events: %w", len(events), err)
	}
	return data, nil
}

// UnmarshalEvents reverses MarshalEvents. Each element is checked to
// be valid JSON so a corrupt column surfaces here rather than at the
// collection endpoint.
func UnmarshalEvents(data []byte) ([]json.RawMessage, error) {
	var items [][]byte
	if err := decMode.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("codec: decoding events: %w", err)
	}
	events := make([]json.RawMessage, len(items))
	for i, item := range items {
		if !json.Valid(item) {
			return nil, fmt.Errorf("codec: event %d is not valid JSON", i)
		}
		events[i] = json.RawMessage(item)
	}
	return events, nil
}
