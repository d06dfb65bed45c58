// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that parses from human-readable text.
// It implements yaml.Unmarshaler and pflag.Value.
type ByteSize uint64

// ParseByteSize accepts "200KiB", "60 KB", "4MiB", or a bare integer.
func ParseByteSize(text string) (ByteSize, error) {
	if n, err := strconv.ParseUint(text, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(text)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	return ByteSize(n), nil
}

// Int returns the size as an int for length comparisons.
func (b ByteSize) Int() int { return int(b) }

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Set implements pflag.Value.
func (b *ByteSize) Set(text string) error {
	parsed, err := ParseByteSize(text)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Type implements pflag.Value.
func (b *ByteSize) Type() string { return "bytes" }

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	parsed, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = parsed
	return nil
}
