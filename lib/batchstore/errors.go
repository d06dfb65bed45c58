// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchstore

import (
	"errors"
)

// ErrDuplicateSeq is wrapped by Put when the session already has a
// batch with the same sequence number.
var ErrDuplicateSeq = errors.New("sequence number already stored for session")

// Error reports a failed store operation: the database is unavailable,
// out of space, or refused the write.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "batchstore: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}
	return &Error{Op: op, Err: err}
}
