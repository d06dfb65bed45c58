// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the tidemark
// binaries: the place where run() errors turn into exit codes before or
// after the structured logger exists.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// UsageError marks a bad command line. It exits with status 2.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode maps a run() error to a process exit status: 0 for nil and
// for --help, 2 for usage errors, 1 for everything else.
func ExitCode(err error) int {
	var usage *UsageError
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.As(err, &usage):
		return 2
	default:
		return 1
	}
}

// Report writes "error: err" to w unless the error needs no message.
func Report(w io.Writer, err error) {
	if ExitCode(err) != 0 {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

// Exit reports err on stderr and exits with ExitCode(err).
func Exit(err error) {
	Report(os.Stderr, err)
	os.Exit(ExitCode(err))
}
