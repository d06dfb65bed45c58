// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

type recordingT struct {
	failed  bool
	message string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestRequireNoReceive(t *testing.T) {
	recorder := &recordingT{}
	ch := make(chan int, 1)
	RequireNoReceive(recorder, ch, 5*time.Millisecond)
	if recorder.failed {
		t.Fatal("failed on an empty channel")
	}

	ch <- 1
	RequireNoReceive(recorder, ch, 5*time.Millisecond, "batch %d", 3)
	if !recorder.failed || recorder.message != "unexpected value 1: batch 3" {
		t.Fatalf("message = %q", recorder.message)
	}
}

func TestRequireClosed(t *testing.T) {
	ch := make(chan struct{})
	close(ch)
	RequireClosed(t, ch, time.Second)
}

func TestEventually(t *testing.T) {
	calls := 0
	Eventually(t, time.Second, func() bool {
		calls++
		return calls >= 3
	})

	recorder := &recordingT{}
	Eventually(recorder, 5*time.Millisecond, func() bool { return false }, "never")
	if !recorder.failed {
		t.Fatal("Eventually did not fail on a false condition")
	}
}
