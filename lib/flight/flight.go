// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package flight provides the process-scoped exclusion objects the
// delivery pipeline shares by reference.
//
// A Gate admits one holder at a time and makes everyone else wait:
// every network send passes through one Gate, so at most one request
// is in flight across the process.
//
// A Guard admits one holder at a time and turns everyone else away:
// the drain loop and the resume action each have one, so a trigger
// that fires while the work is already running is dropped rather than
// queued behind it.
package flight

import (
	"context"
	"sync/atomic"
)

// Gate is a single-flight lock whose waiters can give up.
type Gate struct {
	token chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{token: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Releasing a free gate panics.
func (g *Gate) Release() {
	select {
	case <-g.token:
	default:
		panic("flight: Release of a gate that is not held")
	}
}

// Busy reports whether the gate is held.
func (g *Gate) Busy() bool { return len(g.token) == 1 }

// Do runs fn while holding the gate.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// Guard is an ignore-if-busy flag.
type Guard struct {
	running atomic.Bool
}

// TryEnter claims the guard. It returns false, without waiting, when
// another caller holds it.
func (g *Guard) TryEnter() bool {
	return g.running.CompareAndSwap(false, true)
}

// Exit releases a guard claimed with TryEnter.
func (g *Guard) Exit() {
	g.running.Store(false)
}

// Running reports whether the guard is held.
func (g *Guard) Running() bool { return g.running.Load() }
