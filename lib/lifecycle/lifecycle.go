// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle delivers "host is suspending" notifications.
//
// A suspension is the last moment the agent can expect to run before
// its host goes away: a page being hidden or unloaded on the producer
// side, or the agent process being asked to exit. Consumers react by
// committing buffered events and attempting a short, degraded send.
//
// Notifications coalesce. A Port holds at most one undelivered Reason,
// so a burst of signals while the consumer is busy produces one
// follow-up notification rather than a queue of them.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Reason names why the host is suspending.
type Reason string

const (
	// Hidden means the producer's page is no longer visible.
	Hidden Reason = "hidden"

	// Unload means the producer's page is being torn down.
	Unload Reason = "unload"

	// Hangup is SIGHUP: flush, but keep running.
	Hangup Reason = "hangup"

	// Shutdown means the agent process is exiting.
	Shutdown Reason = "shutdown"
)

// Terminal reports whether the host will not come back after this
// suspension.
func (r Reason) Terminal() bool { return r == Shutdown }

// Port is a source of suspension notifications.
type Port interface {
	// Suspending delivers one Reason per (coalesced) notification.
	// The channel is never closed.
	Suspending() <-chan Reason

	// Close stops delivery. Safe to call more than once.
	Close()
}

// DefaultSignals are the signals a SignalPort listens for when none
// are given.
var DefaultSignals = []os.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGHUP}

// SignalPort turns process signals into suspension notifications.
// SIGHUP maps to Hangup; every other signal maps to Shutdown.
type SignalPort struct {
	signals chan os.Signal
	reasons chan Reason
	done    chan struct{}
	once    sync.Once
}

// NewSignalPort starts listening for the given signals, or
// DefaultSignals when none are given.
func NewSignalPort(signals ...os.Signal) *SignalPort {
	if len(signals) == 0 {
		signals = DefaultSignals
	}
	port := &SignalPort{
		signals: make(chan os.Signal, 1),
		reasons: make(chan Reason, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(port.signals, signals...)
	go port.relay()
	return port
}

func (p *SignalPort) relay() {
	for {
		select {
		case sig := <-p.signals:
			offer(p.reasons, ReasonFor(sig))
		case <-p.done:
			return
		}
	}
}

// ReasonFor maps a signal to the Reason a SignalPort reports for it.
func ReasonFor(sig os.Signal) Reason {
	if sig == unix.SIGHUP {
		return Hangup
	}
	return Shutdown
}

// Suspending implements Port.
func (p *SignalPort) Suspending() <-chan Reason { return p.reasons }

// Close stops signal delivery and restores default signal handling.
func (p *SignalPort) Close() {
	p.once.Do(func() {
		signal.Stop(p.signals)
		close(p.done)
	})
}

// ManualPort is a Port driven by Trigger. The ingest endpoint uses it
// to forward the producer's page-hidden and unload notifications.
type ManualPort struct {
	reasons chan Reason
	closed  chan struct{}
	once    sync.Once
}

// NewManualPort returns an idle port.
func NewManualPort() *ManualPort {
	return &ManualPort{
		reasons: make(chan Reason, 1),
		closed:  make(chan struct{}),
	}
}

// Trigger posts a notification without blocking. It is dropped when
// one is already waiting or the port is closed, and reports whether
// it was accepted.
func (p *ManualPort) Trigger(reason Reason) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	return offer(p.reasons, reason)
}

// Suspending implements Port.
func (p *ManualPort) Suspending() <-chan Reason { return p.reasons }

// Close implements Port.
func (p *ManualPort) Close() {
	p.once.Do(func() { close(p.closed) })
}

func offer(reasons chan Reason, reason Reason) bool {
	select {
	case reasons <- reason:
		return true
	default:
		return false
	}
}
