// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in the agent: the
// buffer's flush ticker, the heartbeat, upload backoff, and send pacing.
//
// Production code takes a Clock and is handed Real(). Tests hand it a
// FakeClock and move time forward with Advance. Because goroutines
// register their timers asynchronously, tests call WaitForTimers before
// Advance so the advance cannot race the registration:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go recorder.Start(ctx)
//	fake.WaitForTimers(2)           // flush ticker + heartbeat
//	fake.Advance(10 * time.Second)  // one heartbeat tick
package clock
