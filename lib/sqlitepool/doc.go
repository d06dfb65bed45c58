// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the pool of SQLite connections that backs
// the local batch store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers Take a
// connection, do their work, and Put it back; a connection is never
// shared between goroutines.
//
// Every connection is prepared with:
//
//   - journal_mode=WAL, so the upload queue can read pending batches
//     while a flush is writing.
//   - synchronous=FULL when Config.Durable is set, NORMAL otherwise.
//     A batch is the only copy of its events once the in-memory buffer
//     lets go of them, so the agent opens its store durable.
//   - busy_timeout=5000, so concurrent writers wait for the lock.
//   - a bounded page cache and in-memory temp storage.
//
// Config.OnConnect runs after the pragmas and is where the store
// creates its schema.
package sqlitepool
