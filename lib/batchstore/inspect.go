// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchstore

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Summary describes a stored batch without its events.
type Summary struct {
	ID         int64
	SessionID  string
	Seq        int64
	CreatedAt  time.Time
	EventCount int
	SizeBytes  int
	SentAt     *time.Time
}

// Stats totals the store's contents.
type Stats struct {
	Batches  int
	Pending  int
	Sent     int
	Sessions int
	Events   int
	Bytes    int64

	// Oldest is zero when the store is empty.
	Oldest time.Time
}

// List summarizes every stored batch, in one session or all of them,
// ordered by session and seq.
func (s *Store) List(ctx context.Context, sessionID string) ([]Summary, error) {
	query := `SELECT id, session_id, seq, created_at, event_count, size_bytes, sent_at FROM batches`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY session_id, seq`

	var summaries []Summary
	err := s.read(ctx, "list", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				summary := Summary{
					ID:         stmt.ColumnInt64(0),
					SessionID:  stmt.ColumnText(1),
					Seq:        stmt.ColumnInt64(2),
					CreatedAt:  time.UnixMilli(stmt.ColumnInt64(3)),
					EventCount: stmt.ColumnInt(4),
					SizeBytes:  stmt.ColumnInt(5),
				}
				if stmt.ColumnType(6) != sqlite.TypeNull {
					sentAt := time.UnixMilli(stmt.ColumnInt64(6))
					summary.SentAt = &sentAt
				}
				summaries = append(summaries, summary)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// Stats totals the whole store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.read(ctx, "stats", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT count(*),
			       count(*) FILTER (WHERE sent_at IS NULL),
			       count(*) FILTER (WHERE sent_at IS NOT NULL),
			       count(DISTINCT session_id),
			       coalesce(sum(event_count), 0),
			       coalesce(sum(size_bytes), 0),
			       min(created_at)
			FROM batches`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.Batches = stmt.ColumnInt(0)
					stats.Pending = stmt.ColumnInt(1)
					stats.Sent = stmt.ColumnInt(2)
					stats.Sessions = stmt.ColumnInt(3)
					stats.Events = stmt.ColumnInt(4)
					stats.Bytes = stmt.ColumnInt64(5)
					if stmt.ColumnType(6) != sqlite.TypeNull {
						stats.Oldest = time.UnixMilli(stmt.ColumnInt64(6))
					}
					return nil
				},
			})
	})
	return stats, err
}
