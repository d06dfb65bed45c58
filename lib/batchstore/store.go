// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/codec"
	"github.com/bureau-foundation/tidemark/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	events      BLOB    NOT NULL,
	event_count INTEGER NOT NULL,
	size_bytes  INTEGER NOT NULL,
	sent_at     INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS batches_session_seq ON batches (session_id, seq);
CREATE INDEX IF NOT EXISTS batches_session_created ON batches (session_id, created_at);
CREATE INDEX IF NOT EXISTS batches_pending ON batches (session_id, seq) WHERE sent_at IS NULL;
CREATE INDEX IF NOT EXISTS batches_created ON batches (created_at);
CREATE INDEX IF NOT EXISTS batches_sent ON batches (sent_at) WHERE sent_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS session_seqs (
	session_id TEXT    PRIMARY KEY,
	last_seq   INTEGER NOT NULL
);
`

const selectColumns = `id, session_id, seq, created_at, events, size_bytes, sent_at`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite file. Its parent directory must exist.
	Path string

	// PoolSize defaults to sqlitepool.DefaultPoolSize.
	PoolSize int

	// Clock stamps created_at and sent_at. Required.
	Clock clock.Clock

	// Logger may be nil.
	Logger *zap.Logger
}

// Store is the durable batch store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *zap.Logger
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, &Error{Op: "open", Err: errors.New("Clock is required")}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Durable:  true,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return wrap("close", s.pool.Close())
}

// write runs fn in an IMMEDIATE transaction on a pooled connection.
func (s *Store) write(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wrap(op, err)
	}
	defer func() {
		endTransaction(&err)
		err = wrap(op, err)
	}()

	return fn(conn)
}

// read runs fn on a pooled connection outside an explicit transaction.
func (s *Store) read(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer s.pool.Put(conn)
	return wrap(op, fn(conn))
}

// Put persists b and returns its new ID. It fills in b.ID, and
// b.CreatedAt and b.SizeBytes when they are zero.
func (s *Store) Put(ctx context.Context, b *batch.Batch) (int64, error) {
	if b.SessionID == "" {
		return 0, &Error{Op: "put", Err: errors.New("batch has no session")}
	}
	if len(b.Events) == 0 {
		return 0, &Error{Op: "put", Err: errors.New("batch has no events")}
	}

	payload, err := codec.MarshalEvents(b.Events)
	if err != nil {
		return 0, &Error{Op: "put", Err: err}
	}

	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	sizeBytes := b.SizeBytes
	if sizeBytes == 0 {
		sizeBytes = batch.EstimateSize(b.Events)
	}

	var id int64
	err = s.write(ctx, "put", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO batches (session_id, seq, created_at, events, event_count, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{b.SessionID, b.Seq, createdAt.UnixMilli(), payload, len(b.Events), sizeBytes},
			})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: session %s seq %d", ErrDuplicateSeq, b.SessionID, b.Seq)
			}
			return err
		}
		id = conn.LastInsertRowID()
		return sqlitex.Execute(conn, `
			INSERT INTO session_seqs (session_id, last_seq) VALUES (?, ?)
			ON CONFLICT (session_id) DO UPDATE SET last_seq = max(last_seq, excluded.last_seq)`,
			&sqlitex.ExecOptions{Args: []any{b.SessionID, b.Seq}})
	})
	if err != nil {
		return 0, err
	}

	b.ID = id
	b.CreatedAt = time.UnixMilli(createdAt.UnixMilli())
	b.SizeBytes = sizeBytes
	return id, nil
}

// Delete removes one batch. Deleting an absent ID is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.write(ctx, "delete", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM batches WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
	})
}

// MarkSent stamps sent_at on a pending batch. A batch that is already
// sent keeps its first timestamp; an absent ID is ignored.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	now := s.clock.Now().UnixMilli()
	return s.write(ctx, "mark sent", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE batches SET sent_at = ? WHERE id = ? AND sent_at IS NULL`,
			&sqlitex.ExecOptions{Args: []any{now, id}})
	})
}

// GetPending returns every batch of the session that has not been
// marked sent, in ascending seq order.
func (s *Store) GetPending(ctx context.Context, sessionID string) ([]batch.Batch, error) {
	var batches []batch.Batch
	err := s.read(ctx, "get pending", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+selectColumns+` FROM batches
			WHERE session_id = ? AND sent_at IS NULL
			ORDER BY seq`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					b, err := scanBatch(stmt)
					if err != nil {
						return err
					}
					batches = append(batches, b)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// CountPending counts batches not yet marked sent, in one session or,
// with an empty sessionID, in all of them.
func (s *Store) CountPending(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, "count pending", "sent_at IS NULL", sessionID)
}

// CountSent counts batches marked sent but not yet deleted.
func (s *Store) CountSent(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, "count sent", "sent_at IS NOT NULL", sessionID)
}

// Count counts batches in any state.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, "count", "1", sessionID)
}

func (s *Store) count(ctx context.Context, op, condition, sessionID string) (int, error) {
	query := `SELECT count(*) FROM batches WHERE ` + condition
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	var count int
	err := s.read(ctx, op, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return count, err
}

// PruneOldestBySession deletes the session's oldest batches, sent or
// not, until at most keep remain. It returns how many were deleted.
func (s *Store) PruneOldestBySession(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var pruned int
	err := s.write(ctx, "prune by capacity", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM batches WHERE id IN (
				SELECT id FROM batches WHERE session_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT -1 OFFSET ?
			)`,
			&sqlitex.ExecOptions{Args: []any{sessionID, keep}})
		pruned = conn.Changes()
		return err
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// PruneOlderThan deletes every batch in any session created before
// cutoff, sent or not.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(ctx, "prune by age", `created_at < ?`, cutoff)
}

// DeleteSentBefore deletes batches marked sent before cutoff. Pending
// batches are never touched.
func (s *Store) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(ctx, "delete sent", `sent_at IS NOT NULL AND sent_at < ?`, cutoff)
}

func (s *Store) deleteWhere(ctx context.Context, op, condition string, cutoff time.Time) (int, error) {
	var deleted int
	err := s.write(ctx, op, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM batches WHERE `+condition,
			&sqlitex.ExecOptions{Args: []any{cutoff.UnixMilli()}})
		deleted = conn.Changes()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// MaxSeq returns the highest seq ever stored for the session, or 0
// when it has none. Batches that were since deleted still count, so a
// restarted recorder seeded from MaxSeq never reuses a number.
// Sequence numbers start at 1.
func (s *Store) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.read(ctx, "max seq", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT max(
				coalesce((SELECT max(seq) FROM batches WHERE session_id = ?), 0),
				coalesce((SELECT last_seq FROM session_seqs WHERE session_id = ?), 0))`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID, sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					seq = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return seq, err
}

// PendingSessions lists sessions that have pending batches, the
// session holding the oldest pending batch first.
func (s *Store) PendingSessions(ctx context.Context) ([]string, error) {
	var sessions []string
	err := s.read(ctx, "pending sessions", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT session_id FROM batches WHERE sent_at IS NULL
			GROUP BY session_id ORDER BY min(created_at), session_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sessions = append(sessions, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// isUniqueViolation relies on extended result codes, which zombiezen
// connections always report. The primary ResultConstraint also covers
// NOT NULL and CHECK failures and must not read as a duplicate.
func isUniqueViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintUnique
}

func scanBatch(stmt *sqlite.Stmt) (batch.Batch, error) {
	payload := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, payload)
	events, err := codec.UnmarshalEvents(payload)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("batch %d: %w", stmt.ColumnInt64(0), err)
	}

	b := batch.Batch{
		ID:        stmt.ColumnInt64(0),
		SessionID: stmt.ColumnText(1),
		Seq:       stmt.ColumnInt64(2),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)),
		Events:    events,
		SizeBytes: stmt.ColumnInt(5),
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		sentAt := time.UnixMilli(stmt.ColumnInt64(6))
		b.SentAt = &sentAt
	}
	return b, nil
}
