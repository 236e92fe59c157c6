package store

import (
	"context"
	"database/sql"
	"time"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// GetSession returns the crawl session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, started_at, completed_at,
		       total_items, items_indexed, items_failed, total_duration_ms
		FROM crawl_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// StartSession creates the session as in_progress. Starting an
// existing session is a no-op: status never regresses and started_at
// is left untouched on a duplicate start.
func (s *Store) StartSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_sessions (session_id, status, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, SessionInProgress, time.Now().Unix())
	if err != nil {
		return sifterrors.StoreError("start session", err)
	}
	return nil
}

// BumpSessionCounters adds page results to the session's aggregates in
// one transaction. A missing session row gets a provisional
// in_progress row first, since page events may arrive before the start
// event. Counters on a terminal session are dropped.
func (s *Store) BumpSessionCounters(ctx context.Context, sessionID string, indexed, failed int, duration time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sifterrors.StoreError("begin counter transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO crawl_sessions (session_id, status, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, SessionInProgress, time.Now().Unix())
	if err != nil {
		return sifterrors.StoreError("ensure session row", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE crawl_sessions SET
			total_items = total_items + ?,
			items_indexed = items_indexed + ?,
			items_failed = items_failed + ?,
			total_duration_ms = total_duration_ms + ?
		WHERE session_id = ? AND status = ?`,
		indexed+failed, indexed, failed, duration.Milliseconds(),
		sessionID, SessionInProgress)
	if err != nil {
		return sifterrors.StoreError("bump session counters", err)
	}

	if err := tx.Commit(); err != nil {
		return sifterrors.StoreError("commit counter transaction", err)
	}
	return nil
}

// FinishSession moves the session to a terminal status, recomputing
// its aggregates from the operation records in the same transaction.
// A second terminal event is a no-op and leaves completed_at alone.
func (s *Store) FinishSession(ctx context.Context, sessionID, status string) error {
	if status != SessionCompleted && status != SessionFailed {
		return sifterrors.ValidationError("finish status must be terminal", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sifterrors.StoreError("begin finish transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO crawl_sessions (session_id, status, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, SessionInProgress, now)
	if err != nil {
		return sifterrors.StoreError("ensure session row", err)
	}

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM crawl_sessions WHERE session_id = ?`, sessionID).Scan(&current)
	if err != nil {
		return sifterrors.StoreError("read session status", err)
	}
	if current == SessionCompleted || current == SessionFailed {
		return nil
	}

	agg, err := aggregateOperationsTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE crawl_sessions SET
			status = ?,
			completed_at = ?,
			total_items = ?,
			items_indexed = ?,
			items_failed = ?,
			total_duration_ms = ?
		WHERE session_id = ?`,
		status, now, agg.TotalItems, agg.ItemsIndexed, agg.ItemsFailed,
		agg.TotalDurationMS, sessionID)
	if err != nil {
		return sifterrors.StoreError("finalize session", err)
	}

	if err := tx.Commit(); err != nil {
		return sifterrors.StoreError("commit finish transaction", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&sess.SessionID, &sess.Status, &startedAt, &completedAt,
		&sess.TotalItems, &sess.ItemsIndexed, &sess.ItemsFailed, &sess.TotalDurationMS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sifterrors.StoreError("scan session", err)
	}
	sess.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &t
	}
	return &sess, nil
}
