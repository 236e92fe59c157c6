package store

import (
	"context"
	"database/sql"
	"time"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// RecordOperation records one per-step timing. Operations carry a
// session_id without a foreign key so a page event can land before its
// session row exists.
func (s *Store) RecordOperation(ctx context.Context, op *Operation) error {
	success := 0
	if op.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (session_id, url, op, duration_ms, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.SessionID, op.URL, op.Op, op.DurationMS, success, time.Now().Unix())
	if err != nil {
		return sifterrors.StoreError("record operation", err)
	}
	return nil
}

// AggregateOperations rolls up the session's operation records.
func (s *Store) AggregateOperations(ctx context.Context, sessionID string) (*OperationAggregate, error) {
	return aggregateOperations(ctx, s.db, sessionID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func aggregateOperations(ctx context.Context, q queryRower, sessionID string) (*OperationAggregate, error) {
	var agg OperationAggregate
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN op IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN op IN (?, ?) AND success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN op IN (?, ?) AND success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM operations WHERE session_id = ?`,
		OpIndex, OpDedupSkip, OpIndex, OpDedupSkip, OpIndex, OpDedupSkip,
		sessionID).Scan(&agg.TotalItems, &agg.ItemsIndexed, &agg.ItemsFailed, &agg.TotalDurationMS)
	if err != nil {
		return nil, sifterrors.StoreError("aggregate operations", err)
	}
	return &agg, nil
}

func aggregateOperationsTx(ctx context.Context, tx *sql.Tx, sessionID string) (*OperationAggregate, error) {
	return aggregateOperations(ctx, tx, sessionID)
}

// InsertDeadLetter stores a job that exhausted its retries.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, session_id, url, payload, reason, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.JobID, dl.SessionID, dl.URL, dl.Payload, dl.Reason, dl.Attempts, time.Now().Unix())
	if err != nil {
		return sifterrors.StoreError("insert dead letter", err)
	}
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, session_id, url, payload, reason, attempts, created_at
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, sifterrors.StoreError("list dead letters", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			createdAt int64
		)
		err := rows.Scan(&dl.ID, &dl.JobID, &dl.SessionID, &dl.URL, &dl.Payload,
			&dl.Reason, &dl.Attempts, &createdAt)
		if err != nil {
			return nil, sifterrors.StoreError("scan dead letter", err)
		}
		dl.CreatedAt = time.Unix(createdAt, 0)
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, sifterrors.StoreError("iterate dead letters", err)
	}
	return letters, nil
}
