// Package session tracks the lifecycle of multi-document crawl
// sessions: pending, in_progress, then completed or failed, with
// monotonic aggregate counters. Lifecycle events may be duplicated or
// arrive out of order; the tracker absorbs both.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/siftlabs/siftd/internal/store"
)

// Tracker applies lifecycle events to the durable session rows.
type Tracker struct {
	store *store.Store
}

// NewTracker creates a tracker over the store.
func NewTracker(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// Start marks the session in_progress. A duplicate start is a no-op
// and leaves started_at untouched.
func (t *Tracker) Start(ctx context.Context, sessionID string) error {
	if err := t.store.StartSession(ctx, sessionID); err != nil {
		return err
	}
	slog.Debug("session started", "session_id", sessionID)
	return nil
}

// RecordPage folds one page's outcome into the session counters. The
// session row may not exist yet when page events outrun the start
// event; the store creates a provisional in_progress row in that case.
func (t *Tracker) RecordPage(ctx context.Context, sessionID string, indexed, failed int, duration time.Duration) error {
	return t.store.BumpSessionCounters(ctx, sessionID, indexed, failed, duration)
}

// Complete moves the session to completed, recomputing its aggregates
// from the recorded operations. Safe to call more than once.
func (t *Tracker) Complete(ctx context.Context, sessionID string) error {
	return t.finish(ctx, sessionID, store.SessionCompleted)
}

// Fail moves the session to failed. Safe to call more than once.
func (t *Tracker) Fail(ctx context.Context, sessionID string) error {
	return t.finish(ctx, sessionID, store.SessionFailed)
}

func (t *Tracker) finish(ctx context.Context, sessionID, status string) error {
	if err := t.store.FinishSession(ctx, sessionID, status); err != nil {
		return err
	}
	slog.Info("session finished", "session_id", sessionID, "status", status)
	return nil
}

// Get returns the session row.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return t.store.GetSession(ctx, sessionID)
}
