package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/siftd/internal/store"
)

func newTestQueue(t *testing.T, cfg Config) (*MemoryQueue, *store.Store) {
	t.Helper()
	s, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := NewMemoryQueue(cfg.withDefaults(), s)
	t.Cleanup(func() { q.Close() })
	return q, s
}

func TestMemoryQueue_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	job := NewJob("sess", "https://example.com", "content", "text/html", "raw")
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "https://example.com", got.URL)

	require.NoError(t, q.Ack(ctx, got.ID))

	// Nothing left: dequeue should block until the context expires.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_NackRequeues(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{MaxAttempts: 3})

	job := NewJob("sess", "u", "c", "", "raw")
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.ID, "transient failure"))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestMemoryQueue_ExhaustedRetriesDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t, Config{MaxAttempts: 2})

	job := NewJob("sess", "u", "c", "", "raw")
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.ID, "attempt 1"))

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.ID, "attempt 2"))

	// Two attempts spent the budget: the job is dead-lettered, not requeued.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ID, letters[0].JobID)
	assert.Equal(t, "attempt 2", letters[0].Reason)
	assert.Equal(t, 2, letters[0].Attempts)
}

func TestMemoryQueue_ExpiredLeaseRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{LeaseDuration: 20 * time.Millisecond, MaxAttempts: 5})

	job := NewJob("sess", "u", "c", "", "raw")
	require.NoError(t, q.Enqueue(ctx, job))

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Never renew: the reaper sweeps the lease back onto the queue.
	q.reap() // deterministic sweep instead of waiting for the ticker
	time.Sleep(30 * time.Millisecond)
	q.reap()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts, "a reaped lease consumes one attempt")
}

func TestMemoryQueue_RenewKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{LeaseDuration: 30 * time.Millisecond})

	job := NewJob("sess", "u", "c", "", "raw")
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Renew past the original deadline, then sweep: the job must stay
	// in flight.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Renew(ctx, got.ID, time.Minute))
	time.Sleep(20 * time.Millisecond)
	q.reap()

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "renewed job was not requeued")
}

func TestMemoryQueue_CloseUnblocksDequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
}
