package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siftlabs/siftd/internal/store"
)

// reapInterval is how often the memory queue sweeps expired leases.
const reapInterval = time.Second

// memoryBuffer bounds the pending channel.
const memoryBuffer = 1024

type leaseEntry struct {
	job      *Job
	deadline time.Time
}

// MemoryQueue is the in-process backend: a buffered channel plus an
// in-flight lease map swept by a reaper goroutine.
type MemoryQueue struct {
	cfg   Config
	store *store.Store

	mu       sync.Mutex
	pending  chan *Job
	inflight map[string]*leaseEntry
	closed   bool

	stop chan struct{}
	done chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates the in-process queue and starts its reaper.
func NewMemoryQueue(cfg Config, s *store.Store) *MemoryQueue {
	q := &MemoryQueue{
		cfg:      cfg,
		store:    s,
		pending:  make(chan *Job, memoryBuffer),
		inflight: make(map[string]*leaseEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.reapLoop()
	return q
}

// Enqueue adds a job to the pending queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case q.pending <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job is available, granting it a lease.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.pending:
		if !ok {
			return nil, ErrClosed
		}
		q.mu.Lock()
		q.inflight[job.ID] = &leaseEntry{job: job, deadline: time.Now().Add(q.cfg.LeaseDuration)}
		q.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop:
		return nil, ErrClosed
	}
}

// Renew extends the lease on an in-flight job. Renewing an unknown id
// is a no-op: the reaper may already have requeued it.
func (q *MemoryQueue) Renew(ctx context.Context, jobID string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.inflight[jobID]; ok {
		entry.deadline = time.Now().Add(lease)
	}
	return nil
}

// Ack removes a completed job from the in-flight set.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	return nil
}

// Nack returns a failed job for retry or dead-letters it.
func (q *MemoryQueue) Nack(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	entry, ok := q.inflight[jobID]
	if ok {
		delete(q.inflight, jobID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.retryOrDeadLetter(ctx, entry.job, reason)
}

func (q *MemoryQueue) retryOrDeadLetter(ctx context.Context, job *Job, reason string) error {
	job.Attempts++
	if job.Attempts >= q.cfg.MaxAttempts {
		slog.Warn("job dead-lettered",
			"job_id", job.ID, "url", job.URL, "attempts", job.Attempts, "reason", reason)
		return q.store.InsertDeadLetter(ctx, deadLetterFromJob(job, reason))
	}
	select {
	case q.pending <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reapLoop requeues jobs whose lease expired, covering crashed or hung
// workers.
func (q *MemoryQueue) reapLoop() {
	defer close(q.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.reap()
		}
	}
}

func (q *MemoryQueue) reap() {
	now := time.Now()
	q.mu.Lock()
	var expired []*Job
	for id, entry := range q.inflight {
		if now.After(entry.deadline) {
			expired = append(expired, entry.job)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, job := range expired {
		slog.Warn("lease expired, requeueing job", "job_id", job.ID, "url", job.URL)
		if err := q.retryOrDeadLetter(ctx, job, "lease expired"); err != nil {
			slog.Error("failed to requeue expired job", "job_id", job.ID, "error", err)
		}
	}
}

// Close stops the reaper. Pending jobs are dropped; the durable store
// keeps the system recoverable.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	<-q.done
	return nil
}
