// Package worker runs the fixed pool of indexing workers. Each worker
// processes one job at a time: dequeue, heartbeat the lease, run the
// orchestrator under a job timeout, then ack or nack. A panicking or
// failing job never takes the worker down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/siftlabs/siftd/internal/index"
	"github.com/siftlabs/siftd/internal/queue"
	"github.com/siftlabs/siftd/internal/session"
)

// Config configures the pool.
type Config struct {
	// Count is the number of workers. Zero defaults to 4.
	Count int

	// JobTimeout bounds one indexing job. Zero defaults to 2 minutes.
	JobTimeout time.Duration

	// LeaseDuration must match the queue's lease; the heartbeat renews
	// at a third of it.
	LeaseDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	return c
}

// Pool consumes the queue and drives the orchestrator.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	orch    *index.Orchestrator
	tracker *session.Tracker
}

// NewPool creates the worker pool.
func NewPool(cfg Config, q queue.Queue, orch *index.Orchestrator, tracker *session.Tracker) *Pool {
	return &Pool{cfg: cfg.withDefaults(), queue: q, orch: orch, tracker: tracker}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished. Cancellation is cooperative: a worker
// mid-job finishes that job before exiting.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool starting", "workers", p.cfg.Count)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.processJob(ctx, id, job)
	}
}

// processJob runs one job to completion. The job is acked on success,
// nacked on failure, and a panic is converted to a nack.
func (p *Pool) processJob(ctx context.Context, workerID int, job *queue.Job) {
	// Detach from pool cancellation: an accepted job runs to its own
	// timeout so the two indexes never diverge mid-chunk-set.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	heartbeatStop := make(chan struct{})
	go p.heartbeat(jobCtx, job.ID, heartbeatStop)

	err := p.runIndexing(jobCtx, job)
	close(heartbeatStop)

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer ackCancel()

	if err == nil {
		if ackErr := p.queue.Ack(ackCtx, job.ID); ackErr != nil {
			slog.Error("ack failed", "worker", workerID, "job_id", job.ID, "error", ackErr)
		}
		return
	}

	slog.Warn("job failed",
		"worker", workerID,
		"job_id", job.ID,
		"url", job.URL,
		"attempt", job.Attempts+1,
		"error", err)
	// The orchestrator records failure counters for any failure after
	// the claim; a panic can skip that, so cover it here.
	if job.SessionID != "" && isPanicErr(err) {
		if sessErr := p.tracker.RecordPage(ackCtx, job.SessionID, 0, 1, 0); sessErr != nil {
			slog.Warn("failed to record session failure", "session_id", job.SessionID, "error", sessErr)
		}
	}
	if nackErr := p.queue.Nack(ackCtx, job.ID, err.Error()); nackErr != nil {
		slog.Error("nack failed", "worker", workerID, "job_id", job.ID, "error", nackErr)
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in indexing job: %v", e.value)
}

func isPanicErr(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

// runIndexing calls the orchestrator with panic recovery at the job
// boundary.
func (p *Pool) runIndexing(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	_, err = p.orch.IndexDocument(ctx, &index.Request{
		SessionID:   job.SessionID,
		URL:         job.URL,
		Content:     job.Content,
		ContentType: job.ContentType,
		Tier:        job.Tier,
	})
	return err
}

// heartbeat renews the job lease at a third of its duration until the
// job finishes.
func (p *Pool) heartbeat(ctx context.Context, jobID string, stop <-chan struct{}) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Renew(ctx, jobID, p.cfg.LeaseDuration); err != nil {
				slog.Warn("lease renewal failed", "job_id", jobID, "error", err)
			}
		}
	}
}
