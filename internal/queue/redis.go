package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/siftlabs/siftd/internal/store"
)

// dequeuePoll bounds each blocking pop so Dequeue can observe ctx
// cancellation and queue shutdown.
const dequeuePoll = time.Second

// RedisQueue is the multi-process backend: a pending list, an
// in-flight list claimed via LMOVE, and per-job lease keys with TTL.
// A reaper scans the in-flight list for jobs whose lease key expired.
type RedisQueue struct {
	cfg    Config
	client *redis.Client
	store  *store.Store

	mu     sync.Mutex
	raw    map[string]string // job id -> payload as it sits in the in-flight list
	closed bool

	stop chan struct{}
	done chan struct{}
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates the redis-backed queue and starts its reaper.
func NewRedisQueue(cfg Config, client *redis.Client, s *store.Store) *RedisQueue {
	q := &RedisQueue{
		cfg:    cfg,
		client: client,
		store:  s,
		raw:    make(map[string]string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.reapLoop()
	return q
}

func (q *RedisQueue) pendingKey() string  { return q.cfg.RedisKeyPrefix + ":pending" }
func (q *RedisQueue) inflightKey() string { return q.cfg.RedisKeyPrefix + ":inflight" }
func (q *RedisQueue) leaseKey(id string) string {
	return q.cfg.RedisKeyPrefix + ":lease:" + id
}

// Enqueue pushes the job onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := marshalJob(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pendingKey(), payload).Err()
}

// Dequeue claims a job by moving it from pending to in-flight, then
// sets its lease key.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-q.stop:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		payload, err := q.client.BLMove(ctx, q.pendingKey(), q.inflightKey(), "right", "left", dequeuePoll).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// A malformed payload can never succeed; drop it from
			// in-flight and keep consuming.
			slog.Error("dropping malformed job payload", "error", err)
			q.client.LRem(ctx, q.inflightKey(), 1, payload)
			continue
		}

		if err := q.client.Set(ctx, q.leaseKey(job.ID), "1", q.cfg.LeaseDuration).Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.raw[job.ID] = payload
		q.mu.Unlock()
		return &job, nil
	}
}

// Renew extends the lease key's TTL.
func (q *RedisQueue) Renew(ctx context.Context, jobID string, lease time.Duration) error {
	return q.client.Expire(ctx, q.leaseKey(jobID), lease).Err()
}

// Ack removes the job from the in-flight list and drops its lease.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	payload, ok := q.raw[jobID]
	delete(q.raw, jobID)
	q.mu.Unlock()
	if ok {
		if err := q.client.LRem(ctx, q.inflightKey(), 1, payload).Err(); err != nil {
			return err
		}
	}
	return q.client.Del(ctx, q.leaseKey(jobID)).Err()
}

// Nack removes the in-flight claim and requeues or dead-letters.
func (q *RedisQueue) Nack(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	payload, ok := q.raw[jobID]
	delete(q.raw, jobID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, q.inflightKey(), 1, payload).Err(); err != nil {
		return err
	}
	if err := q.client.Del(ctx, q.leaseKey(jobID)).Err(); err != nil {
		return err
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return err
	}
	return q.retryOrDeadLetter(ctx, &job, reason)
}

func (q *RedisQueue) retryOrDeadLetter(ctx context.Context, job *Job, reason string) error {
	job.Attempts++
	if job.Attempts >= q.cfg.MaxAttempts {
		slog.Warn("job dead-lettered",
			"job_id", job.ID, "url", job.URL, "attempts", job.Attempts, "reason", reason)
		return q.store.InsertDeadLetter(ctx, deadLetterFromJob(job, reason))
	}
	payload, err := marshalJob(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pendingKey(), payload).Err()
}

// reapLoop scans the in-flight list for jobs whose lease key expired
// (worker crashed or hung) and requeues them.
func (q *RedisQueue) reapLoop() {
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

func (q *RedisQueue) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payloads, err := q.client.LRange(ctx, q.inflightKey(), 0, -1).Result()
	if err != nil {
		slog.Error("reaper failed to scan in-flight list", "error", err)
		return
	}
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.client.LRem(ctx, q.inflightKey(), 1, payload)
			continue
		}
		exists, err := q.client.Exists(ctx, q.leaseKey(job.ID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		// Lease gone: reclaim the job. LRem returning zero means
		// another reaper got there first.
		removed, err := q.client.LRem(ctx, q.inflightKey(), 1, payload).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.mu.Lock()
		delete(q.raw, job.ID)
		q.mu.Unlock()

		slog.Warn("lease expired, requeueing job", "job_id", job.ID, "url", job.URL)
		if err := q.retryOrDeadLetter(ctx, &job, "lease expired"); err != nil {
			slog.Error("failed to requeue expired job", "job_id", job.ID, "error", err)
		}
	}
}

// Close stops the reaper and the redis client.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	<-q.done
	return q.client.Close()
}
