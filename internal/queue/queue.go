// Package queue delivers indexing jobs to workers with at-least-once
// semantics: a dequeued job holds a lease, the worker renews it while
// working, and a reaper requeues jobs whose lease expired. Jobs that
// exhaust their retries are dead-lettered to the durable store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/siftlabs/siftd/internal/store"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Job is one document to index.
type Job struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Tier        string    `json:"tier"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id.
func NewJob(sessionID, url, content, contentType, tier string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		URL:         url,
		Content:     content,
		ContentType: contentType,
		Tier:        tier,
		EnqueuedAt:  time.Now(),
	}
}

// Queue is the job transport.
type Queue interface {
	// Enqueue adds a job to the pending queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a job is available or ctx is done. The
	// returned job holds a lease the caller must Renew while working.
	Dequeue(ctx context.Context) (*Job, error)

	// Renew extends the lease on an in-flight job.
	Renew(ctx context.Context, jobID string, lease time.Duration) error

	// Ack removes a completed job. Called after the orchestrator
	// finishes, successfully or terminally.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a failed job for retry, or dead-letters it when
	// the attempt budget is spent.
	Nack(ctx context.Context, jobID string, reason string) error

	// Close stops the queue.
	Close() error
}

// Config configures the queue.
type Config struct {
	// Backend is "memory" or "redis".
	Backend string

	// RedisAddr and RedisKeyPrefix apply to the redis backend.
	RedisAddr      string
	RedisKeyPrefix string

	// LeaseDuration is the initial lease granted on dequeue.
	LeaseDuration time.Duration

	// MaxAttempts bounds retries before dead-lettering.
	MaxAttempts int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RedisKeyPrefix == "" {
		out.RedisKeyPrefix = "siftd"
	}
	return out
}

// New creates the configured queue backend. The store receives
// dead-lettered jobs.
func New(cfg Config, s *store.Store) (Queue, error) {
	resolved := cfg.withDefaults()
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(resolved, s), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: resolved.RedisAddr})
		return NewRedisQueue(resolved, client, s), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func marshalJob(job *Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(b), nil
}

func deadLetterFromJob(job *Job, reason string) *store.DeadLetter {
	payload, _ := marshalJob(job)
	return &store.DeadLetter{
		JobID:     job.ID,
		SessionID: job.SessionID,
		URL:       job.URL,
		Payload:   payload,
		Reason:    reason,
		Attempts:  job.Attempts,
	}
}
