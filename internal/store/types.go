package store

import "time"

// Cache tiers, in ascending processing order.
const (
	TierRaw       = "raw"
	TierCleaned   = "cleaned"
	TierExtracted = "extracted"
)

// Crawl session states.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// Operation names recorded per indexing step.
const (
	OpIndex     = "index"
	OpDedupSkip = "dedup_skip"
	OpChunk     = "chunk"
	OpEmbed     = "embed"
	OpUpsert    = "upsert"
	OpCacheSet  = "cache_set"
)

// Document is one scraped page at one content version. Rows are
// immutable once hashed; changed content produces a new row.
type Document struct {
	ID          int64
	URL         string
	Content     string
	ContentHash string
	ContentType string
	SessionID   string
	ScrapedAt   time.Time
	CreatedAt   time.Time
}

// CacheEntry is one L2 cache row. A zero ExpiresAt never expires.
type CacheEntry struct {
	Tier      string
	URL       string
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry's deadline has passed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return now.After(e.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero for entries
// that never expire.
func (e *CacheEntry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Session is the crawl session row with its aggregate counters.
type Session struct {
	SessionID       string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	TotalItems      int64
	ItemsIndexed    int64
	ItemsFailed     int64
	TotalDurationMS int64
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Operation is one recorded per-step timing.
type Operation struct {
	ID         int64
	SessionID  string
	URL        string
	Op         string
	DurationMS int64
	Success    bool
	CreatedAt  time.Time
}

// OperationAggregate is the rollup over a session's index operations.
// Items count index and dedup-skip operations; duration sums every
// recorded operation.
type OperationAggregate struct {
	TotalItems      int64
	ItemsIndexed    int64
	ItemsFailed     int64
	TotalDurationMS int64
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	ID        int64
	JobID     string
	SessionID string
	URL       string
	Payload   string
	Reason    string
	Attempts  int
	CreatedAt time.Time
}
