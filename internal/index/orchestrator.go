// Package index drives the write path for one document: dedup check,
// chunk, embed, parallel vector and lexical upserts, cache
// write-through, and session bookkeeping.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/chunk"
	"github.com/siftlabs/siftd/internal/embed"
	"github.com/siftlabs/siftd/internal/lexical"
	"github.com/siftlabs/siftd/internal/session"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/vector"
)

// Request is one document to index.
type Request struct {
	SessionID   string
	URL         string
	Content     string
	ContentType string

	// Tier is the processing stage that produced Content (raw,
	// cleaned, extracted). Empty defaults to raw.
	Tier string

	ScrapedAt time.Time
}

// Result reports what indexing one document did.
type Result struct {
	ContentHash string
	ChunkCount  int

	// Skipped is true when (session, url, hash) was already indexed
	// and the expensive embed and upsert path was bypassed.
	Skipped bool

	ChunkDuration  time.Duration
	EmbedDuration  time.Duration
	UpsertDuration time.Duration
	CacheDuration  time.Duration
	TotalDuration  time.Duration
}

// Orchestrator wires the write-path components together.
type Orchestrator struct {
	tokenizer *chunk.Tokenizer
	chunker   *chunk.Chunker
	embedder  embed.Embedder
	vector    vector.Store
	lexical   lexical.Engine
	cache     *cache.Cache
	store     *store.Store
	tracker   *session.Tracker
}

// New creates the orchestrator. All dependencies are required.
func New(
	tokenizer *chunk.Tokenizer,
	chunker *chunk.Chunker,
	embedder embed.Embedder,
	vec vector.Store,
	lex lexical.Engine,
	c *cache.Cache,
	s *store.Store,
	tracker *session.Tracker,
) *Orchestrator {
	return &Orchestrator{
		tokenizer: tokenizer,
		chunker:   chunker,
		embedder:  embedder,
		vector:    vec,
		lexical:   lex,
		cache:     c,
		store:     s,
		tracker:   tracker,
	}
}

// ChunkID names one chunk in the vector and lexical indexes. The
// content hash prefix makes upserts idempotent across re-indexes of
// unchanged content.
func ChunkID(contentHash string, sequence int) string {
	return fmt.Sprintf("%s:%d", contentHash, sequence)
}

// IndexDocument runs the full write path for one document. A failure
// only affects this document: the chunk-set claim is released so a
// retry can re-claim, and no other document's state is touched.
func (o *Orchestrator) IndexDocument(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	tier := req.Tier
	if tier == "" {
		tier = store.TierRaw
	}

	normalized := o.tokenizer.Normalize(req.Content)
	contentHash := o.tokenizer.HashContent(req.Content)
	res := &Result{ContentHash: contentHash}

	// The document row is saved unconditionally so the lexical rebuild
	// and the query planner can resolve chunks back to documents.
	_, err := o.store.SaveDocument(ctx, &store.Document{
		URL:         req.URL,
		Content:     normalized,
		ContentHash: contentHash,
		ContentType: req.ContentType,
		SessionID:   req.SessionID,
		ScrapedAt:   req.ScrapedAt,
	})
	if err != nil {
		return nil, err
	}

	claimed, err := o.store.ClaimChunkSet(ctx, req.SessionID, req.URL, contentHash)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Already indexed for this session: the dominant cost-avoidance
		// path for repeated fetches of unchanged content.
		res.Skipped = true
		res.TotalDuration = time.Since(start)
		o.recordOp(ctx, req, store.OpDedupSkip, res.TotalDuration, true)
		o.recordPage(ctx, req.SessionID, 1, 0, res.TotalDuration)
		slog.Debug("duplicate content skipped",
			"url", req.URL, "session_id", req.SessionID, "hash", contentHash)
		return res, nil
	}

	result, err := o.indexClaimedGuarded(ctx, req, res, normalized, contentHash, tier)
	if err != nil {
		// Release so a retry can re-claim; ignore a release failure,
		// the claim row will then block retries until swept manually.
		if relErr := o.store.ReleaseChunkSet(ctx, req.SessionID, req.URL, contentHash); relErr != nil {
			slog.Warn("failed to release chunk set after error",
				"url", req.URL, "session_id", req.SessionID, "error", relErr)
		}
		res.TotalDuration = time.Since(start)
		o.recordOp(ctx, req, store.OpIndex, res.TotalDuration, false)
		o.recordPage(ctx, req.SessionID, 0, 1, res.TotalDuration)
		return nil, err
	}

	result.TotalDuration = time.Since(start)
	o.recordOp(ctx, req, store.OpIndex, result.TotalDuration, true)
	o.recordPage(ctx, req.SessionID, 1, 0, result.TotalDuration)
	slog.Info("document indexed",
		"url", req.URL,
		"session_id", req.SessionID,
		"chunks", result.ChunkCount,
		"duration_ms", result.TotalDuration.Milliseconds())
	return result, nil
}

// indexClaimedGuarded releases the claim when a dependency panics, so
// a retry after the worker's recovery can re-claim instead of being
// dedup-skipped into a half-indexed state.
func (o *Orchestrator) indexClaimedGuarded(ctx context.Context, req *Request, res *Result, normalized, contentHash, tier string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			if relErr := o.store.ReleaseChunkSet(ctx, req.SessionID, req.URL, contentHash); relErr != nil {
				slog.Warn("failed to release chunk set after panic",
					"url", req.URL, "session_id", req.SessionID, "error", relErr)
			}
			panic(r)
		}
	}()
	return o.indexClaimed(ctx, req, res, normalized, contentHash, tier)
}

func (o *Orchestrator) indexClaimed(ctx context.Context, req *Request, res *Result, normalized, contentHash, tier string) (*Result, error) {
	chunkStart := time.Now()
	chunks := o.chunker.Chunk(normalized)
	res.ChunkCount = len(chunks)
	res.ChunkDuration = time.Since(chunkStart)
	o.recordOp(ctx, req, store.OpChunk, res.ChunkDuration, true)

	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	payloads := make([]vector.Payload, len(chunks))
	for i, ch := range chunks {
		ids[i] = ChunkID(contentHash, ch.Sequence)
		texts[i] = ch.Text
		payloads[i] = vector.Payload{
			"url":  req.URL,
			"hash": contentHash,
			"seq":  fmt.Sprintf("%d", ch.Sequence),
		}
	}

	// One batched call for the whole chunk set.
	embedStart := time.Now()
	vecs, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		o.recordOp(ctx, req, store.OpEmbed, time.Since(embedStart), false)
		return nil, err
	}
	res.EmbedDuration = time.Since(embedStart)
	o.recordOp(ctx, req, store.OpEmbed, res.EmbedDuration, true)

	// Vector and lexical upserts run concurrently; both must land
	// before the chunk set is finalized.
	upsertStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.vector.UpsertBatch(gctx, ids, vecs, payloads)
	})
	g.Go(func() error {
		return o.lexical.AddBatch(gctx, ids, texts)
	})
	if err := g.Wait(); err != nil {
		o.recordOp(ctx, req, store.OpUpsert, time.Since(upsertStart), false)
		return nil, err
	}
	res.UpsertDuration = time.Since(upsertStart)
	o.recordOp(ctx, req, store.OpUpsert, res.UpsertDuration, true)

	cacheStart := time.Now()
	if err := o.cache.Put(ctx, tier, req.URL, req.Content, 0); err != nil {
		o.recordOp(ctx, req, store.OpCacheSet, time.Since(cacheStart), false)
		return nil, err
	}
	res.CacheDuration = time.Since(cacheStart)
	o.recordOp(ctx, req, store.OpCacheSet, res.CacheDuration, true)

	if err := o.store.FinalizeChunkSet(ctx, req.SessionID, req.URL, contentHash, len(chunks)); err != nil {
		return nil, err
	}
	return res, nil
}

// recordOp and recordPage are best-effort: a metrics write failure
// never fails the document.
func (o *Orchestrator) recordOp(ctx context.Context, req *Request, op string, d time.Duration, success bool) {
	err := o.store.RecordOperation(ctx, &store.Operation{
		SessionID:  req.SessionID,
		URL:        req.URL,
		Op:         op,
		DurationMS: d.Milliseconds(),
		Success:    success,
	})
	if err != nil {
		slog.Warn("failed to record operation", "op", op, "url", req.URL, "error", err)
	}
}

func (o *Orchestrator) recordPage(ctx context.Context, sessionID string, indexed, failed int, d time.Duration) {
	if err := o.tracker.RecordPage(ctx, sessionID, indexed, failed, d); err != nil {
		slog.Warn("failed to record page counters", "session_id", sessionID, "error", err)
	}
}
