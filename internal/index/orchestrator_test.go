package index

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/chunk"
	"github.com/siftlabs/siftd/internal/embed"
	"github.com/siftlabs/siftd/internal/lexical"
	"github.com/siftlabs/siftd/internal/session"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/vector"
)

// countingEmbedder records batch calls so tests can assert the dedup
// path never re-embeds.
type countingEmbedder struct {
	embed.Embedder
	batchCalls atomic.Int64
	fail       atomic.Bool
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.fail.Load() {
		return nil, errors.New("embedding service down")
	}
	c.batchCalls.Add(1)
	return c.Embedder.EmbedBatch(ctx, texts)
}

type fixture struct {
	orch     *Orchestrator
	embedder *countingEmbedder
	vec      vector.Store
	lex      lexical.Engine
	cache    *cache.Cache
	store    *store.Store
	tracker  *session.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tokenizer := chunk.NewTokenizer()
	chunker, err := chunk.NewChunker(tokenizer, chunk.Config{MaxTokens: 100, OverlapTokens: 20})
	require.NoError(t, err)

	embedder := &countingEmbedder{Embedder: embed.NewStaticEmbedder(64)}

	vec, err := vector.NewHNSWStore(vector.Config{Dimensions: 64})
	require.NoError(t, err)
	t.Cleanup(func() { vec.Close() })

	lex, err := lexical.NewSnapshotEngine("", tokenizer, nil)
	require.NoError(t, err)

	c, err := cache.New(cache.Config{}, s)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	tracker := session.NewTracker(s)
	orch := New(tokenizer, chunker, embedder, vec, lex, c, s, tracker)
	return &fixture{orch: orch, embedder: embedder, vec: vec, lex: lex, cache: c, store: s, tracker: tracker}
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word" + string(rune('a'+i%26))
	}
	return strings.Join(parts, " ")
}

func TestOrchestrator_IndexDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.orch.IndexDocument(ctx, &Request{
		SessionID: "sess",
		URL:       "https://example.com/doc",
		Content:   words(250),
		Tier:      store.TierCleaned,
	})
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.ChunkCount, "250 tokens at window 100 overlap 20 gives 3 chunks")
	assert.Equal(t, int64(1), f.embedder.batchCalls.Load(), "all chunks embed in one batched call")

	// Both indexes hold the chunk set.
	assert.Equal(t, 3, f.vec.Count())
	assert.Equal(t, 3, f.lex.DocCount())

	// Cache write-through at the document's tier.
	got, err := f.cache.Get(ctx, store.TierCleaned, "https://example.com/doc")
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	// Session counters reflect the page.
	sess, err := f.tracker.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.ItemsIndexed)
}

func TestOrchestrator_DuplicateContentSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := &Request{SessionID: "sess", URL: "u", Content: words(250), Tier: store.TierRaw}

	first, err := f.orch.IndexDocument(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := f.orch.IndexDocument(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, int64(1), f.embedder.batchCalls.Load(), "dedup path must not re-embed")

	assert.Equal(t, 3, f.vec.Count(), "no extra vectors from the duplicate")
}

func TestOrchestrator_ChangedContentReindexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.IndexDocument(ctx, &Request{SessionID: "sess", URL: "u", Content: words(100)})
	require.NoError(t, err)

	res, err := f.orch.IndexDocument(ctx, &Request{SessionID: "sess", URL: "u", Content: words(150)})
	require.NoError(t, err)
	assert.False(t, res.Skipped, "changed content has a new hash and is not a duplicate")
	assert.Equal(t, int64(2), f.embedder.batchCalls.Load())
}

func TestOrchestrator_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := &Request{SessionID: "sess", URL: "u", Content: words(50)}

	f.embedder.fail.Store(true)
	_, err := f.orch.IndexDocument(ctx, req)
	require.Error(t, err)

	sess, err2 := f.tracker.Get(ctx, "sess")
	require.NoError(t, err2)
	assert.Equal(t, int64(1), sess.ItemsFailed)

	// Retry after the outage re-claims and succeeds.
	f.embedder.fail.Store(false)
	res, err := f.orch.IndexDocument(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "released claim must be re-claimable")
	assert.Equal(t, 1, res.ChunkCount)
}

func TestOrchestrator_ConcurrentDuplicatesIndexOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := &Request{SessionID: "sess", URL: "u", Content: words(250)}

	const racers = 8
	var wg sync.WaitGroup
	var skips atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.IndexDocument(ctx, req)
			if err == nil && res.Skipped {
				skips.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(racers-1), skips.Load(), "exactly one racer wins the claim")
	assert.Equal(t, int64(1), f.embedder.batchCalls.Load())

	assert.Equal(t, 3, f.vec.Count())
}

func TestOrchestrator_DocumentRowSavedForRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.orch.IndexDocument(ctx, &Request{SessionID: "sess", URL: "u", Content: words(40)})
	require.NoError(t, err)

	doc, err := f.store.GetDocumentByHash(ctx, res.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "u", doc.URL)
}
