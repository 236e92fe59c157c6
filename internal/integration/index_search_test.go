// Package integration exercises the full write and read paths
// together: enqueue, worker pool, orchestrator, both indexes, cache,
// and the hybrid planner, over real on-disk state.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/siftd/internal/config"
	"github.com/siftlabs/siftd/internal/index"
	"github.com/siftlabs/siftd/internal/queue"
	"github.com/siftlabs/siftd/internal/search"
	"github.com/siftlabs/siftd/internal/service"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embedding.Provider = "static"
	cfg.Embedding.Dimensions = 64
	cfg.Chunking.MaxTokens = 100
	cfg.Chunking.OverlapTokens = 20
	cfg.Lexical.SnapshotInterval = 0
	cfg.Queue.LeaseDuration = 5 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestIndexThenSearch(t *testing.T) {
	ctx := context.Background()
	pool := service.NewPool(testConfig(t))
	require.NoError(t, pool.Init(ctx))
	defer pool.Close()

	docs := map[string]string{
		"https://docs/chunking":  "chunking splits long documents into overlapping token windows",
		"https://docs/embedding": "embedding services turn text into dense vectors for similarity search",
		"https://docs/caching":   "a two tier cache keeps hot content in memory with a durable fallback",
	}
	for url, content := range docs {
		_, err := pool.Orchestrator.IndexDocument(ctx, &index.Request{
			SessionID: "sess",
			URL:       url,
			Content:   content,
			Tier:      store.TierCleaned,
		})
		require.NoError(t, err)
	}

	results, err := pool.Planner.Search(ctx, "overlapping token windows", 5, search.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "https://docs/chunking", results[0].URL)
	assert.NotEmpty(t, results[0].Snippet)

	// The cache serves the indexed content back at its tier.
	got, err := pool.Cache.Get(ctx, store.TierCleaned, "https://docs/chunking")
	require.NoError(t, err)
	assert.Equal(t, docs["https://docs/chunking"], got)
}

func TestQueueWorkerPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	pool := service.NewPool(cfg)
	require.NoError(t, pool.Init(ctx))
	defer pool.Close()

	workers := worker.NewPool(worker.Config{
		Count:         2,
		JobTimeout:    10 * time.Second,
		LeaseDuration: cfg.Queue.LeaseDuration,
	}, pool.Queue, pool.Orchestrator, pool.Tracker)

	done := make(chan struct{})
	go func() {
		workers.Run(ctx)
		close(done)
	}()

	require.NoError(t, pool.Tracker.Start(ctx, "crawl-1"))
	const jobs = 5
	for i := 0; i < jobs; i++ {
		url := fmt.Sprintf("https://site/page-%d", i)
		content := fmt.Sprintf("page %d talks about retrieval topic number %d in detail", i, i)
		require.NoError(t, pool.Queue.Enqueue(ctx, queue.NewJob("crawl-1", url, content, "text/plain", store.TierRaw)))
	}

	ok := waitFor(t, 10*time.Second, func() bool {
		sess, err := pool.Tracker.Get(ctx, "crawl-1")
		return err == nil && sess.ItemsIndexed == jobs
	})
	require.True(t, ok, "all queued jobs should index")

	require.NoError(t, pool.Tracker.Complete(ctx, "crawl-1"))
	sess, err := pool.Tracker.Get(ctx, "crawl-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.Equal(t, int64(jobs), sess.ItemsIndexed)
	assert.Equal(t, int64(0), sess.ItemsFailed)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := service.NewPool(cfg)
	require.NoError(t, first.Init(ctx))
	_, err := first.Orchestrator.IndexDocument(ctx, &index.Request{
		SessionID: "sess",
		URL:       "https://persistent/doc",
		Content:   "durable state survives a process restart intact",
		Tier:      store.TierExtracted,
	})
	require.NoError(t, err)
	first.Close()

	// A second pool over the same data directory sees everything.
	second := service.NewPool(cfg)
	require.NoError(t, second.Init(ctx))
	defer second.Close()

	results, err := second.Planner.Search(ctx, "durable state restart", 5, search.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "https://persistent/doc", results[0].URL)

	tier, value, err := second.Cache.GetAny(ctx, "https://persistent/doc")
	require.NoError(t, err)
	assert.Equal(t, store.TierExtracted, tier)
	assert.NotEmpty(t, value)
}

func TestDedupAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	content := "identical content fetched twice across process lifetimes"

	first := service.NewPool(cfg)
	require.NoError(t, first.Init(ctx))
	res1, err := first.Orchestrator.IndexDocument(ctx, &index.Request{
		SessionID: "sess", URL: "https://dup", Content: content,
	})
	require.NoError(t, err)
	require.False(t, res1.Skipped)
	first.Close()

	second := service.NewPool(cfg)
	require.NoError(t, second.Init(ctx))
	defer second.Close()

	res2, err := second.Orchestrator.IndexDocument(ctx, &index.Request{
		SessionID: "sess", URL: "https://dup", Content: content,
	})
	require.NoError(t, err)
	assert.True(t, res2.Skipped, "the chunk-set claim is durable, so the re-fetch dedups")
	assert.Equal(t, res1.ContentHash, res2.ContentHash)
}
