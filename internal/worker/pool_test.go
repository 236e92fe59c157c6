package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/chunk"
	"github.com/siftlabs/siftd/internal/embed"
	"github.com/siftlabs/siftd/internal/index"
	"github.com/siftlabs/siftd/internal/lexical"
	"github.com/siftlabs/siftd/internal/queue"
	"github.com/siftlabs/siftd/internal/session"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/vector"
)

const testDims = 32

// fakeEmbedService is a minimal embedding endpoint.
func fakeEmbedService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Texts))
		for i, text := range req.Texts {
			vec := make([]float32, testDims)
			for j := range vec {
				vec[j] = float32(len(text)%7) + float32(j)
			}
			vectors[i] = vec
		}
		json.NewEncoder(w).Encode(map[string]any{"vectors": vectors})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type workerFixture struct {
	pool    *Pool
	queue   *queue.MemoryQueue
	store   *store.Store
	tracker *session.Tracker
	vec     vector.Store
	orch    *index.Orchestrator
}

func newWorkerFixture(t *testing.T, embedder embed.Embedder) *workerFixture {
	t.Helper()

	s, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tokenizer := chunk.NewTokenizer()
	chunker, err := chunk.NewChunker(tokenizer, chunk.Config{MaxTokens: 100, OverlapTokens: 20})
	require.NoError(t, err)

	vec, err := vector.NewHNSWStore(vector.Config{Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { vec.Close() })

	lex, err := lexical.NewSnapshotEngine("", tokenizer, nil)
	require.NoError(t, err)

	c, err := cache.New(cache.Config{}, s)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	tracker := session.NewTracker(s)
	orch := index.New(tokenizer, chunker, embedder, vec, lex, c, s, tracker)

	q := queue.NewMemoryQueue(queue.Config{
		LeaseDuration: 5 * time.Second,
		MaxAttempts:   2,
	}, s)
	t.Cleanup(func() { q.Close() })

	pool := NewPool(Config{Count: 2, JobTimeout: 10 * time.Second, LeaseDuration: 5 * time.Second}, q, orch, tracker)
	return &workerFixture{pool: pool, queue: q, store: s, tracker: tracker, vec: vec, orch: orch}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWorkerPool_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := fakeEmbedService(t)
	embedder, err := embed.NewHTTPEmbedder(embed.HTTPConfig{
		Endpoint:   srv.URL,
		Model:      "test-model",
		Dimensions: testDims,
	})
	require.NoError(t, err)
	f := newWorkerFixture(t, embedder)

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.tracker.Start(ctx, "sess"))
	require.NoError(t, f.queue.Enqueue(ctx, queue.NewJob("sess", "https://a",
		"hybrid retrieval mixes lexical and semantic search", "text/plain", store.TierCleaned)))
	require.NoError(t, f.queue.Enqueue(ctx, queue.NewJob("sess", "https://b",
		"vector databases index embeddings for nearest neighbor lookup", "text/plain", store.TierCleaned)))

	ok := waitFor(t, 5*time.Second, func() bool {
		sess, err := f.tracker.Get(ctx, "sess")
		return err == nil && sess.ItemsIndexed == 2
	})
	require.True(t, ok, "both jobs should index")

	assert.Equal(t, 2, f.vec.Count())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

// panickingEmbedder blows up on the first batch and works afterwards.
type panickingEmbedder struct {
	*embed.StaticEmbedder
	calls int
}

func (p *panickingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.calls == 1 {
		panic("embedder exploded")
	}
	return p.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestWorkerPool_PanicRecoveredAndJobRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder := &panickingEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDims)}
	f := newWorkerFixture(t, embedder)
	// One worker so the panic and the retry hit the same loop.
	f.pool.cfg.Count = 1

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.queue.Enqueue(ctx, queue.NewJob("sess", "https://a",
		"content that survives a worker panic", "", store.TierRaw)))

	ok := waitFor(t, 5*time.Second, func() bool {
		_, err := f.store.GetDocument(ctx, "https://a")
		return err == nil && f.vec.Count() == 1
	})
	require.True(t, ok, "the nacked job must be retried and succeed")

	cancel()
	<-done
}

func TestWorkerPool_ShutdownWithEmptyQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newWorkerFixture(t, embed.NewStaticEmbedder(testDims))

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle pool did not stop on cancellation")
	}
}
