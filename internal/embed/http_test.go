package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// fakeEmbedService is an embedding service test double. Each returned
// vector encodes the request text's index so order can be asserted.
type fakeEmbedService struct {
	dims      int
	calls     atomic.Int64
	failFirst int64 // requests to fail with 503 before succeeding

	mu    sync.Mutex
	seen  []string
	codes []int
}

func (f *fakeEmbedService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := f.calls.Add(1)

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.seen = append(f.seen, req.Texts...)
		f.mu.Unlock()

		if call <= f.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		resp := embedResponse{Vectors: make([][]float32, len(req.Texts))}
		for i, text := range req.Texts {
			vec := make([]float32, f.dims)
			// First component identifies the text deterministically.
			vec[0] = float32(len(text))
			vec[1] = float32(text[len(text)-1])
			resp.Vectors[i] = vec
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestEmbedder(t *testing.T, svc *fakeEmbedService, cfg HTTPConfig) *HTTPEmbedder {
	t.Helper()
	server := httptest.NewServer(svc.handler())
	t.Cleanup(server.Close)

	cfg.Endpoint = server.URL
	cfg.Dimensions = svc.dims
	e, err := NewHTTPEmbedder(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHTTPEmbedder_OrderPreservedAcrossSubBatches(t *testing.T) {
	svc := &fakeEmbedService{dims: 4}
	e := newTestEmbedder(t, svc, HTTPConfig{BatchSize: 2, MaxConcurrency: 3, MaxRetries: 1})

	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	vectors, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 7)

	for i, v := range vectors {
		require.Len(t, v, 4)
		assert.Equal(t, float32(len(texts[i])), v[0], "vector %d out of order", i)
		assert.Equal(t, float32(texts[i][len(texts[i])-1]), v[1])
	}

	// 7 texts at batch size 2 -> 4 sub-batches.
	assert.Equal(t, int64(4), svc.calls.Load())
}

func TestHTTPEmbedder_RetriesTransientFailures(t *testing.T) {
	svc := &fakeEmbedService{dims: 4, failFirst: 2}
	e := newTestEmbedder(t, svc, HTTPConfig{BatchSize: 8, MaxConcurrency: 1, MaxRetries: 3})
	e.retry.InitialDelay = 1
	e.retry.MaxDelay = 1

	vectors, err := e.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int64(3), svc.calls.Load())
}

func TestHTTPEmbedder_ExhaustedRetriesSurfaceTransientError(t *testing.T) {
	svc := &fakeEmbedService{dims: 4, failFirst: 1000}
	e := newTestEmbedder(t, svc, HTTPConfig{BatchSize: 8, MaxConcurrency: 1, MaxRetries: 2})
	e.retry.InitialDelay = 1
	e.retry.MaxDelay = 1

	_, err := e.EmbedBatch(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, sifterrors.IsRetryable(err), "exhausted transient failure stays classified transient")
}

func TestHTTPEmbedder_MalformedShortResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One vector regardless of how many texts were requested.
		_ = json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{make([]float32, 4)}})
	}))
	defer server.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{
		Endpoint: server.URL, Dimensions: 4, BatchSize: 8, MaxConcurrency: 1, MaxRetries: 1,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	e.retry.InitialDelay = 1
	e.retry.MaxDelay = 1

	_, err = e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, sifterrors.IsRetryable(err))
}

func TestHTTPEmbedder_EmptyInput(t *testing.T) {
	svc := &fakeEmbedService{dims: 4}
	e := newTestEmbedder(t, svc, HTTPConfig{})

	vectors, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Equal(t, int64(0), svc.calls.Load())
}
