package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// HTTPConfig configures the HTTP embedding client.
type HTTPConfig struct {
	// Endpoint is the base URL of the embedding service.
	Endpoint string

	// Model is the embedding model identifier sent with each request.
	Model string

	// Dimensions is the expected embedding dimension. Responses with a
	// different dimension are treated as malformed.
	Dimensions int

	// BatchSize bounds the texts per request.
	BatchSize int

	// MaxConcurrency caps concurrently in-flight sub-batches.
	MaxConcurrency int

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// MaxRetries bounds retry attempts per sub-batch.
	MaxRetries int

	// PoolSize sizes the HTTP connection pool.
	PoolSize int
}

// embedRequest is the wire format sent to the embedding service.
type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Texts []string `json:"texts"`
}

// embedResponse is the wire format returned by the embedding service.
// Vectors are order-preserved with respect to the request texts.
type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// HTTPEmbedder generates embeddings via the external embedding service.
// The connection pool is built once and reused for the process lifetime;
// a circuit breaker fails fast when the service is down.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPConfig
	breaker   *sifterrors.CircuitBreaker
	retry     sifterrors.RetryConfig

	mu     sync.Mutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates an embedding client for the given service.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, sifterrors.ConfigError("embedding endpoint is required", nil)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize < MinBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = cfg.MaxConcurrency * 2
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	// No client-level timeout: per-request contexts carry the deadline
	// so a caller-supplied context can still cancel early.
	retry := sifterrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		breaker:   sifterrors.NewCircuitBreaker("embedding"),
		retry:     retry,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, order-preserved. Input is
// split into sub-batches of at most BatchSize texts; sub-batches are
// dispatched with at most MaxConcurrency in flight. Each sub-batch is
// retried with exponential backoff; exhausted retries surface a
// transient external error that fails the caller's job.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, sifterrors.InternalError("embedder is closed", nil)
	}
	e.mu.Unlock()

	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrency)

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			vectors, err := sifterrors.RetryWithResult(gctx, e.retry, func() ([][]float32, error) {
				return e.doEmbed(gctx, texts[start:end])
			})
			if err != nil {
				return err
			}
			// Disjoint slice ranges per goroutine; no lock needed.
			copy(results[start:], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// doEmbed sends one sub-batch to the embedding service.
func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	err := e.breaker.Execute(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		body, err := json.Marshal(embedRequest{Model: e.config.Model, Texts: texts})
		if err != nil {
			return sifterrors.InternalError("failed to marshal embed request", err)
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Endpoint+"/embed", bytes.NewReader(body))
		if err != nil {
			return sifterrors.InternalError("failed to create embed request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingTimeout,
				fmt.Sprintf("embedding request failed: %v", err), err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingUnavailable,
					fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, payload), nil)
			}
			return sifterrors.New(sifterrors.ErrCodeInvalidInput,
				fmt.Sprintf("embedding service rejected request with %d: %s", resp.StatusCode, payload), nil)
		}

		var parsed embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingUnavailable,
				"malformed embedding response", err)
		}

		// A short or mis-dimensioned response is treated the same as a
		// failed request: transient, retried.
		if len(parsed.Vectors) != len(texts) {
			return sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingUnavailable,
				fmt.Sprintf("embedding response length %d != request length %d", len(parsed.Vectors), len(texts)), nil)
		}
		for i, v := range parsed.Vectors {
			if len(v) != e.config.Dimensions {
				return sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingUnavailable,
					fmt.Sprintf("vector %d has dimension %d, expected %d", i, len(v), e.config.Dimensions), nil)
			}
		}

		vectors = parsed.Vectors
		return nil
	})
	if err == sifterrors.ErrCircuitOpen {
		return nil, sifterrors.TransientExternal(sifterrors.ErrCodeEmbeddingUnavailable,
			"embedding circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases pooled connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	slog.Debug("embedder_closed", slog.String("endpoint", e.config.Endpoint))
	return nil
}
