// Package service owns process-lifetime construction: every expensive
// component (tokenizer, embedder, indexes, store) is built exactly
// once and shared, never rebuilt per call.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/chunk"
	"github.com/siftlabs/siftd/internal/config"
	"github.com/siftlabs/siftd/internal/embed"
	"github.com/siftlabs/siftd/internal/index"
	"github.com/siftlabs/siftd/internal/lexical"
	"github.com/siftlabs/siftd/internal/queue"
	"github.com/siftlabs/siftd/internal/search"
	"github.com/siftlabs/siftd/internal/session"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/vector"
)

// Pool holds the shared service instances.
type Pool struct {
	cfg *config.Config

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once

	Tokenizer    *chunk.Tokenizer
	Chunker      *chunk.Chunker
	Embedder     embed.Embedder
	Vector       vector.Store
	Lexical      lexical.Engine
	Store        *store.Store
	Cache        *cache.Cache
	Tracker      *session.Tracker
	Queue        queue.Queue
	Orchestrator *index.Orchestrator
	Planner      *search.Planner

	snapshotStop chan struct{}
	snapshotDone chan struct{}
}

// NewPool creates an uninitialized pool over the configuration.
func NewPool(cfg *config.Config) *Pool {
	return &Pool{cfg: cfg}
}

// Init builds every service once. Safe to call repeatedly; later calls
// return the first result.
func (p *Pool) Init(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.initErr = p.init(ctx)
	})
	return p.initErr
}

func (p *Pool) init(ctx context.Context) error {
	cfg := p.cfg

	// One tokenizer per process; construction cost is amortized across
	// every chunk and query.
	p.Tokenizer = chunk.NewTokenizer()

	chunker, err := chunk.NewChunker(p.Tokenizer, chunk.Config{
		MaxTokens:     cfg.Chunking.MaxTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	})
	if err != nil {
		return err
	}
	p.Chunker = chunker

	s, err := store.New(filepath.Join(cfg.DataDir, "siftd.db"))
	if err != nil {
		return err
	}
	p.Store = s

	c, err := cache.New(cache.Config{
		L1MaxBytes: cfg.Cache.L1MaxBytes,
		TTL:        cfg.Cache.TTL,
	}, s)
	if err != nil {
		return err
	}
	p.Cache = c

	embedder, err := p.buildEmbedder()
	if err != nil {
		return err
	}
	p.Embedder = embed.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)

	vectorPath := cfg.Vector.Path
	if vectorPath == "" && cfg.DataDir != "" {
		vectorPath = filepath.Join(cfg.DataDir, "vector.idx")
	}
	vec, err := vector.NewHNSWStore(vector.Config{
		Path:       vectorPath,
		Dimensions: p.Embedder.Dimensions(),
		Metric:     cfg.Vector.Metric,
		M:          cfg.Vector.M,
		EfSearch:   cfg.Vector.EfSearch,
	})
	if err != nil {
		return err
	}
	p.Vector = vec

	lexicalPath := cfg.Lexical.Path
	if lexicalPath == "" && cfg.DataDir != "" {
		lexicalPath = filepath.Join(cfg.DataDir, "lexical.idx")
	}
	lex, err := lexical.New(lexical.Config{
		Backend: cfg.Lexical.Backend,
		Path:    lexicalPath,
	}, p.Tokenizer, p.rebuildLexical)
	if err != nil {
		return err
	}
	p.Lexical = lex

	q, err := queue.New(queue.Config{
		Backend:        cfg.Queue.Backend,
		RedisAddr:      cfg.Queue.RedisAddr,
		RedisKeyPrefix: cfg.Queue.RedisKeyPrefix,
		LeaseDuration:  cfg.Queue.LeaseDuration,
		MaxAttempts:    cfg.Queue.MaxAttempts,
	}, s)
	if err != nil {
		return err
	}
	p.Queue = q

	p.Tracker = session.NewTracker(s)
	p.Orchestrator = index.New(p.Tokenizer, p.Chunker, p.Embedder, p.Vector, p.Lexical, p.Cache, p.Store, p.Tracker)
	p.Planner = search.NewPlanner(p.Embedder, p.Vector, p.Lexical, p.Cache, p.Store, search.Weights{
		Lexical:  cfg.Search.LexicalWeight,
		Semantic: cfg.Search.SemanticWeight,
	})

	if cfg.Lexical.SnapshotInterval > 0 {
		p.snapshotStop = make(chan struct{})
		p.snapshotDone = make(chan struct{})
		go p.snapshotLoop(cfg.Lexical.SnapshotInterval)
	}
	return nil
}

func (p *Pool) buildEmbedder() (embed.Embedder, error) {
	cfg := p.cfg.Embedding
	switch cfg.Provider {
	case "", "http":
		return embed.NewHTTPEmbedder(embed.HTTPConfig{
			Endpoint:       cfg.Endpoint,
			Model:          cfg.Model,
			Dimensions:     cfg.Dimensions,
			BatchSize:      cfg.BatchSize,
			MaxConcurrency: cfg.MaxConcurrency,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
		})
	case "static":
		return embed.NewStaticEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// rebuildLexical replays every stored document's chunks into an empty
// lexical index. Bound as the engine's corruption-recovery hook.
func (p *Pool) rebuildLexical(ctx context.Context, add func(docID, text string) error) error {
	docs, err := p.Store.AllDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		for _, ch := range p.Chunker.Chunk(doc.Content) {
			if err := add(index.ChunkID(doc.ContentHash, ch.Sequence), ch.Text); err != nil {
				return err
			}
		}
	}
	slog.Info("lexical index rebuilt from store", "documents", len(docs))
	return nil
}

func (p *Pool) snapshotLoop(interval time.Duration) {
	defer close(p.snapshotDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.snapshotStop:
			return
		case <-ticker.C:
			if err := p.Lexical.Snapshot(); err != nil {
				slog.Error("periodic lexical snapshot failed", "error", err)
			}
			if err := p.Vector.Save(); err != nil {
				slog.Error("periodic vector save failed", "error", err)
			}
		}
	}
}

// Close shuts the pool down in reverse construction order. Safe to
// call repeatedly.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.snapshotStop != nil {
			close(p.snapshotStop)
			<-p.snapshotDone
		}
		if p.Queue != nil {
			if err := p.Queue.Close(); err != nil {
				slog.Warn("queue close failed", "error", err)
			}
		}
		if p.Lexical != nil {
			if err := p.Lexical.Close(); err != nil {
				slog.Warn("lexical close failed", "error", err)
			}
		}
		if p.Vector != nil {
			if err := p.Vector.Close(); err != nil {
				slog.Warn("vector close failed", "error", err)
			}
		}
		if p.Embedder != nil {
			if err := p.Embedder.Close(); err != nil {
				slog.Warn("embedder close failed", "error", err)
			}
		}
		if p.Cache != nil {
			p.Cache.Close()
		}
		if p.Store != nil {
			if err := p.Store.Close(); err != nil {
				slog.Warn("store close failed", "error", err)
			}
		}
	})
}
