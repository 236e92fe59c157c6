// Package search fuses the semantic and lexical retrieval legs into
// one ranked result list.
package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/embed"
	sifterrors "github.com/siftlabs/siftd/internal/errors"
	"github.com/siftlabs/siftd/internal/lexical"
	"github.com/siftlabs/siftd/internal/store"
	"github.com/siftlabs/siftd/internal/vector"
)

// ErrSearchUnavailable distinguishes "both retrieval backends failed"
// from an empty result set.
var ErrSearchUnavailable = sifterrors.New(sifterrors.ErrCodeSearchUnavailable,
	"search unavailable: both retrieval legs failed", nil)

// minFetch floors the per-leg candidate count so fusion has enough to
// work with at small k.
const minFetch = 50

// snippetLength bounds result snippets in bytes.
const snippetLength = 200

// Weights are the fusion weights. They must sum to 1.
type Weights struct {
	Lexical  float64
	Semantic float64
}

// DefaultWeights balances the two legs evenly.
var DefaultWeights = Weights{Lexical: 0.5, Semantic: 0.5}

// Result is one fused search hit.
type Result struct {
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
	LexicalHit  bool    `json:"lexical_hit"`
	SemanticHit bool    `json:"semantic_hit"`
}

// Options tunes a single query.
type Options struct {
	// Weights overrides the planner default when non-zero.
	Weights *Weights
}

// Planner runs hybrid queries.
type Planner struct {
	embedder embed.Embedder
	vector   vector.Store
	lexical  lexical.Engine
	cache    *cache.Cache
	store    *store.Store
	weights  Weights
}

// NewPlanner creates a planner with the given default weights.
func NewPlanner(embedder embed.Embedder, vec vector.Store, lex lexical.Engine, c *cache.Cache, s *store.Store, weights Weights) *Planner {
	if weights.Lexical == 0 && weights.Semantic == 0 {
		weights = DefaultWeights
	}
	return &Planner{embedder: embedder, vector: vec, lexical: lex, cache: c, store: s, weights: weights}
}

// candidate accumulates one document's evidence across both legs.
type candidate struct {
	url       string
	docID     int64
	createdAt time.Time
	lexScore  float64
	vecScore  float64
	lexHit    bool
	vecHit    bool
	fused     float64
}

// Search embeds the query once, runs both legs concurrently, fuses
// with min-max normalized weighted scores, dedupes by document URL,
// and truncates to k only after fusion. One failed leg degrades to
// single-leg results; both failing returns ErrSearchUnavailable.
func (p *Planner) Search(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	weights := p.weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	fetchK := k * 3
	if fetchK < minFetch {
		fetchK = minFetch
	}

	var (
		vecResults []vector.Result
		lexResults []lexical.Result
		vecErr     error
		lexErr     error
	)

	// The query is embedded once; the cached embedder makes repeats
	// cheap. An embedding failure only takes down the semantic leg.
	queryVec, embedErr := p.embedder.Embed(ctx, query)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if embedErr != nil {
			vecErr = embedErr
			return nil
		}
		vecResults, vecErr = p.vector.Search(gctx, queryVec, fetchK, nil)
		return nil
	})
	g.Go(func() error {
		lexResults, lexErr = p.lexical.Search(gctx, query, fetchK)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil && lexErr != nil {
		slog.Error("both retrieval legs failed",
			"query", query, "vector_error", vecErr, "lexical_error", lexErr)
		return nil, ErrSearchUnavailable
	}
	if vecErr != nil {
		slog.Warn("semantic leg failed, serving lexical-only results", "error", vecErr)
	}
	if lexErr != nil {
		slog.Warn("lexical leg failed, serving semantic-only results", "error", lexErr)
	}

	candidates := p.fuse(ctx, vecResults, lexResults, weights)

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.docID < b.docID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Result{
			URL:         c.url,
			Snippet:     p.snippet(ctx, c.url, query),
			Score:       c.fused,
			LexicalHit:  c.lexHit,
			SemanticHit: c.vecHit,
		})
	}
	return results, nil
}

// fuse normalizes each leg to [0,1], combines with the weighted sum,
// and dedupes by URL keeping the higher fused score.
func (p *Planner) fuse(ctx context.Context, vecResults []vector.Result, lexResults []lexical.Result, weights Weights) []*candidate {
	byURL := make(map[string]*candidate)
	docCache := make(map[string]*store.Document)

	resolve := func(chunkID string) *store.Document {
		hash, ok := splitChunkID(chunkID)
		if !ok {
			return nil
		}
		if doc, seen := docCache[hash]; seen {
			return doc
		}
		doc, err := p.store.GetDocumentByHash(ctx, hash)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("failed to resolve chunk document", "chunk_id", chunkID, "error", err)
			}
			docCache[hash] = nil
			return nil
		}
		docCache[hash] = doc
		return doc
	}

	upsert := func(doc *store.Document) *candidate {
		c, ok := byURL[doc.URL]
		if !ok {
			c = &candidate{url: doc.URL, docID: doc.ID, createdAt: doc.CreatedAt}
			byURL[doc.URL] = c
		}
		return c
	}

	vecNorm := normalizeVec(vecResults)
	for i, r := range vecResults {
		doc := resolve(r.ID)
		if doc == nil {
			continue
		}
		c := upsert(doc)
		c.vecHit = true
		if vecNorm[i] > c.vecScore {
			c.vecScore = vecNorm[i]
		}
	}

	lexNorm := normalizeLex(lexResults)
	for i, r := range lexResults {
		doc := resolve(r.DocID)
		if doc == nil {
			continue
		}
		c := upsert(doc)
		c.lexHit = true
		if lexNorm[i] > c.lexScore {
			c.lexScore = lexNorm[i]
		}
	}

	out := make([]*candidate, 0, len(byURL))
	for _, c := range byURL {
		c.fused = weights.Lexical*c.lexScore + weights.Semantic*c.vecScore
		out = append(out, c)
	}
	return out
}

// snippet pulls a window of cached content around the first query term
// match, falling back to the stored document text.
func (p *Planner) snippet(ctx context.Context, url, query string) string {
	var content string
	if _, value, err := p.cache.GetAny(ctx, url); err == nil {
		content = value
	} else if doc, err := p.store.GetDocument(ctx, url); err == nil {
		content = doc.Content
	}
	if content == "" {
		return ""
	}

	lower := strings.ToLower(content)
	pos := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	start := 0
	if pos > snippetLength/4 {
		start = pos - snippetLength/4
	}
	end := start + snippetLength
	if end > len(content) {
		end = len(content)
	}
	// Back window edges off to rune starts so the snippet stays valid
	// UTF-8 when the offsets land mid-rune.
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end--
	}
	snip := strings.TrimSpace(content[start:end])
	if end < len(content) {
		snip += "..."
	}
	return snip
}

// splitChunkID recovers the content hash from a "hash:sequence" id.
func splitChunkID(id string) (string, bool) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", false
	}
	return id[:i], true
}

// normalizeVec min-max scales vector scores to [0,1]. A single result
// maps to 1.
func normalizeVec(results []vector.Result) []float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = float64(r.Score)
	}
	return minMax(scores)
}

func normalizeLex(results []lexical.Result) []float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	return minMax(scores)
}

func minMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}
