// Package lexical provides the persisted BM25 full-text engine.
//
// Two backends are available, chosen once at process startup:
// "snapshot" keeps the inverted index in memory and persists it to a
// single shared file under advisory-lock discipline (shared lock for
// reads, exclusive for writes), and "bleve" delegates to a bleve index
// directory. Both rebuild from the durable store when their on-disk
// state is unreadable.
package lexical

import (
	"context"
	"fmt"

	"github.com/siftlabs/siftd/internal/chunk"
)

// Result is a single BM25 search hit.
type Result struct {
	DocID string
	Score float64
}

// RebuildFunc replays indexed documents from the durable store into an
// empty engine. It is invoked when the persisted index is unreadable;
// add is called once per (docID, text) pair.
type RebuildFunc func(ctx context.Context, add func(docID, text string) error) error

// Engine maintains the full-text index.
type Engine interface {
	// Add indexes or re-indexes a document. Re-adding the same docID
	// replaces its previous postings.
	Add(ctx context.Context, docID, text string) error

	// AddBatch indexes multiple documents.
	AddBatch(ctx context.Context, docIDs []string, texts []string) error

	// Remove deletes a document from the index. Unknown ids are ignored.
	Remove(ctx context.Context, docID string) error

	// Search returns up to k documents ranked by BM25 score.
	Search(ctx context.Context, query string, k int) ([]Result, error)

	// Snapshot persists the index.
	Snapshot() error

	// DocCount returns the number of indexed documents.
	DocCount() int

	// Close persists and releases the index.
	Close() error
}

// Config configures the lexical engine.
type Config struct {
	// Backend is "snapshot" or "bleve".
	Backend string

	// Path is the snapshot file (snapshot backend) or the index
	// directory (bleve backend). Empty means in-memory only.
	Path string
}

// New creates the configured lexical engine. The tokenizer must be the
// process-lifetime instance from the service pool. rebuild may be nil
// when no durable store is available to replay from.
func New(cfg Config, tokenizer *chunk.Tokenizer, rebuild RebuildFunc) (Engine, error) {
	switch cfg.Backend {
	case "", "snapshot":
		return NewSnapshotEngine(cfg.Path, tokenizer, rebuild)
	case "bleve":
		return NewBleveEngine(cfg.Path, rebuild)
	default:
		return nil, fmt.Errorf("unknown lexical backend %q", cfg.Backend)
	}
}
