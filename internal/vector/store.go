// Package vector provides the adapter over the vector database: an
// idempotent upsert/search key-value-plus-similarity store. The adapter
// does not interpret payload contents.
package vector

import (
	"context"
	"fmt"
)

// Payload is opaque metadata stored alongside a vector and returned
// with search results. The adapter passes it through untouched.
type Payload map[string]string

// Result is a single similarity search hit.
type Result struct {
	ID      string
	Score   float32 // similarity in [0,1], higher is better
	Payload Payload
}

// Filter restricts search results by payload equality. A nil or empty
// filter matches everything.
type Filter map[string]string

// Matches reports whether a payload satisfies the filter.
func (f Filter) Matches(p Payload) bool {
	for k, v := range f {
		if p[k] != v {
			return false
		}
	}
	return true
}

// Store is the vector index adapter. Upserts are idempotent by id:
// re-upserting the same id overwrites. No ordering guarantee exists
// between concurrent upserts of different ids.
type Store interface {
	// Upsert inserts or overwrites the vector for id.
	Upsert(ctx context.Context, id string, vec []float32, payload Payload) error

	// UpsertBatch upserts multiple vectors.
	UpsertBatch(ctx context.Context, ids []string, vecs [][]float32, payloads []Payload) error

	// Search returns up to k results ranked by similarity, optionally
	// restricted by a payload filter.
	Search(ctx context.Context, vec []float32, k int, filter Filter) ([]Result, error)

	// Remove deletes vectors by id. Missing ids are ignored.
	Remove(ctx context.Context, ids []string) error

	// Count returns the number of stored vectors.
	Count() int

	// Save persists the index to its configured path.
	Save() error

	// Close releases resources.
	Close() error
}

// ErrDimensionMismatch is returned when a vector's dimension does not
// match the store's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
