package lexical

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/siftd/internal/chunk"
)

func newTestEngine(t *testing.T, path string) *SnapshotEngine {
	t.Helper()
	e, err := NewSnapshotEngine(path, chunk.NewTokenizer(), nil)
	require.NoError(t, err)
	return e
}

func TestSnapshotEngine_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	require.NoError(t, e.Add(ctx, "doc1", "the quick brown fox jumps over the lazy dog"))
	require.NoError(t, e.Add(ctx, "doc2", "a fast brown rabbit digs under the fence"))
	require.NoError(t, e.Add(ctx, "doc3", "red foxes hunt at dusk near the river"))

	results, err := e.Search(ctx, "brown fox", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// doc1 matches both terms and must outrank the single-term matches.
	assert.Equal(t, "doc1", results[0].DocID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSnapshotEngine_ReAddReplacesPostings(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	require.NoError(t, e.Add(ctx, "doc1", "alpha beta gamma"))
	require.NoError(t, e.Add(ctx, "doc1", "delta epsilon"))

	assert.Equal(t, 1, e.DocCount())

	results, err := e.Search(ctx, "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "old postings should be gone after re-add")

	results, err = e.Search(ctx, "delta", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0].DocID)
}

func TestSnapshotEngine_Remove(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	require.NoError(t, e.Add(ctx, "doc1", "searchable content here"))
	require.NoError(t, e.Remove(ctx, "doc1"))
	require.NoError(t, e.Remove(ctx, "missing"), "removing an unknown id is not an error")

	assert.Equal(t, 0, e.DocCount())

	results, err := e.Search(ctx, "searchable", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSnapshotEngine_SearchLimit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	require.NoError(t, e.Add(ctx, "a", "shared term plus unique one"))
	require.NoError(t, e.Add(ctx, "b", "shared term plus unique two"))
	require.NoError(t, e.Add(ctx, "c", "shared term plus unique three"))

	results, err := e.Search(ctx, "shared", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSnapshotEngine_EmptyQueryAndEmptyIndex(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	results, err := e.Search(ctx, "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, e.Add(ctx, "doc1", "content"))

	results, err = e.Search(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSnapshotEngine_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lexical.idx")

	e := newTestEngine(t, path)
	require.NoError(t, e.Add(ctx, "doc1", "persistent inverted index"))
	require.NoError(t, e.Add(ctx, "doc2", "another document entirely"))
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, path)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.DocCount())

	results, err := reopened.Search(ctx, "inverted index", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc1", results[0].DocID)
}

func TestSnapshotEngine_CorruptSnapshotRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lexical.idx")

	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o644))

	rebuildCalled := false
	rebuild := func(ctx context.Context, add func(docID, text string) error) error {
		rebuildCalled = true
		if err := add("doc1", "rebuilt from durable storage"); err != nil {
			return err
		}
		return add("doc2", "second rebuilt document")
	}

	e, err := NewSnapshotEngine(path, chunk.NewTokenizer(), rebuild)
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, rebuildCalled)
	assert.Equal(t, 2, e.DocCount())

	results, err := e.Search(ctx, "durable", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0].DocID)

	// The rebuilt index was re-snapshotted, so a fresh open must not
	// need the rebuild func again.
	reopened := newTestEngine(t, path)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.DocCount())
}

func TestSnapshotEngine_AddBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "")

	ids := []string{"a", "b", "c"}
	texts := []string{"first text", "second text", "third text"}
	require.NoError(t, e.AddBatch(ctx, ids, texts))
	assert.Equal(t, 3, e.DocCount())

	err := e.AddBatch(ctx, []string{"x"}, []string{"one", "two"})
	require.Error(t, err)
}
