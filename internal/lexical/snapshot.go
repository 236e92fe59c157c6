package lexical

import (
	"context"
	"encoding/gob"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/siftlabs/siftd/internal/chunk"
	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// docEntry holds per-document term frequencies.
type docEntry struct {
	Terms  map[string]int
	Length int
}

// snapshotFile is the gob-encoded on-disk form. Postings are derived
// from Docs at load time instead of being stored twice.
type snapshotFile struct {
	Version int
	Docs    map[string]docEntry
}

const snapshotVersion = 1

// SnapshotEngine is an in-memory inverted index persisted to a single
// shared file. Reads of the file take a shared advisory lock, snapshot
// writes take an exclusive one, so multiple processes can share the
// same snapshot safely.
type SnapshotEngine struct {
	mu        sync.RWMutex
	docs      map[string]docEntry
	postings  map[string]map[string]int
	totalLen  int
	path      string
	lock      *flock.Flock
	tokenizer *chunk.Tokenizer
}

var _ Engine = (*SnapshotEngine)(nil)

// NewSnapshotEngine opens the snapshot at path, rebuilding from the
// durable store when the file is unreadable. An empty path keeps the
// index purely in memory.
func NewSnapshotEngine(path string, tokenizer *chunk.Tokenizer, rebuild RebuildFunc) (*SnapshotEngine, error) {
	e := &SnapshotEngine{
		docs:      make(map[string]docEntry),
		postings:  make(map[string]map[string]int),
		path:      path,
		tokenizer: tokenizer,
	}
	if path == "" {
		return e, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, sifterrors.StoreError("create lexical index directory", err)
	}
	e.lock = flock.New(path + ".lock")

	if err := e.load(); err != nil {
		if !sifterrors.IsCorruption(err) {
			return nil, err
		}
		slog.Error("lexical snapshot is corrupt, rebuilding from store",
			"path", path,
			"error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, sifterrors.StoreError("remove corrupt lexical snapshot", rmErr)
		}
		if rebuild != nil {
			err := rebuild(context.Background(), func(docID, text string) error {
				e.index(docID, text)
				return nil
			})
			if err != nil {
				return nil, err
			}
			if err := e.Snapshot(); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Add indexes a document, replacing any previous postings for docID.
func (e *SnapshotEngine) Add(ctx context.Context, docID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index(docID, text)
	return nil
}

// AddBatch indexes multiple documents under a single lock acquisition.
func (e *SnapshotEngine) AddBatch(ctx context.Context, docIDs []string, texts []string) error {
	if len(docIDs) != len(texts) {
		return sifterrors.ValidationError("docIDs and texts length mismatch", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range docIDs {
		e.index(id, texts[i])
	}
	return nil
}

// index must be called with e.mu held (or before the engine is shared).
func (e *SnapshotEngine) index(docID, text string) {
	e.remove(docID)

	terms := e.tokenizer.Terms(text)
	entry := docEntry{Terms: make(map[string]int, len(terms)), Length: len(terms)}
	for _, t := range terms {
		entry.Terms[t]++
	}
	e.docs[docID] = entry
	e.totalLen += entry.Length
	for t, tf := range entry.Terms {
		p := e.postings[t]
		if p == nil {
			p = make(map[string]int)
			e.postings[t] = p
		}
		p[docID] = tf
	}
}

// Remove deletes a document from the index.
func (e *SnapshotEngine) Remove(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(docID)
	return nil
}

// remove must be called with e.mu held.
func (e *SnapshotEngine) remove(docID string) {
	entry, ok := e.docs[docID]
	if !ok {
		return
	}
	for t := range entry.Terms {
		p := e.postings[t]
		delete(p, docID)
		if len(p) == 0 {
			delete(e.postings, t)
		}
	}
	e.totalLen -= entry.Length
	delete(e.docs, docID)
}

// Search ranks documents against query using BM25.
func (e *SnapshotEngine) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := e.tokenizer.Terms(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.docs)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(e.totalLen) / float64(n)

	scores := make(map[string]float64)
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		p := e.postings[term]
		if len(p) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(p))+0.5)/(float64(len(p))+0.5))
		for docID, tf := range p {
			dl := float64(e.docs[docID].Length)
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[docID] += idf * num / den
		}
	}

	results := make([]Result, 0, len(scores))
	for id, s := range scores {
		results = append(results, Result{DocID: id, Score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DocCount returns the number of indexed documents.
func (e *SnapshotEngine) DocCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// Snapshot writes the index to the shared file under an exclusive lock
// using a temp file plus atomic rename.
func (e *SnapshotEngine) Snapshot() error {
	if e.path == "" {
		return nil
	}

	e.mu.RLock()
	snap := snapshotFile{Version: snapshotVersion, Docs: make(map[string]docEntry, len(e.docs))}
	for id, entry := range e.docs {
		snap.Docs[id] = entry
	}
	e.mu.RUnlock()

	if err := e.lock.Lock(); err != nil {
		return sifterrors.StoreError("lock lexical snapshot for write", err)
	}
	defer e.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".lexical-*.tmp")
	if err != nil {
		return sifterrors.StoreError("create lexical snapshot temp file", err)
	}
	tmpName := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return sifterrors.StoreError("encode lexical snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return sifterrors.StoreError("sync lexical snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return sifterrors.StoreError("close lexical snapshot temp file", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return sifterrors.StoreError("rename lexical snapshot into place", err)
	}
	return nil
}

// load reads the snapshot under a shared lock. A decode failure is
// reported as index corruption so the caller can clear and rebuild.
func (e *SnapshotEngine) load() error {
	if err := e.lock.RLock(); err != nil {
		return sifterrors.StoreError("lock lexical snapshot for read", err)
	}
	defer e.lock.Unlock()

	f, err := os.Open(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sifterrors.StoreError("open lexical snapshot", err)
	}
	defer f.Close()

	var snap snapshotFile
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return sifterrors.IndexCorruption("decode lexical snapshot", err)
	}
	if snap.Version != snapshotVersion {
		return sifterrors.IndexCorruption("unsupported lexical snapshot version", nil)
	}

	e.docs = snap.Docs
	if e.docs == nil {
		e.docs = make(map[string]docEntry)
	}
	e.postings = make(map[string]map[string]int)
	e.totalLen = 0
	for id, entry := range e.docs {
		e.totalLen += entry.Length
		for t, tf := range entry.Terms {
			p := e.postings[t]
			if p == nil {
				p = make(map[string]int)
				e.postings[t] = p
			}
			p[id] = tf
		}
	}
	return nil
}

// Close snapshots and releases the engine.
func (e *SnapshotEngine) Close() error {
	return e.Snapshot()
}
