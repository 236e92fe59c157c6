package lexical

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// bleveDocument is the indexed document shape.
type bleveDocument struct {
	Content string `json:"content"`
}

// BleveEngine delegates full-text indexing to a bleve index directory.
type BleveEngine struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ Engine = (*BleveEngine)(nil)

// validateBleveIntegrity checks a bleve index directory before opening.
// Returns nil when the index is absent or looks intact.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isBleveCorruptionError checks whether an open error indicates index
// corruption rather than a transient failure.
func isBleveCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func bleveIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	contentField := bleve.NewTextFieldMapping()
	contentField.Store = false
	contentField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("content", contentField)
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// NewBleveEngine opens or creates a bleve index at path, clearing and
// rebuilding it when corruption is detected. An empty path creates an
// in-memory index.
func NewBleveEngine(path string, rebuild RebuildFunc) (*BleveEngine, error) {
	indexMapping := bleveIndexMapping()

	var (
		idx     bleve.Index
		err     error
		cleared bool
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			cleared = true
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruptionError(err) {
			slog.Warn("lexical_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			cleared = true
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open lexical index: %w", err)
	}

	e := &BleveEngine{index: idx, path: path}
	if cleared && rebuild != nil {
		err := rebuild(context.Background(), func(docID, text string) error {
			return e.index.Index(docID, bleveDocument{Content: text})
		})
		if err != nil {
			e.index.Close()
			return nil, fmt.Errorf("failed to rebuild lexical index: %w", err)
		}
	}
	return e, nil
}

// Add indexes a single document.
func (e *BleveEngine) Add(ctx context.Context, docID, text string) error {
	return e.AddBatch(ctx, []string{docID}, []string{text})
}

// AddBatch indexes documents in a single bleve batch.
func (e *BleveEngine) AddBatch(ctx context.Context, docIDs []string, texts []string) error {
	if len(docIDs) != len(texts) {
		return fmt.Errorf("docIDs and texts length mismatch")
	}
	if len(docIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := e.index.NewBatch()
	for i, id := range docIDs {
		if err := batch.Index(id, bleveDocument{Content: texts[i]}); err != nil {
			return fmt.Errorf("failed to index document %s: %w", id, err)
		}
	}
	if err := e.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Remove deletes a document from the index.
func (e *BleveEngine) Remove(ctx context.Context, docID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("lexical index is closed")
	}
	if err := e.index.Delete(docID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	return nil
}

// Search returns up to k documents ranked by bleve's BM25 scoring.
func (e *BleveEngine) Search(ctx context.Context, queryStr string, k int) ([]Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(queryStr) == "" || k <= 0 {
		return nil, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")
	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = k

	result, err := e.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, Result{DocID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// DocCount returns the number of indexed documents.
func (e *BleveEngine) DocCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0
	}
	n, err := e.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Snapshot is a no-op, bleve persists writes as they land.
func (e *BleveEngine) Snapshot() error {
	return nil
}

// Close releases the index.
func (e *BleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}
