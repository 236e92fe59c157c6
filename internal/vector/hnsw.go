package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// Config configures the HNSW vector store.
type Config struct {
	// Path is the snapshot file. Empty means in-memory only.
	Path string

	// Dimensions is the fixed vector dimension.
	Dimensions int

	// Metric is the distance metric: "cos" (default) or "l2".
	Metric string

	// M is the HNSW connectivity parameter.
	M int

	// EfSearch is the HNSW search expansion factor.
	EfSearch int
}

// HNSWStore implements Store over a pure-Go HNSW graph.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	// String id <-> internal graph key mapping.
	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]Payload
	nextKey  uint64

	closed bool
}

// hnswMetadata is the gob-persisted sidecar: id mappings and payloads.
type hnswMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]Payload
	NextKey  uint64
	Config   Config
}

// Verify interface implementation at compile time.
var _ Store = (*HNSWStore)(nil)

// NewHNSWStore creates an HNSW vector store. If the configured path
// holds a previous snapshot it is loaded; an unreadable snapshot is
// discarded and the store starts empty (the orchestrator re-upserts
// idempotently on the next index pass).
func NewHNSWStore(cfg Config) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector store requires positive dimensions, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	s := &HNSWStore{
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
	}
	s.resetGraph()

	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err == nil {
			if err := s.load(); err != nil {
				slog.Warn("vector_snapshot_unreadable",
					slog.String("path", cfg.Path),
					slog.String("error", err.Error()))
				s.resetGraph()
				s.idMap = make(map[string]uint64)
				s.keyMap = make(map[uint64]string)
				s.payloads = make(map[string]Payload)
				s.nextKey = 0
			}
		}
	}

	return s, nil
}

func (s *HNSWStore) resetGraph() {
	graph := hnsw.NewGraph[uint64]()
	switch s.config.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = s.config.M
	graph.EfSearch = s.config.EfSearch
	graph.Ml = 0.25
	s.graph = graph
}

// Upsert inserts or overwrites the vector for id.
func (s *HNSWStore) Upsert(ctx context.Context, id string, vec []float32, payload Payload) error {
	return s.UpsertBatch(ctx, []string{id}, [][]float32{vec}, []Payload{payload})
}

// UpsertBatch upserts multiple vectors. Re-upserting an existing id
// deletes the old graph node first, so repeated re-indexing of the same
// documents never grows the graph.
func (s *HNSWStore) UpsertBatch(ctx context.Context, ids []string, vecs [][]float32, payloads []Payload) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vecs) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	if payloads != nil && len(payloads) != len(ids) {
		return fmt.Errorf("ids and payloads length mismatch: %d vs %d", len(ids), len(payloads))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, v := range vecs {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			s.graph.Delete(existingKey)
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])
		if s.config.Metric == "cos" {
			normalizeInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
		if payloads != nil {
			s.payloads[id] = payloads[i]
		}
	}

	return nil
}

// Search returns up to k nearest vectors, ranked by similarity.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []Result{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeInPlace(normalized)
	}

	// Over-fetch to compensate for filter misses.
	fetch := k * 2
	if fetch < k+8 {
		fetch = k + 8
	}
	nodes := s.graph.Search(normalized, fetch)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}
		payload := s.payloads[id]
		if !filter.Matches(payload) {
			continue
		}

		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, Result{
			ID:      id,
			Score:   distanceToScore(distance, s.config.Metric),
			Payload: payload,
		})
		if len(results) >= k {
			break
		}
	}

	return results, nil
}

// Remove deletes vectors by id, repairing graph connectivity around
// the removed nodes.
func (s *HNSWStore) Remove(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			s.graph.Delete(key)
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
		}
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Contains reports whether id exists.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.idMap[id]
	return exists
}

// Save persists the graph and the id/payload sidecar atomically
// (temp file + rename). A no-op for in-memory stores.
func (s *HNSWStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config.Path == "" {
		return nil
	}
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := s.config.Path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.config.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	if err := s.saveMetadata(s.config.Path + ".meta"); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	slog.Debug("vector_snapshot_saved",
		slog.String("path", s.config.Path),
		slog.Int("vectors", len(s.idMap)))
	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:    s.idMap,
		Payloads: s.payloads,
		NextKey:  s.nextKey,
		Config:   s.config,
	}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// load restores the graph and sidecar from the configured path.
func (s *HNSWStore) load() error {
	metaFile, err := os.Open(s.config.Path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return fmt.Errorf("snapshot dimension %d does not match configured %d",
			meta.Config.Dimensions, s.config.Dimensions)
	}

	file, err := os.Open(s.config.Path)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// bufio.Reader because coder/hnsw Import requires io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	if s.payloads == nil {
		s.payloads = make(map[string]Payload)
	}
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases resources. A configured store saves before closing.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	if s.config.Path != "" {
		err = s.Save()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// normalizeInPlace normalizes a vector to unit length.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / magnitude)
	}
}

// distanceToScore converts a distance to a similarity score in [0,1].
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "cos":
		// Cosine distance over unit vectors is 1-cos, so score = 1 - distance.
		score := 1 - distance
		if score < 0 {
			return 0
		}
		return score
	default:
		return 1 / (1 + distance)
	}
}
