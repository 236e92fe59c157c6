// Package config loads and validates siftd configuration.
// Precedence: defaults < YAML file < SIFTD_* environment variables.
// Invalid configuration is rejected before any indexing or search work starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// Config represents the complete siftd configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Lexical   LexicalConfig   `yaml:"lexical" json:"lexical"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Workers   WorkersConfig   `yaml:"workers" json:"workers"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ChunkingConfig configures the text chunker.
type ChunkingConfig struct {
	// MaxTokens is the token window per chunk.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// OverlapTokens is the overlap between consecutive chunks.
	// Must be strictly less than MaxTokens.
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	// Provider selects the embedder: "http" (external service) or
	// "static" (offline, deterministic hash embeddings).
	Provider       string        `yaml:"provider" json:"provider"`
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	Model          string        `yaml:"model" json:"model"`
	Dimensions     int           `yaml:"dimensions" json:"dimensions"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	CacheSize      int           `yaml:"cache_size" json:"cache_size"`
}

// VectorConfig configures the vector index adapter.
type VectorConfig struct {
	// Path is the snapshot file for the HNSW graph. Empty means in-memory only.
	Path     string `yaml:"path" json:"path"`
	Metric   string `yaml:"metric" json:"metric"`
	M        int    `yaml:"m" json:"m"`
	EfSearch int    `yaml:"ef_search" json:"ef_search"`
}

// LexicalConfig configures the BM25 engine.
type LexicalConfig struct {
	// Backend selects the lexical index implementation.
	// Options: "snapshot" (default, single shared file with advisory locking)
	// or "bleve" (directory-based, single-process).
	Backend string `yaml:"backend" json:"backend"`

	// Path is the snapshot file (snapshot backend) or index directory (bleve).
	// Empty means in-memory only.
	Path string `yaml:"path" json:"path"`

	// SnapshotInterval is how often the in-memory index is persisted.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`
}

// CacheConfig configures the two-tier content cache.
type CacheConfig struct {
	// L1MaxBytes bounds the in-process ristretto tier.
	L1MaxBytes int64 `yaml:"l1_max_bytes" json:"l1_max_bytes"`

	// TTL is the default time-to-live applied to L1 entries.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// QueueConfig configures the indexing job queue.
type QueueConfig struct {
	// Backend selects the queue implementation: "memory" or "redis".
	Backend string `yaml:"backend" json:"backend"`

	// RedisAddr is the redis host:port (redis backend only).
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// RedisKeyPrefix namespaces queue keys (redis backend only).
	RedisKeyPrefix string `yaml:"redis_key_prefix" json:"redis_key_prefix"`

	// LeaseDuration is the job lease; a worker must renew before expiry
	// or the job is considered abandoned and requeued.
	LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration"`

	// MaxAttempts bounds redelivery before a job is dead-lettered.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// WorkersConfig configures the indexing worker pool.
type WorkersConfig struct {
	// Count is the number of concurrent workers. Configured independently
	// of the ingestion surface so indexing throughput scales without
	// affecting request-serving latency.
	Count int `yaml:"count" json:"count"`

	// JobTimeout bounds a single indexing job.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// SearchConfig configures hybrid search fusion.
type SearchConfig struct {
	// LexicalWeight is the fused-score weight for the BM25 leg (0.0-1.0).
	// Must sum to 1.0 with SemanticWeight. A tunable, not a constant.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`

	// SemanticWeight is the fused-score weight for the vector leg (0.0-1.0).
	SemanticWeight float64 `yaml:"semantic_weight" json:"semantic_weight"`

	// MaxResults caps the requested k.
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".siftd",
		Chunking: ChunkingConfig{
			MaxTokens:     400,
			OverlapTokens: 50,
		},
		Embedding: EmbeddingConfig{
			Provider:       "http",
			Endpoint:       "http://localhost:8089",
			Model:          "nomic-embed-text",
			Dimensions:     768,
			BatchSize:      32,
			MaxConcurrency: 4,
			Timeout:        60 * time.Second,
			MaxRetries:     3,
			CacheSize:      1000,
		},
		Vector: VectorConfig{
			Metric:   "cos",
			M:        16,
			EfSearch: 20,
		},
		Lexical: LexicalConfig{
			Backend:          "snapshot",
			SnapshotInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			L1MaxBytes: 64 * 1024 * 1024,
			TTL:        15 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:        "memory",
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "siftd",
			LeaseDuration:  30 * time.Second,
			MaxAttempts:    3,
		},
		Workers: WorkersConfig{
			Count:      4,
			JobTimeout: 5 * time.Minute,
		},
		Search: SearchConfig{
			LexicalWeight:  0.5,
			SemanticWeight: 0.5,
			MaxResults:     50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the conventional config file location:
// $XDG_CONFIG_HOME/siftd/config.yaml, falling back to ~/.config/siftd.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "siftd", "config.yaml")
}

// Load reads configuration from the given YAML file, merging over defaults
// and applying environment overrides. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Fall through to defaults + env.
			} else {
				return nil, sifterrors.Wrap(sifterrors.ErrCodeConfigNotFound, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, sifterrors.ConfigError(fmt.Sprintf("invalid config file %s", path), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies SIFTD_* environment overrides for the common tunables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SIFTD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SIFTD_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("SIFTD_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("SIFTD_QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv("SIFTD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("SIFTD_LEXICAL_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.LexicalWeight = f
			c.Search.SemanticWeight = 1 - f
		}
	}
	if v := os.Getenv("SIFTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks configuration invariants. It returns a ConfigError for
// the first violation found; nothing is half-applied.
func (c *Config) Validate() error {
	if c.Chunking.MaxTokens <= 0 {
		return sifterrors.New(sifterrors.ErrCodeChunkConfig,
			fmt.Sprintf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens), nil)
	}
	if c.Chunking.OverlapTokens < 0 {
		return sifterrors.New(sifterrors.ErrCodeChunkConfig,
			fmt.Sprintf("chunking.overlap_tokens must be non-negative, got %d", c.Chunking.OverlapTokens), nil)
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		return sifterrors.New(sifterrors.ErrCodeChunkConfig,
			fmt.Sprintf("chunking.overlap_tokens (%d) must be less than chunking.max_tokens (%d)",
				c.Chunking.OverlapTokens, c.Chunking.MaxTokens), nil)
	}

	switch c.Embedding.Provider {
	case "http", "static":
	default:
		return sifterrors.ConfigError(
			fmt.Sprintf("embedding.provider must be \"http\" or \"static\", got %q", c.Embedding.Provider), nil)
	}
	if c.Embedding.Dimensions <= 0 {
		return sifterrors.ConfigError(
			fmt.Sprintf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions), nil)
	}
	if c.Embedding.BatchSize <= 0 {
		return sifterrors.ConfigError(
			fmt.Sprintf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize), nil)
	}
	if c.Embedding.MaxConcurrency <= 0 {
		return sifterrors.ConfigError(
			fmt.Sprintf("embedding.max_concurrency must be positive, got %d", c.Embedding.MaxConcurrency), nil)
	}

	switch c.Lexical.Backend {
	case "snapshot", "bleve":
	default:
		return sifterrors.ConfigError(
			fmt.Sprintf("lexical.backend must be \"snapshot\" or \"bleve\", got %q", c.Lexical.Backend), nil)
	}

	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return sifterrors.ConfigError(
			fmt.Sprintf("queue.backend must be \"memory\" or \"redis\", got %q", c.Queue.Backend), nil)
	}
	if c.Queue.LeaseDuration <= 0 {
		return sifterrors.ConfigError("queue.lease_duration must be positive", nil)
	}
	if c.Queue.MaxAttempts <= 0 {
		return sifterrors.ConfigError("queue.max_attempts must be positive", nil)
	}

	if c.Workers.Count <= 0 {
		return sifterrors.ConfigError(
			fmt.Sprintf("workers.count must be positive, got %d", c.Workers.Count), nil)
	}

	if c.Cache.TTL <= 0 {
		return sifterrors.ConfigError("cache.ttl must be positive", nil)
	}

	sum := c.Search.LexicalWeight + c.Search.SemanticWeight
	if c.Search.LexicalWeight < 0 || c.Search.SemanticWeight < 0 || sum < 0.999 || sum > 1.001 {
		return sifterrors.ConfigError(
			fmt.Sprintf("search weights must be non-negative and sum to 1.0, got %.3f + %.3f",
				c.Search.LexicalWeight, c.Search.SemanticWeight), nil)
	}

	return nil
}
