package chunk

import (
	"fmt"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// Chunk is a bounded-length, possibly overlapping slice of a document's
// text: the unit of embedding and indexing.
type Chunk struct {
	// Sequence is the 0-based, ordering-significant chunk position.
	Sequence int

	// Text is the chunk's slice of the source text.
	Text string

	// TokenCount is the number of tokens in Text.
	TokenCount int

	// StartToken and EndToken are the half-open token span [StartToken, EndToken)
	// in the source document.
	StartToken int
	EndToken   int
}

// Config configures chunking. OverlapTokens must be strictly less than
// MaxTokens; violations are rejected before any chunk is produced.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// Chunker produces token-window chunks using a shared Tokenizer.
type Chunker struct {
	tokenizer *Tokenizer
	config    Config
}

// NewChunker creates a chunker over a process-lifetime tokenizer.
// Returns a ConfigError for invalid window configuration.
func NewChunker(tokenizer *Tokenizer, cfg Config) (*Chunker, error) {
	if tokenizer == nil {
		return nil, sifterrors.InternalError("chunker requires a tokenizer", nil)
	}
	if cfg.MaxTokens <= 0 {
		return nil, sifterrors.New(sifterrors.ErrCodeChunkConfig,
			fmt.Sprintf("max_tokens must be positive, got %d", cfg.MaxTokens), nil)
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		return nil, sifterrors.New(sifterrors.ErrCodeChunkConfig,
			fmt.Sprintf("overlap_tokens (%d) must be in [0, max_tokens) with max_tokens=%d",
				cfg.OverlapTokens, cfg.MaxTokens), nil)
	}
	return &Chunker{tokenizer: tokenizer, config: cfg}, nil
}

// Chunk splits text into overlapping token windows. The chunks' token
// spans union to cover the whole input with no gaps; consecutive chunks
// overlap by exactly OverlapTokens (except possibly the final chunk,
// which may overlap more when the tail is short). A document shorter
// than MaxTokens yields exactly one chunk. Pure; no side effects.
func (c *Chunker) Chunk(text string) []Chunk {
	tokens := c.tokenizer.Tokenize(text)

	if len(tokens) <= c.config.MaxTokens {
		return []Chunk{{
			Sequence:   0,
			Text:       text,
			TokenCount: len(tokens),
			StartToken: 0,
			EndToken:   len(tokens),
		}}
	}

	step := c.config.MaxTokens - c.config.OverlapTokens
	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + c.config.MaxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, Chunk{
			Sequence:   len(chunks),
			Text:       text[tokens[start].Start:tokens[end-1].End],
			TokenCount: end - start,
			StartToken: start,
			EndToken:   end,
		})

		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// Config returns the chunker's window configuration.
func (c *Chunker) Config() Config {
	return c.config
}
