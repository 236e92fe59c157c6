// Package chunk splits normalized document text into overlapping,
// token-bounded chunks. Chunking is a pure function of (text, config);
// the Tokenizer is built once per process and reused for every
// document, because tokenizer construction dominates per-call cost.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Token is a single token with its byte span in the source text.
type Token struct {
	Term  string
	Start int // byte offset, inclusive
	End   int // byte offset, exclusive
}

// Tokenizer splits text into word tokens with byte positions.
// Construct once per process (see the service pool); safe for
// concurrent use after construction.
type Tokenizer struct {
	wordRe *regexp.Regexp
	spaceRe *regexp.Regexp
}

// NewTokenizer builds a tokenizer. Regexp compilation happens here,
// exactly once per process lifetime.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		wordRe:  regexp.MustCompile(`\S+`),
		spaceRe: regexp.MustCompile(`\s+`),
	}
}

// Tokenize returns the tokens of text with their byte spans, in order.
func (t *Tokenizer) Tokenize(text string) []Token {
	spans := t.wordRe.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(spans))
	for _, s := range spans {
		tokens = append(tokens, Token{
			Term:  text[s[0]:s[1]],
			Start: s[0],
			End:   s[1],
		})
	}
	return tokens
}

// Terms returns lowercased token terms, stripped of surrounding
// punctuation. Used by the lexical engine for index and query terms.
func (t *Tokenizer) Terms(text string) []string {
	tokens := t.Tokenize(text)
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		term := strings.ToLower(strings.Trim(tok.Term, ".,;:!?\"'()[]{}<>"))
		if term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.wordRe.FindAllStringIndex(text, -1))
}

// Normalize canonicalizes document text for content identity:
// surrounding whitespace trimmed, internal whitespace runs collapsed
// to single spaces. Case is preserved.
func (t *Tokenizer) Normalize(text string) string {
	return t.spaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
}

// HashContent returns the content identity digest: sha256 of the
// normalized text, hex-encoded. At most one chunk set exists per
// (session_id, url, content_hash).
func (t *Tokenizer) HashContent(text string) string {
	sum := sha256.Sum256([]byte(t.Normalize(text)))
	return hex.EncodeToString(sum[:])
}
