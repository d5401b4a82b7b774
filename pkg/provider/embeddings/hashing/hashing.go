// Package hashing provides an offline embeddings provider based on feature
// hashing of a bag of words.
//
// Each lower-cased token that is not a stop word is hashed with 64-bit FNV-1a.
// The hash selects a bucket (hash mod dimension) and a sign (the top bit), and
// the token count is added to that bucket. The resulting vector is
// L2-normalised. Texts that share vocabulary therefore score a positive cosine
// similarity, while unrelated texts score close to zero.
//
// The encoder needs no model download or network access, which makes it
// useful for air-gapped deployments, smoke tests, and reproducible fixtures.
// It is lexical, not semantic: synonyms do not match.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/MrWong99/studymate/pkg/provider/embeddings"
)

// DefaultDimensions matches the all-MiniLM-L6-v2 output size so snapshots
// built with either encoder use the same vector width.
const DefaultDimensions = 384

var _ embeddings.Provider = (*Provider)(nil)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of",
		"in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been",
		"being", "it", "its", "this", "that", "these", "those", "from", "into", "about",
		"than", "so", "such", "do", "does", "did", "can", "will", "just", "not", "no",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// Provider implements embeddings.Provider with feature hashing.
// It is stateless and safe for concurrent use.
type Provider struct {
	dimensions int
}

// New returns a hashing Provider producing vectors of the given dimension.
// A non-positive dimension selects [DefaultDimensions].
func New(dimensions int) *Provider {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Provider{dimensions: dimensions}
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hashing embeddings: embed: %w", err)
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hashing embeddings: embed batch: %w", err)
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider. The dimension is part of the ID
// because it changes every bucket assignment.
func (p *Provider) ModelID() string {
	return fmt.Sprintf("hashing-%d", p.dimensions)
}

func (p *Provider) vector(text string) []float32 {
	acc := make([]float64, p.dimensions)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := sum % uint64(p.dimensions)
		if sum>>63 == 1 {
			acc[bucket]--
		} else {
			acc[bucket]++
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, p.dimensions)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// Tokenize lower-cases text and returns its letter/digit runs with stop words
// removed.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}
