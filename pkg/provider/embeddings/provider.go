// Package embeddings defines the Provider interface for sentence-embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors of a fixed
// dimension. StudyMate uses one provider instance for the lifetime of a
// process: the build step encodes every curriculum chunk with it and the
// retriever encodes each incoming question with the same model, so both sides
// of a similarity computation live in the same vector space.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrModelUnavailable is returned by [Probe] when the underlying model cannot
// be reached or loaded. Callers treat it as fatal at startup.
var ErrModelUnavailable = errors.New("embeddings: model unavailable")

// probeText is the input embedded by [Probe].
const probeText = "probe"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the dimensionality reported
// by Dimensions. Vectors from different models must never be compared.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in one provider call.
	// The i-th result corresponds to texts[i]. On error the whole result is
	// nil; partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by the model.
	Dimensions() int

	// ModelID returns the provider-specific model identifier. It is persisted
	// alongside every index snapshot built with this provider.
	ModelID() string
}

// Probe verifies that p can produce embeddings by encoding a short probe text.
// It returns the observed dimension. Any failure, including a zero-length or
// wrongly sized vector, is wrapped with [ErrModelUnavailable].
func Probe(ctx context.Context, p Provider) (int, error) {
	vec, err := p.Embed(ctx, probeText)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, p.ModelID(), err)
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("%w: %s: empty probe vector", ErrModelUnavailable, p.ModelID())
	}
	if want := p.Dimensions(); want > 0 && len(vec) != want {
		return 0, fmt.Errorf("%w: %s: probe vector has %d dimensions, model reports %d",
			ErrModelUnavailable, p.ModelID(), len(vec), want)
	}
	return len(vec), nil
}

// EmbedAll encodes texts in batches of batchSize, running up to concurrency
// batches at once. The result preserves input order: result[i] is the
// embedding of texts[i]. A non-positive batchSize sends everything in one
// batch; a non-positive concurrency runs batches sequentially.
//
// The first failing batch cancels the remaining ones and its error is
// returned.
func EmbedAll(ctx context.Context, p Provider, texts []string, batchSize, concurrency int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			vecs, err := p.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embeddings: batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embeddings: batch [%d:%d]: got %d vectors, want %d", start, end, len(vecs), end-start)
			}
			// Each batch owns a disjoint window of out.
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
