// Package mock provides a test double for the embeddings.Provider interface.
//
// Provider can return fixed vectors, or compute them per text through VectorFn,
// which is what retrieval tests need: every chunk and every question maps to a
// known vector, so ranking outcomes are exact.
//
// Example:
//
//	p := &mock.Provider{
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	    VectorFn: func(text string) []float32 {
//	        return []float32{float32(len(text)), 0, 1}
//	    },
//	}
//	vecs, _ := p.EmbedBatch(ctx, []string{"a", "bb"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/studymate/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Ctx context.Context
	// Texts is a copy of the slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// VectorFn, when set, computes the vector for each text in both Embed and
	// EmbedBatch. It takes precedence over EmbedResult and EmbedBatchResult.
	VectorFn func(text string) []float32

	// EmbedResult is returned by Embed when VectorFn is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when VectorFn is nil. If it is
	// also nil, a slice of nil vectors matching the input length is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the configured vector or error.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.VectorFn != nil {
		return p.VectorFn(text), nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns the configured vectors or error.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.VectorFn != nil {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = p.VectorFn(t)
		}
		return out, nil
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns the number of Embed and EmbedBatch invocations so far.
func (p *Provider) Calls() (embed, batch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls), len(p.EmbedBatchCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

var _ embeddings.Provider = (*Provider)(nil)
