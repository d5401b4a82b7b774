package embeddings_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/embeddings/mock"
)

func lengthVector(text string) []float32 {
	return []float32{float32(len(text)), 1}
}

func TestProbe_ReturnsObservedDimension(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{DimensionsValue: 2, ModelIDValue: "m", VectorFn: lengthVector}

	dim, err := embeddings.Probe(context.Background(), p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if dim != 2 {
		t.Errorf("dim = %d, want 2", dim)
	}
	if embedCalls, _ := p.Calls(); embedCalls != 1 {
		t.Errorf("Embed calls = %d, want 1", embedCalls)
	}
}

func TestProbe_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    *mock.Provider
	}{
		{
			name: "embed error",
			p:    &mock.Provider{ModelIDValue: "m", EmbedErr: errors.New("connection refused")},
		},
		{
			name: "empty vector",
			p:    &mock.Provider{ModelIDValue: "m", EmbedResult: []float32{}},
		},
		{
			name: "size disagrees with Dimensions",
			p:    &mock.Provider{ModelIDValue: "m", DimensionsValue: 384, EmbedResult: make([]float32, 768)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := embeddings.Probe(context.Background(), tt.p)
			if !errors.Is(err, embeddings.ErrModelUnavailable) {
				t.Fatalf("err = %v, want ErrModelUnavailable", err)
			}
		})
	}
}

func TestProbe_KeepsUnderlyingError(t *testing.T) {
	t.Parallel()
	cause := errors.New("model file missing")
	p := &mock.Provider{ModelIDValue: "all-minilm", EmbedErr: cause}

	_, err := embeddings.Probe(context.Background(), p)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want it to wrap %v", err, cause)
	}
	if !strings.Contains(err.Error(), "all-minilm") {
		t.Errorf("error %q does not name the model", err)
	}
}

func TestEmbedAll_PreservesOrderAcrossBatches(t *testing.T) {
	t.Parallel()
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}

	for _, tc := range []struct{ batch, conc int }{{1, 1}, {2, 3}, {3, 8}, {0, 0}, {100, 2}} {
		p := &mock.Provider{DimensionsValue: 2, VectorFn: lengthVector}
		got, err := embeddings.EmbedAll(context.Background(), p, texts, tc.batch, tc.conc)
		if err != nil {
			t.Fatalf("batch=%d conc=%d: %v", tc.batch, tc.conc, err)
		}
		if len(got) != len(texts) {
			t.Fatalf("batch=%d conc=%d: len = %d, want %d", tc.batch, tc.conc, len(got), len(texts))
		}
		for i, v := range got {
			if int(v[0]) != len(texts[i]) {
				t.Errorf("batch=%d conc=%d: result %d = %v, want embedding of %q", tc.batch, tc.conc, i, v, texts[i])
			}
		}
	}
}

func TestEmbedAll_BatchCount(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{DimensionsValue: 2, VectorFn: lengthVector}
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	if _, err := embeddings.EmbedAll(context.Background(), p, texts, 4, 2); err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if _, batches := p.Calls(); batches != 3 {
		t.Errorf("EmbedBatch calls = %d, want 3", batches)
	}
}

func TestEmbedAll_Empty(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	got, err := embeddings.EmbedAll(context.Background(), p, nil, 8, 2)
	if err != nil || got != nil {
		t.Fatalf("EmbedAll(nil) = %v, %v; want nil, nil", got, err)
	}
	if _, batches := p.Calls(); batches != 0 {
		t.Errorf("EmbedBatch calls = %d, want 0", batches)
	}
}

func TestEmbedAll_PropagatesError(t *testing.T) {
	t.Parallel()
	cause := errors.New("rate limited")
	p := &mock.Provider{EmbedBatchErr: cause}

	_, err := embeddings.EmbedAll(context.Background(), p, []string{"a", "b", "c"}, 1, 1)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
}

func TestEmbedAll_ShortBatchIsAnError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{EmbedBatchResult: [][]float32{{1, 0}}}

	_, err := embeddings.EmbedAll(context.Background(), p, []string{"a", "b"}, 2, 1)
	if err == nil {
		t.Fatal("expected error when the provider returns fewer vectors than texts")
	}
}
