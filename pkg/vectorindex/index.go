// Package vectorindex provides an exact, in-memory nearest-neighbour index over
// L2-normalised float32 vectors, and the snapshot format it is persisted in.
//
// Rows are normalised at build time and queries at search time, so the inner
// product computed by Search is the cosine similarity of the original
// vectors. Every row is scored on every search; for the corpus sizes a
// curriculum produces (tens of thousands of chunks) this is fast enough and
// exact.
//
// An Index is immutable once built and safe for concurrent searches.
package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when vectors of different lengths meet:
	// rows of unequal length at build time, a query of the wrong length at
	// search time, or a snapshot built by a different-sized encoder.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrEmptyIndex is returned by Build when no vectors are supplied.
	ErrEmptyIndex = errors.New("vectorindex: no vectors")
)

// Hit is a single search result. Ordinal is the row number the vector was
// supplied at in Build; Score is its cosine similarity to the query.
type Hit struct {
	Ordinal int
	Score   float32
}

// Index is a flat inner-product index. Rows are stored contiguously.
type Index struct {
	dim  int
	n    int
	data []float32
}

// Build copies and L2-normalises vectors into a new Index. Every vector must
// have the same non-zero length. A zero vector is stored as is and scores 0
// against every query.
func Build(vectors [][]float32) (*Index, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyIndex
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: row 0 is empty", ErrDimensionMismatch)
	}
	data := make([]float32, 0, dim*len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: row %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		data = append(data, v...)
		normalize(data[i*dim : (i+1)*dim])
	}
	return &Index{dim: dim, n: len(vectors), data: data}, nil
}

// Len returns the number of rows.
func (x *Index) Len() int { return x.n }

// Dimension returns the vector length every row shares.
func (x *Index) Dimension() int { return x.dim }

// Row returns a copy of the normalised vector stored at ordinal i.
func (x *Index) Row(i int) []float32 {
	out := make([]float32, x.dim)
	copy(out, x.row(i))
	return out
}

func (x *Index) row(i int) []float32 {
	return x.data[i*x.dim : (i+1)*x.dim]
}

// Search returns the topK rows most similar to query, best first. Equal
// scores are ordered by ascending ordinal. topK is clamped to Len; a
// non-positive topK returns nil.
func (x *Index) Search(query []float32, topK int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if topK <= 0 {
		return nil, nil
	}
	topK = min(topK, x.n)

	q := make([]float32, x.dim)
	copy(q, query)
	normalize(q)

	h := make(hitHeap, 0, topK)
	for i := range x.n {
		hit := Hit{Ordinal: i, Score: dot(q, x.row(i))}
		if len(h) < topK {
			heap.Push(&h, hit)
			continue
		}
		if worse(h[0], hit) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}

	out := make([]Hit, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Hit)
	}
	return out, nil
}

// worse reports whether a ranks below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Ordinal > b.Ordinal
}

// hitHeap keeps the current top-k with the worst hit at the root, so a
// better candidate replaces the root in O(log k).
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(Hit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
