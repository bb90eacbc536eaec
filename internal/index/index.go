// Package index holds the in-memory embedding matrix and answers top-k
// queries by scaled inner product.
package index

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

// ScoreScale multiplies the raw inner product to form the reported score.
const ScoreScale = 100

var (
	// ErrInvalidTopK is returned when top_k is not positive.
	ErrInvalidTopK = errors.New("top_k must be positive")

	// ErrDimensionMismatch is returned when vector widths disagree.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Result is one ranked match.
type Result struct {
	Name  string  `json:"image_name"`
	Score float64 `json:"similarity"`
}

// Index is an immutable N×D row-major embedding matrix. Row i belongs to
// Names()[i].
type Index struct {
	names []string
	data  []float32
	dims  int
}

// New builds an index from names and their vectors, which must be parallel
// and of equal width.
func New(names []string, vectors [][]float32) (*Index, error) {
	if len(names) != len(vectors) {
		return nil, fmt.Errorf("%w: %d names for %d vectors", ErrDimensionMismatch, len(names), len(vectors))
	}

	idx := &Index{names: slices.Clone(names)}
	if len(vectors) == 0 {
		return idx, nil
	}

	idx.dims = len(vectors[0])
	if idx.dims == 0 {
		return nil, fmt.Errorf("%w: empty vector for %s", ErrDimensionMismatch, names[0])
	}

	idx.data = make([]float32, 0, len(vectors)*idx.dims)
	for i, v := range vectors {
		if len(v) != idx.dims {
			return nil, fmt.Errorf("%w: %s has %d dimensions, expected %d", ErrDimensionMismatch, names[i], len(v), idx.dims)
		}
		idx.data = append(idx.data, v...)
	}

	return idx, nil
}

// Len returns the number of rows.
func (x *Index) Len() int {
	return len(x.names)
}

// Dimensions returns the row width, or 0 for an empty index.
func (x *Index) Dimensions() int {
	return x.dims
}

// Names returns a copy of the row names in row order.
func (x *Index) Names() []string {
	return slices.Clone(x.names)
}

// Row returns row i. The slice aliases the matrix and must not be modified.
func (x *Index) Row(i int) []float32 {
	return x.data[i*x.dims : (i+1)*x.dims]
}

// Search scores every row as 100·dot(row, query) and returns the topK best,
// highest first. Equal scores keep row order.
func (x *Index) Search(query []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	n := x.Len()
	if n == 0 {
		return []Result{}, nil
	}

	if len(query) != x.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), x.dims)
	}

	type scored struct {
		row   int
		score float64
	}

	scores := make([]scored, n)
	for i := range n {
		scores[i] = scored{row: i, score: ScoreScale * dot(x.Row(i), query)}
	}

	// descending; cmp.Compare orders NaN below every number, so NaN rows
	// sink to the end instead of breaking the order
	slices.SortStableFunc(scores, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	k := min(topK, n)
	results := make([]Result, k)
	for i := range k {
		results[i] = Result{Name: x.names[scores[i].row], Score: scores[i].score}
	}

	return results, nil
}

// dot accumulates in float64 so scores do not depend on float32 rounding
// order.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Holder publishes the current index for concurrent readers. Replacement
// swaps a fully built index in one step.
type Holder struct {
	p atomic.Pointer[Index]
}

// NewHolder returns a holder publishing idx.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	h.Store(idx)
	return h
}

// Load returns the current index, never nil.
func (h *Holder) Load() *Index {
	if idx := h.p.Load(); idx != nil {
		return idx
	}
	return &Index{}
}

// Store replaces the current index.
func (h *Holder) Store(idx *Index) {
	h.p.Store(idx)
}
