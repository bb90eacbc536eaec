// Package search answers text and image queries against the current index.
package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/index"
)

var (
	// ErrValidation is the kind of every rejected query.
	ErrValidation = errors.New("invalid query")

	// ErrNoQuery is returned when neither text nor image is supplied.
	ErrNoQuery = fmt.Errorf("%w: either search text or an image is required", ErrValidation)

	// ErrInvalidTopK is returned when top_k is not positive.
	ErrInvalidTopK = fmt.Errorf("%w: top_k must be positive", ErrValidation)
)

// Query is one search request. Image takes precedence over Text.
type Query struct {
	Text  string
	Image image.Image
	TopK  int

	// MinScore drops results scoring below it. Zero disables the filter.
	MinScore float64
}

// Response is a ranked answer.
type Response struct {
	Results  []index.Result `json:"matches"`
	Mode     string         `json:"mode"`
	Duration time.Duration  `json:"duration"`
}

// Source yields the index to search. *index.Holder implements it.
type Source interface {
	Load() *index.Index
}

// Searcher embeds queries and ranks them against the current index.
type Searcher struct {
	source   Source
	embedder embeddings.Service
	maxTopK  int
}

// New creates a new Searcher. maxTopK caps requested result counts; zero
// means no cap.
func New(src Source, emb embeddings.Service, maxTopK int) *Searcher {
	return &Searcher{
		source:   src,
		embedder: emb,
		maxTopK:  maxTopK,
	}
}

// Search validates the query, embeds it and returns the best matches.
func (s *Searcher) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()

	text := strings.TrimSpace(q.Text)
	if q.Image == nil && text == "" {
		return nil, ErrNoQuery
	}

	if q.TopK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, q.TopK)
	}

	topK := q.TopK
	if s.maxTopK > 0 && topK > s.maxTopK {
		log.Debug("Clamping top_k", "requested", topK, "max", s.maxTopK)
		topK = s.maxTopK
	}

	var (
		vec  []float32
		mode string
		err  error
	)

	if q.Image != nil {
		mode = "image"
		if text != "" {
			log.Debug("Both image and text supplied, using image")
		}
		vec, err = s.embedder.EmbedImage(ctx, q.Image)
	} else {
		mode = "text"
		log.Debug("Generating query embedding", "query", truncate(text, 50))
		vec, err = s.embedder.EmbedText(ctx, text)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	idx := s.source.Load()
	results, err := idx.Search(vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if q.MinScore != 0 {
		results = filterByScore(results, q.MinScore)
	}

	log.Debug("Search complete", "mode", mode, "results", len(results), "rows", idx.Len())

	return &Response{
		Results:  results,
		Mode:     mode,
		Duration: time.Since(start),
	}, nil
}

// SearchText runs a text query.
func (s *Searcher) SearchText(ctx context.Context, text string, topK int) (*Response, error) {
	return s.Search(ctx, Query{Text: text, TopK: topK})
}

// SearchImage runs an image query.
func (s *Searcher) SearchImage(ctx context.Context, img image.Image, topK int) (*Response, error) {
	if img == nil {
		return nil, ErrNoQuery
	}
	return s.Search(ctx, Query{Image: img, TopK: topK})
}

// filterByScore keeps results scoring at least minScore. Input is sorted, so
// it stops at the first miss.
func filterByScore(results []index.Result, minScore float64) []index.Result {
	for i, r := range results {
		if r.Score < minScore {
			return results[:i]
		}
	}
	return results
}

// truncate shortens a string for display.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
