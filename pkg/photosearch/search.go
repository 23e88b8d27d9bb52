package photosearch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perbu/photosearch/pkg/observability"
)

// ErrInvalidQuery is returned when a query cannot be ranked against an index:
// wrong vector dimension or a non-positive k.
var ErrInvalidQuery = errors.New("invalid query")

// NoThreshold keeps every row regardless of score (cosine similarity is never below -1).
const NoThreshold = -1.0

// Dot computes the dot product of two vectors of equal length.
// For unit vectors this is their cosine similarity, in [-1, 1].
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Search performs a brute-force similarity scan over the index.
// Returns up to topK results sorted by score (highest first); rows with equal
// scores keep their index order. Results scoring below threshold are dropped.
func Search(index *VectorIndex, queryEmbedding []float32, topK int, threshold float64) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, topK)
	}
	if len(queryEmbedding) != index.Dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrInvalidQuery, len(queryEmbedding), index.Dimension)
	}

	type scored struct {
		row   int
		score float64
	}
	scores := make([]scored, len(index.Embeddings))
	for i, v := range index.Embeddings {
		scores[i] = scored{row: i, score: Dot(queryEmbedding, v)}
	}

	slices.SortStableFunc(scores, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	if topK > len(scores) {
		topK = len(scores)
	}
	results := make([]SearchResult, 0, topK)
	for _, s := range scores[:topK] {
		if s.score < threshold {
			break
		}
		results = append(results, SearchResult{
			ID:    index.IDs[s.row],
			Score: s.score,
			Rank:  len(results),
		})
	}
	return results, nil
}

// LoadIndex creates a VectorIndex from a merged Dataset
func LoadIndex(data *Dataset) *VectorIndex {
	return &VectorIndex{
		IDs:        data.IDs,
		Embeddings: data.Vectors,
		Dimension:  data.Dimension,
	}
}

// Encoder is the part of an embedder the search engine needs to turn a
// query into a vector.
type Encoder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedItems(ctx context.Context, items []Item) ([][]float32, error)
}

// Engine answers text-to-image and image-to-image queries over one index.
type Engine struct {
	index     *VectorIndex
	encoder   Encoder
	threshold float64
}

// NewEngine returns an Engine ranking against index. Threshold filters out
// low-scoring rows; use NoThreshold to keep everything.
func NewEngine(index *VectorIndex, encoder Encoder, threshold float64) *Engine {
	return &Engine{index: index, encoder: encoder, threshold: threshold}
}

// SearchText encodes a natural-language query and ranks the index against it.
func (e *Engine) SearchText(ctx context.Context, text string, topK int) ([]SearchResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "photosearch.SearchText")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, topK)
	}
	q, err := e.encoder.EmbedText(ctx, text)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return e.rank(span, q, topK)
}

// SearchItem encodes an image and ranks the index against it.
func (e *Engine) SearchItem(ctx context.Context, item Item, topK int) ([]SearchResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "photosearch.SearchItem")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, topK)
	}
	vecs, err := e.encoder.EmbedItems(ctx, []Item{item})
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("embedding %s: %w", item.Path, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding %s: encoder returned %d vectors", item.Path, len(vecs))
	}
	return e.rank(span, vecs[0], topK)
}

func (e *Engine) rank(span trace.Span, q []float32, topK int) ([]SearchResult, error) {
	results, err := Search(e.index, q, topK, e.threshold)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("photosearch.rows", len(e.index.IDs)),
		attribute.Int("photosearch.top_k", topK),
		attribute.Int("photosearch.results", len(results)),
	)
	return results, nil
}
