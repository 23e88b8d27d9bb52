package embedder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"time"

	"github.com/perbu/photosearch/pkg/photosearch"
)

// Embedder maps images and query text into one shared, unit-normalized
// vector space of fixed dimension.
type Embedder interface {
	// EmbedItems returns one vector per item, in input order.
	EmbedItems(ctx context.Context, items []photosearch.Item) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelInfo() string
}

// Embedder kinds accepted by New.
const (
	TypeOpenAI = "openai"
	TypeHash   = "hash"
)

// Options configures an Embedder. Device names the compute device the
// model should run on (e.g. "cpu", "cuda"); it is passed explicitly rather
// than detected.
type Options struct {
	Type      string
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	Device    string
	Timeout   time.Duration
}

// New creates the Embedder selected by opts.Type.
func New(opts Options) (Embedder, error) {
	switch opts.Type {
	case TypeOpenAI, "":
		return NewOpenAIEmbedder(opts)
	case TypeHash:
		if opts.Dimension <= 0 {
			return nil, fmt.Errorf("hash embedder needs a positive dimension, got %d", opts.Dimension)
		}
		return NewSimpleEmbedder(opts.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedder: %s", opts.Type)
	}
}

// SimpleEmbedder is an offline embedder that hashes raw bytes into buckets.
// Identical content yields identical vectors; similarity beyond that carries
// no meaning. It is used for dry runs and tests.
type SimpleEmbedder struct {
	dim int
}

const blockSize = 16

// NewSimpleEmbedder creates a hashing embedder
func NewSimpleEmbedder(dimension int) *SimpleEmbedder {
	return &SimpleEmbedder{dim: dimension}
}

// EmbedItems reads and hashes each item's file
func (e *SimpleEmbedder) EmbedItems(ctx context.Context, items []photosearch.Item) ([][]float32, error) {
	embeddings := make([][]float32, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(item.Path)
		if err != nil {
			return nil, fmt.Errorf("reading item %d: %w", i, err)
		}
		emb, err := e.embedBytes(data)
		if err != nil {
			return nil, fmt.Errorf("embedding item %d (%s): %w", i, item.Path, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// EmbedText hashes the query text
func (e *SimpleEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	return e.embedBytes([]byte(text))
}

func (e *SimpleEmbedder) embedBytes(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot embed empty content")
	}
	vec := make([]float32, e.dim)
	h := fnv.New64a()
	for start := 0; start < len(data); start += blockSize {
		h.Reset()
		_, _ = h.Write(data[start:min(start+blockSize, len(data))])
		sum := h.Sum64()
		idx := (sum >> 1) % uint64(e.dim)
		if sum&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	if !l2normalize(vec) {
		return nil, errors.New("content hashes to the zero vector")
	}
	return vec, nil
}

// Dimension returns the embedding dimension
func (e *SimpleEmbedder) Dimension() int {
	return e.dim
}

// ModelInfo returns model information
func (e *SimpleEmbedder) ModelInfo() string {
	return "simple-hash-v1"
}

// l2normalize normalizes a vector to unit length in place. It reports false
// for the zero vector, which has no direction.
func l2normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return false
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}
