package embedder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/perbu/photosearch/pkg/photosearch"
)

// OpenAIEmbedder talks to an OpenAI-compatible /embeddings endpoint.
// Images are sent as base64 data URIs, which servers hosting CLIP-style
// models accept alongside plain text.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
	device string
}

// deviceDoer tags every request with the compute device the server should use.
type deviceDoer struct {
	next   openai.HTTPDoer
	device string
}

func (d deviceDoer) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Device", d.device)
	return d.next.Do(req)
}

// NewOpenAIEmbedder creates an OpenAI-compatible embedder
func NewOpenAIEmbedder(opts Options) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, errors.New("embedder API key not set")
	}
	if opts.Model == "" {
		return nil, errors.New("embedder model not set")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	var doer openai.HTTPDoer = &http.Client{Timeout: opts.Timeout}
	if opts.Device != "" {
		doer = deviceDoer{next: doer, device: opts.Device}
	}
	cfg.HTTPClient = doer

	// Set dimension based on model unless configured
	dim := opts.Dimension
	if dim <= 0 {
		switch opts.Model {
		case "text-embedding-3-large":
			dim = 3072
		default:
			dim = 1536
		}
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		dim:    dim,
		device: opts.Device,
	}, nil
}

// EmbedItems sends the whole batch in one request
func (e *OpenAIEmbedder) EmbedItems(ctx context.Context, items []photosearch.Item) ([][]float32, error) {
	inputs := make([]string, len(items))
	for i, item := range items {
		uri, err := dataURI(item.Path)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		inputs[i] = uri
	}
	return e.embed(ctx, inputs)
}

// EmbedText generates an embedding for a single query
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if len(strings.TrimSpace(text)) == 0 {
		return nil, errors.New("cannot embed empty text")
	}
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Model: openai.EmbeddingModel(e.model),
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings API error: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	// The API reports each vector's input position; do not rely on response order.
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(inputs) || out[d.Index] != nil {
			return nil, fmt.Errorf("embeddings API returned bad index %d", d.Index)
		}
		if len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("embeddings API returned dimension %d, want %d", len(d.Embedding), e.dim)
		}
		v := make([]float32, len(d.Embedding))
		copy(v, d.Embedding)
		if !l2normalize(v) {
			return nil, fmt.Errorf("embeddings API returned a zero vector for input %d", d.Index)
		}
		out[d.Index] = v
	}
	return out, nil
}

func dataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty", path)
	}
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Dimension returns the embedding dimension
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// Device returns the compute device requested from the server
func (e *OpenAIEmbedder) Device() string {
	return e.device
}

// ModelInfo returns model information
func (e *OpenAIEmbedder) ModelInfo() string {
	return "openai-" + e.model
}
