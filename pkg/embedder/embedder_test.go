package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perbu/photosearch/pkg/photosearch"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func writeImage(t *testing.T, dir, name, content string) photosearch.Item {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return photosearch.Item{ID: path, Path: path}
}

func TestSimpleEmbedder(t *testing.T) {
	dir := t.TempDir()
	items := []photosearch.Item{
		writeImage(t, dir, "a.jpg", "first image bytes, long enough to span blocks"),
		writeImage(t, dir, "b.jpg", "second image"),
	}
	e := NewSimpleEmbedder(64)

	vecs, err := e.EmbedItems(context.Background(), items)
	if err != nil {
		t.Fatalf("EmbedItems failed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 64 {
			t.Errorf("vector %d has dimension %d", i, len(v))
		}
		if math.Abs(norm(v)-1) > 1e-5 {
			t.Errorf("vector %d has norm %f", i, norm(v))
		}
	}

	again, err := e.EmbedItems(context.Background(), items[:1])
	if err != nil {
		t.Fatal(err)
	}
	for j := range again[0] {
		if again[0][j] != vecs[0][j] {
			t.Fatal("embedding is not deterministic")
		}
	}

	// Text equal to the file content lands on the same vector.
	q, err := e.EmbedText(context.Background(), "second image")
	if err != nil {
		t.Fatal(err)
	}
	for j := range q {
		if q[j] != vecs[1][j] {
			t.Fatal("text and item embeddings differ for identical content")
		}
	}
}

func TestSimpleEmbedder_Errors(t *testing.T) {
	e := NewSimpleEmbedder(8)
	if _, err := e.EmbedText(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
	missing := photosearch.Item{ID: "/nope.jpg", Path: filepath.Join(t.TempDir(), "nope.jpg")}
	if _, err := e.EmbedItems(context.Background(), []photosearch.Item{missing}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Options{Type: TypeHash, Dimension: 16}); err != nil {
		t.Errorf("hash embedder: %v", err)
	}
	if _, err := New(Options{Type: TypeHash}); err == nil {
		t.Error("expected error for hash embedder without dimension")
	}
	if _, err := New(Options{Type: TypeOpenAI, Model: "clip"}); err == nil {
		t.Error("expected error for missing API key")
	}
	if _, err := New(Options{Type: "onnx"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeServer answers /embeddings with vectors in reverse order to check
// that results are placed by index.
func fakeServer(t *testing.T, dim int, gotDevice *string, gotInputs *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		*gotDevice = r.Header.Get("X-Device")
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*gotInputs = req.Input

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[i%dim] = 3 // not unit length; the client normalizes
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": vec,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
		})
	}))
}

func TestOpenAIEmbedder_EmbedItems(t *testing.T) {
	var device string
	var inputs []string
	srv := fakeServer(t, 4, &device, &inputs)
	defer srv.Close()

	e, err := NewOpenAIEmbedder(Options{
		Model:     "clip-vit-b-32",
		BaseURL:   srv.URL + "/v1",
		APIKey:    "test",
		Dimension: 4,
		Device:    "cuda",
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	items := []photosearch.Item{
		writeImage(t, dir, "a.jpg", "jpeg-a"),
		writeImage(t, dir, "b.png", "png-b"),
	}
	vecs, err := e.EmbedItems(context.Background(), items)
	if err != nil {
		t.Fatalf("EmbedItems failed: %v", err)
	}
	if device != "cuda" {
		t.Errorf("X-Device = %q, want cuda", device)
	}
	if len(inputs) != 2 || !strings.HasPrefix(inputs[0], "data:image/jpeg;base64,") || !strings.HasPrefix(inputs[1], "data:image/png;base64,") {
		t.Errorf("unexpected inputs: %v", inputs)
	}
	for i, v := range vecs {
		if v[i] != 1 {
			t.Errorf("vector %d = %v, want unit vector on axis %d", i, v, i)
		}
	}
	if e.ModelInfo() != "openai-clip-vit-b-32" || e.Device() != "cuda" {
		t.Errorf("unexpected model info %q / device %q", e.ModelInfo(), e.Device())
	}
}

func TestOpenAIEmbedder_EmbedText(t *testing.T) {
	var device string
	var inputs []string
	srv := fakeServer(t, 4, &device, &inputs)
	defer srv.Close()

	e, err := NewOpenAIEmbedder(Options{Model: "clip", BaseURL: srv.URL + "/v1", APIKey: "test", Dimension: 4})
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.EmbedText(context.Background(), "a dog on a beach")
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if math.Abs(norm(v)-1) > 1e-6 {
		t.Errorf("query vector norm = %f", norm(v))
	}
	if device != "" {
		t.Errorf("X-Device sent without a configured device: %q", device)
	}
	if len(inputs) != 1 || inputs[0] != "a dog on a beach" {
		t.Errorf("unexpected inputs: %v", inputs)
	}

	if _, err := e.EmbedText(context.Background(), "   "); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	var device string
	var inputs []string
	srv := fakeServer(t, 4, &device, &inputs)
	defer srv.Close()

	e, err := NewOpenAIEmbedder(Options{Model: "clip", BaseURL: srv.URL + "/v1", APIKey: "test", Dimension: 8})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.EmbedText(context.Background(), "query"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
