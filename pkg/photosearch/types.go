package photosearch

// Item is one image known to the pipeline.
type Item struct {
	ID   string // Absolute path of the image, used as its stable identifier
	Path string // Location of the raw content on disk
}

// Dataset holds the merged embeddings of every completed batch.
type Dataset struct {
	IDs        []string    // Item ids, row-aligned with Vectors
	Vectors    [][]float32 // Unit vectors (ids[i] ↔ vectors[i])
	ModelInfo  string      // Encoder name/version used
	Dimension  int         // Embedding vector dimension
	BatchSize  int         // Batch size the checkpoints were produced with
	BatchCount int         // Number of checkpoints merged
}

// Len returns the number of rows in the dataset.
func (d *Dataset) Len() int { return len(d.IDs) }

// SearchResult represents a single ranked item with its score
type SearchResult struct {
	ID    string
	Score float64
	Rank  int // Zero-based position in the ranking
}

// VectorIndex holds the in-memory vectors scanned by Search
type VectorIndex struct {
	IDs        []string    // Item ids
	Embeddings [][]float32 // Corresponding embeddings (ids[i] ↔ embedding[i])
	Dimension  int         // Embedding vector dimension
}
