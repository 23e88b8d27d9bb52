package photosearch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perbu/photosearch/pkg/vecfile"
)

// File names of a merged dataset inside the features directory.
const (
	VectorsFile  = "features.vec"
	IDsFile      = "item_ids.csv"
	ManifestFile = "features.yaml"
)

// ErrDatasetMismatch is returned when the files of a merged dataset disagree
// with each other or with the manifest.
var ErrDatasetMismatch = errors.New("dataset files disagree")

// Manifest describes a merged dataset.
type Manifest struct {
	Model     string    `yaml:"model"`
	Dimension int       `yaml:"dimension"`
	Count     int       `yaml:"count"`
	BatchSize int       `yaml:"batch_size"`
	Batches   int       `yaml:"batches"`
	CreatedAt time.Time `yaml:"created_at"`

	// Content hashes of the data files. A manifest whose hashes do not match
	// the files on disk belongs to a different merge.
	VectorsSHA256 string `yaml:"vectors_sha256"`
	IDsSHA256     string `yaml:"ids_sha256"`
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveDataset writes the merged vectors, ids and manifest into dir,
// replacing any previous merge. Each file is swapped in atomically and the
// manifest goes last; it records the hash of both data files, so
// LoadDataset rejects a directory left half-replaced by a crash.
func SaveDataset(dir string, ds *Dataset) error {
	if len(ds.IDs) != len(ds.Vectors) {
		return fmt.Errorf("%w: %d ids, %d vectors", ErrDatasetMismatch, len(ds.IDs), len(ds.Vectors))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	vecData, err := vecfile.EncodeMatrix(ds.Vectors)
	if err != nil {
		return err
	}
	idData, err := vecfile.EncodeIDs(ds.IDs)
	if err != nil {
		return err
	}
	manifest, err := yaml.Marshal(Manifest{
		Model:     ds.ModelInfo,
		Dimension: ds.Dimension,
		Count:     ds.Len(),
		BatchSize: ds.BatchSize,
		Batches:   ds.BatchCount,
		CreatedAt: time.Now().UTC().Truncate(time.Second),

		VectorsSHA256: digest(vecData),
		IDsSHA256:     digest(idData),
	})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := vecfile.WriteFileAtomic(filepath.Join(dir, VectorsFile), vecData); err != nil {
		return fmt.Errorf("writing vectors: %w", err)
	}
	if err := vecfile.WriteFileAtomic(filepath.Join(dir, IDsFile), idData); err != nil {
		return fmt.Errorf("writing ids: %w", err)
	}
	if err := vecfile.WriteFileAtomic(filepath.Join(dir, ManifestFile), manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of the merged dataset in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// LoadDataset reads a merged dataset written by SaveDataset.
func LoadDataset(dir string) (*Dataset, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	vecData, err := os.ReadFile(filepath.Join(dir, VectorsFile))
	if err != nil {
		return nil, fmt.Errorf("reading vectors: %w", err)
	}
	idData, err := os.ReadFile(filepath.Join(dir, IDsFile))
	if err != nil {
		return nil, fmt.Errorf("reading ids: %w", err)
	}
	if m.VectorsSHA256 != "" && m.VectorsSHA256 != digest(vecData) {
		return nil, fmt.Errorf("%w: %s does not match the manifest", ErrDatasetMismatch, VectorsFile)
	}
	if m.IDsSHA256 != "" && m.IDsSHA256 != digest(idData) {
		return nil, fmt.Errorf("%w: %s does not match the manifest", ErrDatasetMismatch, IDsFile)
	}

	vectors, h, err := vecfile.DecodeMatrix(vecData)
	if err != nil {
		return nil, fmt.Errorf("reading vectors: %w", err)
	}
	ids, err := vecfile.DecodeIDs(bytes.NewReader(idData))
	if err != nil {
		return nil, fmt.Errorf("reading ids: %w", err)
	}

	if len(vectors) != len(ids) {
		return nil, fmt.Errorf("%w: %d vectors, %d ids", ErrDatasetMismatch, len(vectors), len(ids))
	}
	if len(ids) != m.Count {
		return nil, fmt.Errorf("%w: manifest lists %d rows, files hold %d", ErrDatasetMismatch, m.Count, len(ids))
	}
	if h.Rows > 0 && h.Dim != m.Dimension {
		return nil, fmt.Errorf("%w: manifest dimension %d, vectors have %d", ErrDatasetMismatch, m.Dimension, h.Dim)
	}

	return &Dataset{
		IDs:        ids,
		Vectors:    vectors,
		ModelInfo:  m.Model,
		Dimension:  m.Dimension,
		BatchSize:  m.BatchSize,
		BatchCount: m.Batches,
	}, nil
}
