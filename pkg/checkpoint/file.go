package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/perbu/photosearch/pkg/vecfile"
)

const (
	vectorExt = ".vec"
	idsExt    = ".csv"
)

// Only zero-padded 10-digit names are checkpoints; merged artifacts may share the directory.
var vectorName = regexp.MustCompile(`^(\d{10})\.vec$`)

// FileStore keeps each checkpoint as two flat files named after the
// zero-padded batch index: NNNNNNNNNN.vec and NNNNNNNNNN.csv.
//
// Write renames the id list into place first and the vector block last, so
// the vector file doubles as the commit marker.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the checkpoint files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) vectorPath(batch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%010d%s", batch, vectorExt))
}

func (s *FileStore) idsPath(batch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%010d%s", batch, idsExt))
}

// Exists reports whether both files of the batch are present and parse.
func (s *FileStore) Exists(_ context.Context, batch int) (bool, error) {
	if _, err := vecfile.StatMatrix(s.vectorPath(batch)); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, vecfile.ErrMalformed) {
			return false, nil
		}
		return false, err
	}
	if _, err := vecfile.ReadIDsFile(s.idsPath(batch)); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, vecfile.ErrMalformed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Write stores the id list, then the vector block.
func (s *FileStore) Write(_ context.Context, batch int, vectors [][]float32, ids []string) error {
	if err := validate(batch, vectors, ids); err != nil {
		return err
	}
	vecData, err := vecfile.EncodeMatrix(vectors)
	if err != nil {
		return err
	}
	idData, err := vecfile.EncodeIDs(ids)
	if err != nil {
		return err
	}

	if err := vecfile.WriteFileAtomic(s.idsPath(batch), idData); err != nil {
		return fmt.Errorf("write ids for batch %d: %w", batch, err)
	}
	if err := vecfile.WriteFileAtomic(s.vectorPath(batch), vecData); err != nil {
		return fmt.Errorf("write vectors for batch %d: %w", batch, err)
	}
	return nil
}

// Read loads both files and checks that their row counts agree.
func (s *FileStore) Read(_ context.Context, batch int) ([][]float32, []string, error) {
	vectors, _, err := vecfile.ReadMatrixFile(s.vectorPath(batch))
	if err != nil {
		if errors.Is(err, vecfile.ErrMalformed) {
			return nil, nil, &CorruptCheckpointError{Batch: batch, Reason: err.Error()}
		}
		return nil, nil, err
	}
	ids, err := vecfile.ReadIDsFile(s.idsPath(batch))
	if err != nil {
		if errors.Is(err, vecfile.ErrMalformed) {
			return nil, nil, &CorruptCheckpointError{Batch: batch, Reason: err.Error()}
		}
		return nil, nil, err
	}
	if len(vectors) != len(ids) {
		return nil, nil, &CorruptCheckpointError{Batch: batch, Vectors: len(vectors), IDs: len(ids)}
	}
	return vectors, ids, nil
}

// ListCompleted returns the indices of complete checkpoints, ascending.
func (s *FileStore) ListCompleted(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var indices []int
	for _, e := range entries {
		m := vectorName.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		batch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ok, err := s.Exists(ctx, batch)
		if err != nil {
			return nil, err
		}
		if ok {
			indices = append(indices, batch)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// Delete removes the vector block first so a partial delete never leaves a
// checkpoint that looks complete.
func (s *FileStore) Delete(_ context.Context, batch int) error {
	if err := os.Remove(s.vectorPath(batch)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.idsPath(batch)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
