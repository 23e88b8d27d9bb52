// Package vecfile reads and writes the flat files that hold embeddings:
// a binary float32 matrix and a CSV list of item ids.
//
// Matrix layout (little-endian):
//
//	magic "PSV1" | rows uint32 | dim uint32 | rows*dim float32
package vecfile

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

const (
	magic      = "PSV1"
	headerSize = 12

	// IDColumn is the header of the id list CSV.
	IDColumn = "item_id"
)

// ErrMalformed is returned for files that do not follow the expected layout.
var ErrMalformed = errors.New("vecfile: malformed data")

// Header describes the shape of a stored matrix.
type Header struct {
	Rows int
	Dim  int
}

// EncodeMatrix serializes vectors. All rows must share one dimension.
func EncodeMatrix(vectors [][]float32) ([]byte, error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vecfile: row %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	out := make([]byte, headerSize+4*dim*len(vectors))
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(dim))
	off := headerSize
	for _, v := range vectors {
		for _, x := range v {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(x))
			off += 4
		}
	}
	return out, nil
}

// DecodeMatrix restores vectors written by EncodeMatrix.
func DecodeMatrix(data []byte) ([][]float32, Header, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, Header{}, err
	}
	if want := headerSize + 4*h.Rows*h.Dim; len(data) != want {
		return nil, Header{}, fmt.Errorf("%w: %d bytes for %dx%d matrix, want %d", ErrMalformed, len(data), h.Rows, h.Dim, want)
	}

	vectors := make([][]float32, h.Rows)
	off := headerSize
	for i := range vectors {
		v := make([]float32, h.Dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = v
	}
	return vectors, h, nil
}

// ReadHeader reads only the matrix header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parseHeader(buf)
}

// StatMatrix checks that the file at path has a valid header and a size
// matching it, without loading the vectors.
func StatMatrix(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return Header{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Header{}, err
	}
	if want := int64(headerSize + 4*h.Rows*h.Dim); info.Size() != want {
		return Header{}, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, path, info.Size(), want)
	}
	return h, nil
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	return Header{
		Rows: int(binary.LittleEndian.Uint32(data[4:8])),
		Dim:  int(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// EncodeIDs serializes ids as a single-column CSV with an item_id header.
func EncodeIDs(ids []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{IDColumn}); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := w.Write([]string{id}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeIDs parses a CSV written by EncodeIDs.
func DecodeIDs(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(records) == 0 || records[0][0] != IDColumn {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformed, IDColumn)
	}
	ids := make([]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		ids = append(ids, rec[0])
	}
	return ids, nil
}

// ReadIDsFile loads an id list from disk.
func ReadIDsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeIDs(f)
}

// ReadMatrixFile loads a matrix from disk.
func ReadMatrixFile(path string) ([][]float32, Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Header{}, err
	}
	return DecodeMatrix(data)
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and
// renames it into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
