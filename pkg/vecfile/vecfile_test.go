package vecfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMatrixRoundTrip(t *testing.T) {
	orig := [][]float32{{0.6, 0.8}, {1, 0}, {-0.25, 3.75}}

	data, err := EncodeMatrix(orig)
	if err != nil {
		t.Fatalf("EncodeMatrix failed: %v", err)
	}
	got, h, err := DecodeMatrix(data)
	if err != nil {
		t.Fatalf("DecodeMatrix failed: %v", err)
	}
	if h.Rows != 3 || h.Dim != 2 {
		t.Fatalf("header = %+v, want 3x2", h)
	}
	for i := range orig {
		for j := range orig[i] {
			if got[i][j] != orig[i][j] {
				t.Fatalf("got[%d][%d] = %v, want %v", i, j, got[i][j], orig[i][j])
			}
		}
	}
}

func TestEncodeMatrix_Ragged(t *testing.T) {
	if _, err := EncodeMatrix([][]float32{{1, 0}, {1}}); err == nil {
		t.Fatal("expected error for ragged matrix")
	}
}

func TestDecodeMatrix_Truncated(t *testing.T) {
	data, err := EncodeMatrix([][]float32{{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeMatrix(data[:len(data)-2]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, _, err := DecodeMatrix([]byte("nope")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad header, got %v", err)
	}
}

func TestIDsRoundTrip(t *testing.T) {
	ids := []string{"/photos/a.jpg", "/photos/with,comma.jpg", `/photos/"quoted".png`}

	data, err := EncodeIDs(ids)
	if err != nil {
		t.Fatalf("EncodeIDs failed: %v", err)
	}
	if !strings.HasPrefix(string(data), IDColumn+"\n") {
		t.Fatalf("missing header: %q", data)
	}
	got, err := DecodeIDs(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("DecodeIDs failed: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("ids[%d] = %q, want %q", i, got[i], ids[i])
		}
	}
}

func TestDecodeIDs_MissingHeader(t *testing.T) {
	if _, err := DecodeIDs(strings.NewReader("photo_id\n/a.jpg\n")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000001.vec")

	if err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
}

func TestStatMatrix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.vec")
	data, err := EncodeMatrix([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := StatMatrix(path)
	if err != nil {
		t.Fatalf("StatMatrix failed: %v", err)
	}
	if h.Rows != 2 || h.Dim != 2 {
		t.Fatalf("header = %+v, want 2x2", h)
	}

	if err := os.WriteFile(path, data[:len(data)-4], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := StatMatrix(path); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short file, got %v", err)
	}
}
