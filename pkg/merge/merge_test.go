package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/perbu/photosearch/pkg/checkpoint"
	"github.com/perbu/photosearch/pkg/photosearch"
)

func newStore(t *testing.T, batches map[int][]string) *checkpoint.FileStore {
	t.Helper()
	st, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for idx, ids := range batches {
		vectors := make([][]float32, len(ids))
		for i := range ids {
			vectors[i] = []float32{float32(idx), float32(i)}
		}
		if err := st.Write(context.Background(), idx, vectors, ids); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestMerge_Strict(t *testing.T) {
	st := newStore(t, map[int][]string{
		1: {"c", "d"},
		0: {"a", "b"},
		2: {"e"},
	})
	res, err := New(st, Options{ModelInfo: "m", BatchSize: 2}).Merge(context.Background(), 3)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	ds := res.Dataset
	want := []string{"a", "b", "c", "d", "e"}
	if ds.Len() != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), ds.Len())
	}
	for i := range want {
		if ds.IDs[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ds.IDs, want)
		}
	}
	// Row alignment: row 2 is item 0 of batch 1.
	if ds.Vectors[2][0] != 1 || ds.Vectors[2][1] != 0 {
		t.Fatalf("row 2 = %v, want [1 0]", ds.Vectors[2])
	}
	if ds.Dimension != 2 || ds.BatchCount != 3 || ds.ModelInfo != "m" {
		t.Fatalf("unexpected dataset metadata: %+v", ds)
	}
}

func TestMerge_StrictIncomplete(t *testing.T) {
	st := newStore(t, map[int][]string{0: {"a"}, 2: {"c"}, 5: {"z"}})
	_, err := New(st, Options{Policy: Strict}).Merge(context.Background(), 3)
	if !errors.Is(err, ErrIncompleteDataset) {
		t.Fatalf("expected ErrIncompleteDataset, got %v", err)
	}
	var ierr *IncompleteDatasetError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *IncompleteDatasetError, got %T", err)
	}
	if len(ierr.Missing) != 1 || ierr.Missing[0] != 1 {
		t.Errorf("Missing = %v, want [1]", ierr.Missing)
	}
	if len(ierr.Unexpected) != 1 || ierr.Unexpected[0] != 5 {
		t.Errorf("Unexpected = %v, want [5]", ierr.Unexpected)
	}
}

func TestMerge_Prefix(t *testing.T) {
	st := newStore(t, map[int][]string{0: {"a"}, 1: {"b"}, 3: {"d"}})
	res, err := New(st, Options{Policy: Prefix}).Merge(context.Background(), 4)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Dataset.Len() != 2 || len(res.Merged) != 2 {
		t.Fatalf("expected 2 merged rows, got %d", res.Dataset.Len())
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != 3 {
		t.Fatalf("Skipped = %v, want [3]", res.Skipped)
	}

	empty := newStore(t, map[int][]string{1: {"b"}})
	if _, err := New(empty, Options{Policy: Prefix}).Merge(context.Background(), 2); !errors.Is(err, ErrIncompleteDataset) {
		t.Fatalf("expected ErrIncompleteDataset for empty prefix, got %v", err)
	}
}

func TestMerge_NoBatches(t *testing.T) {
	st := newStore(t, nil)
	res, err := New(st, Options{Dimension: 8}).Merge(context.Background(), 0)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Dataset.Len() != 0 || res.Dataset.Dimension != 8 {
		t.Fatalf("unexpected dataset: %+v", res.Dataset)
	}
}

func TestMerge_DimensionMismatch(t *testing.T) {
	st := newStore(t, map[int][]string{0: {"a"}})
	if err := st.Write(context.Background(), 1, [][]float32{{1, 2, 3}}, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	_, err := New(st, Options{}).Merge(context.Background(), 2)
	if !errors.Is(err, checkpoint.ErrCorruptCheckpoint) {
		t.Fatalf("expected ErrCorruptCheckpoint, got %v", err)
	}
}

func TestMergeTo_Idempotent(t *testing.T) {
	st := newStore(t, map[int][]string{0: {"a", "b"}, 1: {"c"}})
	out := t.TempDir()
	m := New(st, Options{ModelInfo: "m"})

	if _, err := m.MergeTo(context.Background(), 2, out); err != nil {
		t.Fatalf("MergeTo failed: %v", err)
	}
	first := readFiles(t, out)
	if _, err := m.MergeTo(context.Background(), 2, out); err != nil {
		t.Fatalf("second MergeTo failed: %v", err)
	}
	second := readFiles(t, out)
	for name := range first {
		if !bytes.Equal(first[name], second[name]) {
			t.Errorf("%s changed between merges", name)
		}
	}

	ds, err := photosearch.LoadDataset(out)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 3 || ds.IDs[2] != "c" {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
}

func readFiles(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, name := range []string{photosearch.VectorsFile, photosearch.IDsFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		out[name] = data
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Strict, false},
		{"strict", Strict, false},
		{"prefix", Prefix, false},
		{"lenient", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestMerge_RowCountMustMatchBatchSize(t *testing.T) {
	tests := []struct {
		name    string
		batches map[int][]string
		size    int
		count   int
		wantErr bool
	}{
		{"full batches and short tail", map[int][]string{0: {"a", "b"}, 1: {"c"}}, 2, 2, false},
		{"short middle batch", map[int][]string{0: {"a"}, 1: {"b", "c"}}, 2, 2, true},
		{"oversized tail", map[int][]string{0: {"a"}, 1: {"b", "c"}}, 1, 2, true},
		{"unchecked without batch size", map[int][]string{0: {"a"}, 1: {"b", "c"}}, 0, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t, tt.batches)
			_, err := New(st, Options{BatchSize: tt.size}).Merge(context.Background(), tt.count)
			if tt.wantErr && !errors.Is(err, checkpoint.ErrCorruptCheckpoint) {
				t.Fatalf("expected ErrCorruptCheckpoint, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
		})
	}
}
