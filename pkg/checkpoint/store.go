// Package checkpoint persists the embeddings of each completed batch so an
// interrupted run can resume without recomputing finished work.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
)

// ErrCorruptCheckpoint is returned when a stored checkpoint's vector and id
// counts disagree, or its contents cannot be decoded.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// CorruptCheckpointError describes which checkpoint is damaged.
type CorruptCheckpointError struct {
	Batch   int
	Vectors int
	IDs     int
	Reason  string
}

func (e *CorruptCheckpointError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("corrupt checkpoint for batch %d: %s", e.Batch, e.Reason)
	}
	return fmt.Sprintf("corrupt checkpoint for batch %d: %d vectors, %d ids", e.Batch, e.Vectors, e.IDs)
}

// Is reports ErrCorruptCheckpoint as the sentinel for this error.
func (e *CorruptCheckpointError) Is(target error) bool { return target == ErrCorruptCheckpoint }

// Store persists one (vector block, id list) pair per batch index.
// A written checkpoint is never modified by the pipeline.
type Store interface {
	// Exists reports whether both artifacts of the batch are present and
	// individually well-formed.
	Exists(ctx context.Context, batch int) (bool, error)

	// Write persists the batch with all-or-nothing visibility.
	Write(ctx context.Context, batch int, vectors [][]float32, ids []string) error

	// Read loads a checkpoint. It fails with ErrCorruptCheckpoint when the
	// vector and id counts disagree.
	Read(ctx context.Context, batch int) ([][]float32, []string, error)

	// ListCompleted returns the indices of all complete checkpoints, ascending.
	ListCompleted(ctx context.Context) ([]int, error)

	// Delete removes a checkpoint so the next run recomputes it.
	Delete(ctx context.Context, batch int) error

	Close() error
}

// Store kinds accepted by Open.
const (
	KindFiles  = "files"
	KindSQLite = "sqlite"
)

// Options selects and configures a Store implementation.
type Options struct {
	Kind string
	Dir  string // Directory for KindFiles
	DSN  string // Database path for KindSQLite
}

// Open builds the Store selected by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindFiles, "":
		return NewFileStore(opts.Dir)
	case KindSQLite:
		return OpenSQLiteStore(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown checkpoint store: %s", opts.Kind)
	}
}

func validate(batch int, vectors [][]float32, ids []string) error {
	if batch < 0 {
		return fmt.Errorf("negative batch index %d", batch)
	}
	if len(vectors) != len(ids) {
		return fmt.Errorf("batch %d: %d vectors but %d ids", batch, len(vectors), len(ids))
	}
	if len(ids) == 0 {
		return fmt.Errorf("batch %d: empty checkpoint", batch)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim || dim == 0 {
			return fmt.Errorf("batch %d: row %d has dimension %d, want %d", batch, i, len(v), dim)
		}
	}
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("batch %d: empty id at row %d", batch, i)
		}
	}
	return nil
}
