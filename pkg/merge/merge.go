// Package merge concatenates completed checkpoints into one dataset.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/perbu/photosearch/pkg/checkpoint"
	"github.com/perbu/photosearch/pkg/observability"
	"github.com/perbu/photosearch/pkg/photosearch"
)

// Policy decides what to do when not every expected batch is checkpointed.
type Policy string

const (
	// Strict refuses to merge unless exactly batches 0..n-1 are complete.
	Strict Policy = "strict"
	// Prefix merges the longest run of complete batches starting at 0.
	Prefix Policy = "prefix"
)

// ParsePolicy maps a configuration value to a Policy. Empty means Strict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case Strict, "":
		return Strict, nil
	case Prefix:
		return Prefix, nil
	default:
		return "", fmt.Errorf("unknown merge policy: %s", s)
	}
}

// ErrIncompleteDataset is returned when the completed checkpoints do not
// cover the batches a merge expects.
var ErrIncompleteDataset = errors.New("incomplete dataset")

// IncompleteDatasetError lists what is missing or unexpected.
type IncompleteDatasetError struct {
	Expected   int   // Number of batches the merge expected
	Missing    []int // Expected batches without a checkpoint
	Unexpected []int // Checkpoints outside 0..Expected-1
}

func (e *IncompleteDatasetError) Error() string {
	return fmt.Sprintf("incomplete dataset: %d of %d batches missing %v, unexpected %v",
		len(e.Missing), e.Expected, e.Missing, e.Unexpected)
}

// Is reports ErrIncompleteDataset as the sentinel for this error.
func (e *IncompleteDatasetError) Is(target error) bool { return target == ErrIncompleteDataset }

// Options configures a Merger.
type Options struct {
	Policy    Policy
	ModelInfo string // Recorded in the merged dataset
	Dimension int    // Used for an empty merge; otherwise taken from the checkpoints
	BatchSize int // When set, each checkpoint's row count is checked against it
	Logger    *slog.Logger
}

// Merger reads checkpoints from a store in ascending batch order.
type Merger struct {
	store checkpoint.Store
	opts  Options
}

// New creates a Merger over store.
func New(store checkpoint.Store, opts Options) *Merger {
	if opts.Policy == "" {
		opts.Policy = Strict
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Merger{store: store, opts: opts}
}

// Result is a merged dataset plus the batches left out of it.
type Result struct {
	Dataset *photosearch.Dataset
	Merged  []int
	Skipped []int // Complete or expected batches not included (Prefix only)
}

// Merge concatenates the checkpoints of batches 0..batchCount-1.
func (m *Merger) Merge(ctx context.Context, batchCount int) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "merge.Merge")
	defer span.End()

	res, err := m.merge(ctx, batchCount)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("merge.batches", len(res.Merged)),
		attribute.Int("merge.skipped", len(res.Skipped)),
		attribute.Int("merge.rows", res.Dataset.Len()),
	)
	return res, nil
}

func (m *Merger) merge(ctx context.Context, batchCount int) (*Result, error) {
	completed, err := m.store.ListCompleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	toMerge, skipped, err := m.selectBatches(completed, batchCount)
	if err != nil {
		return nil, err
	}

	ds := &photosearch.Dataset{
		ModelInfo:  m.opts.ModelInfo,
		Dimension:  m.opts.Dimension,
		BatchSize:  m.opts.BatchSize,
		BatchCount: len(toMerge),
	}
	dim := -1
	for _, idx := range toMerge {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors, ids, err := m.store.Read(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("reading batch %d: %w", idx, err)
		}
		if err := m.checkRows(idx, len(vectors), batchCount); err != nil {
			return nil, err
		}
		for _, v := range vectors {
			if dim < 0 {
				dim = len(v)
			}
			if len(v) != dim {
				return nil, fmt.Errorf("batch %d has dimension %d, want %d: %w",
					idx, len(v), dim, checkpoint.ErrCorruptCheckpoint)
			}
		}
		ds.Vectors = append(ds.Vectors, vectors...)
		ds.IDs = append(ds.IDs, ids...)
	}
	if dim >= 0 {
		ds.Dimension = dim
	}

	if len(skipped) > 0 {
		m.opts.Logger.Warn("merged a partial dataset", "merged", len(toMerge), "skipped", skipped)
	}
	m.opts.Logger.Info("merged checkpoints", "batches", len(toMerge), "rows", ds.Len(), "dimension", ds.Dimension)
	return &Result{Dataset: ds, Merged: toMerge, Skipped: skipped}, nil
}

// checkRows rejects a checkpoint whose size does not fit the planned batch,
// as happens when batch_size changed between runs. Every batch but the
// last holds exactly BatchSize rows; the last holds at most BatchSize.
func (m *Merger) checkRows(idx, rows, batchCount int) error {
	size := m.opts.BatchSize
	if size <= 0 {
		return nil
	}
	if rows > size || (idx < batchCount-1 && rows != size) {
		return &checkpoint.CorruptCheckpointError{
			Batch:  idx,
			Reason: fmt.Sprintf("%d rows, want %d for batch_size %d (delete the checkpoints or use a fresh features_path)", rows, size, size),
		}
	}
	return nil
}

func (m *Merger) selectBatches(completed []int, batchCount int) ([]int, []int, error) {
	done := make(map[int]bool, len(completed))
	var unexpected []int
	for _, idx := range completed {
		if idx < 0 || idx >= batchCount {
			unexpected = append(unexpected, idx)
			continue
		}
		done[idx] = true
	}
	var missing []int
	for i := 0; i < batchCount; i++ {
		if !done[i] {
			missing = append(missing, i)
		}
	}

	switch m.opts.Policy {
	case Prefix:
		prefix := 0
		for prefix < batchCount && done[prefix] {
			prefix++
		}
		if prefix == 0 && batchCount > 0 {
			return nil, nil, &IncompleteDatasetError{Expected: batchCount, Missing: missing, Unexpected: unexpected}
		}
		toMerge := make([]int, prefix)
		for i := range toMerge {
			toMerge[i] = i
		}
		var skipped []int
		for i := prefix; i < batchCount; i++ {
			if done[i] {
				skipped = append(skipped, i)
			}
		}
		skipped = append(skipped, unexpected...)
		return toMerge, skipped, nil
	default:
		if len(missing) > 0 || len(unexpected) > 0 {
			return nil, nil, &IncompleteDatasetError{Expected: batchCount, Missing: missing, Unexpected: unexpected}
		}
		return completed, nil, nil
	}
}

// MergeTo merges and writes the dataset into dir, replacing any earlier merge.
func (m *Merger) MergeTo(ctx context.Context, batchCount int, dir string) (*Result, error) {
	res, err := m.Merge(ctx, batchCount)
	if err != nil {
		return nil, err
	}
	if err := photosearch.SaveDataset(dir, res.Dataset); err != nil {
		return nil, fmt.Errorf("saving merged dataset: %w", err)
	}
	return res, nil
}
