// Package batch partitions an ordered item list into fixed-size batches.
package batch

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned when the configured batch size is not positive.
var ErrInvalidSize = errors.New("batch size must be positive")

// Batch is a contiguous range [Start, End) of the item list.
type Batch struct {
	Index int
	Start int
	End   int
}

// Len returns the number of items in the batch.
func (b Batch) Len() int { return b.End - b.Start }

// Count returns ceil(n/size), the number of batches Plan produces.
func Count(n, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative item count %d", n)
	}
	return (n + size - 1) / size, nil
}

// Plan splits n items into batches of at most size items. Batch i covers
// items [i*size, min((i+1)*size, n)); only the last batch may be smaller.
func Plan(n, size int) ([]Batch, error) {
	count, err := Count(n, size)
	if err != nil {
		return nil, err
	}
	batches := make([]Batch, count)
	for i := range batches {
		batches[i] = Batch{
			Index: i,
			Start: i * size,
			End:   min((i+1)*size, n),
		}
	}
	return batches, nil
}

// Slice returns the items covered by b.
func Slice[T any](items []T, b Batch) []T {
	return items[b.Start:b.End]
}
