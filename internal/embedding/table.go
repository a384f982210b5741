package embedding

import (
	"fmt"
	"math/rand"
)

// Table is the flat embedding table holding every sub-table.
type Table []int32

// IndexBatch selects one row per batch item; the same row index is used in
// every sub-table.
type IndexBatch []int32

// OutputVector holds one reduced scalar per batch item.
type OutputVector []int32

// DefaultIndices is the access pattern compiled into the accelerator binary.
var DefaultIndices = IndexBatch{
	3, 99, 38, 72, 29, 57, 1, 72, 36, 76, 35, 50, 37, 57,
	13, 66, 26, 70, 41, 93, 48, 82, 44, 78, 25, 52, 3, 92, 36, 56, 46, 88,
}

// Validate checks the batch length and that every index addresses a row.
func (b IndexBatch) Validate(l Layout) error {
	if len(b) != l.BatchSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBatchSize, len(b), l.BatchSize)
	}
	for item, idx := range b {
		if idx < 0 || int(idx) >= l.Rows {
			return fmt.Errorf("batch item %d: %w: %d not in [0, %d)", item, ErrRowOutOfRange, idx, l.Rows)
		}
	}
	return nil
}

// Clone returns a copy of the batch.
func (b IndexBatch) Clone() IndexBatch {
	return append(IndexBatch(nil), b...)
}

// RandomTable fills a table with values in [-7, 7] drawn from a source seeded
// with seed, so equal seeds produce equal tables.
func RandomTable(l Layout, seed int64) Table {
	rng := rand.New(rand.NewSource(seed))
	t := make(Table, l.BankSize)
	for i := range t {
		t[i] = int32(rng.Intn(15) - 7)
	}
	return t
}

// FillTable returns a table with every element set to v.
func FillTable(l Layout, v int32) Table {
	t := make(Table, l.BankSize)
	for i := range t {
		t[i] = v
	}
	return t
}
