// Package reference computes the expected embedding lookup output on the host.
// It shares only the table layout with the accelerator path.
package reference

import (
	"fmt"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"gonum.org/v1/gonum/mat"
)

// Compute sums, for every batch item, all elements of the row it selects in
// each sub-table.
func Compute(l embedding.Layout, table embedding.Table, batch embedding.IndexBatch) (embedding.OutputVector, error) {
	if len(table) != l.BankSize {
		return nil, fmt.Errorf("table size mismatch: expected %d, got %d", l.BankSize, len(table))
	}
	if err := batch.Validate(l); err != nil {
		return nil, err
	}

	out := make(embedding.OutputVector, len(batch))
	for item, idx := range batch {
		var result int32
		for k := range embedding.NumTables {
			row, err := l.Row(table, k, int(idx))
			if err != nil {
				return nil, fmt.Errorf("batch item %d: %w", item, err)
			}
			for _, v := range row {
				result += v
			}
		}
		out[item] = result
	}
	return out, nil
}

// ComputeDense produces the same result as Compute through a different route:
// each sub-table is viewed as a Rows x DataSize matrix and multiplied by a
// ones vector to obtain per-row sums, which are then gathered per item.
func ComputeDense(l embedding.Layout, table embedding.Table, batch embedding.IndexBatch) (embedding.OutputVector, error) {
	if len(table) != l.BankSize {
		return nil, fmt.Errorf("table size mismatch: expected %d, got %d", l.BankSize, len(table))
	}
	if err := batch.Validate(l); err != nil {
		return nil, err
	}

	rowSums := make([]*mat.VecDense, embedding.NumTables)
	for k := range embedding.NumTables {
		start, end := l.Region(k)
		data := make([]float64, end-start)
		for i, v := range table[start:end] {
			data[i] = float64(v)
		}
		sub := mat.NewDense(l.Rows, l.DataSize[k], data)

		ones := make([]float64, l.DataSize[k])
		for i := range ones {
			ones[i] = 1
		}

		var sums mat.VecDense
		sums.MulVec(sub, mat.NewVecDense(len(ones), ones))
		rowSums[k] = &sums
	}

	out := make(embedding.OutputVector, len(batch))
	for item, idx := range batch {
		var result float64
		for k := range embedding.NumTables {
			result += rowSums[k].AtVec(int(idx))
		}
		out[item] = int32(result)
	}
	return out, nil
}
