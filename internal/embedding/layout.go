package embedding

import (
	"errors"
	"fmt"
)

// NumTables is the number of sub-tables packed into the flat embedding table.
const NumTables = 3

// Fixed table layout compiled into the accelerator binary.
const (
	DataSize0 = 4
	DataSize1 = 8
	DataSize2 = 16

	RowsPerTable = 100

	AddrStartTable0 = 0
	AddrStartTable1 = AddrStartTable0 + RowsPerTable*DataSize0
	AddrStartTable2 = AddrStartTable1 + RowsPerTable*DataSize1

	BankSize  = AddrStartTable2 + RowsPerTable*DataSize2
	BatchSize = 32
)

var (
	ErrRowOutOfRange   = errors.New("row index out of range")
	ErrTableOutOfRange = errors.New("sub-table out of range")
	ErrBatchSize       = errors.New("index batch has wrong length")
)

// Layout describes how sub-tables are packed into the flat table and how many
// items a batch carries. A Layout is immutable once built.
type Layout struct {
	DataSize  [NumTables]int
	AddrStart [NumTables]int
	Rows      int
	BankSize  int
	BatchSize int
}

// DefaultLayout is the layout the accelerator binary implements.
var DefaultLayout = Layout{
	DataSize:  [NumTables]int{DataSize0, DataSize1, DataSize2},
	AddrStart: [NumTables]int{AddrStartTable0, AddrStartTable1, AddrStartTable2},
	Rows:      RowsPerTable,
	BankSize:  BankSize,
	BatchSize: BatchSize,
}

// NewLayout packs sub-tables back to back in order, each with rows rows of
// dataSize[k] elements.
func NewLayout(dataSize [NumTables]int, rows, batchSize int) (Layout, error) {
	l := Layout{DataSize: dataSize, Rows: rows, BatchSize: batchSize}
	offset := 0
	for k := range NumTables {
		l.AddrStart[k] = offset
		offset += rows * dataSize[k]
	}
	l.BankSize = offset
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate checks that every sub-table region lies inside the bank and that no
// two regions overlap.
func (l Layout) Validate() error {
	if l.Rows <= 0 {
		return fmt.Errorf("invalid layout: rows must be positive, got %d", l.Rows)
	}
	if l.BatchSize <= 0 {
		return fmt.Errorf("invalid layout: batch size must be positive, got %d", l.BatchSize)
	}
	for k := range NumTables {
		if l.DataSize[k] <= 0 {
			return fmt.Errorf("invalid layout: sub-table %d has data size %d", k, l.DataSize[k])
		}
		start, end := l.Region(k)
		if start < 0 || end > l.BankSize {
			return fmt.Errorf("invalid layout: sub-table %d region [%d, %d) outside bank of %d", k, start, end, l.BankSize)
		}
		for j := range k {
			os, oe := l.Region(j)
			if start < oe && os < end {
				return fmt.Errorf("invalid layout: sub-tables %d and %d overlap", j, k)
			}
		}
	}
	return nil
}

// Region returns the half-open element range [start, end) of sub-table k.
func (l Layout) Region(k int) (start, end int) {
	start = l.AddrStart[k]
	return start, start + l.Rows*l.DataSize[k]
}

// RowSpan returns the half-open element range of row idx of sub-table k.
func (l Layout) RowSpan(k, idx int) (start, end int, err error) {
	if k < 0 || k >= NumTables {
		return 0, 0, fmt.Errorf("%w: %d", ErrTableOutOfRange, k)
	}
	if idx < 0 || idx >= l.Rows {
		return 0, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrRowOutOfRange, idx, l.Rows)
	}
	start = l.AddrStart[k] + idx*l.DataSize[k]
	return start, start + l.DataSize[k], nil
}

// Row returns the elements of row idx of sub-table k. The returned slice
// aliases table and is capped so it cannot be grown into the next row.
func (l Layout) Row(table Table, k, idx int) ([]int32, error) {
	start, end, err := l.RowSpan(k, idx)
	if err != nil {
		return nil, err
	}
	if end > len(table) {
		return nil, fmt.Errorf("table has %d elements, row ends at %d", len(table), end)
	}
	return table[start:end:end], nil
}

// RowElements is the number of elements one batch item gathers across all
// sub-tables.
func (l Layout) RowElements() int {
	n := 0
	for _, size := range l.DataSize {
		n += size
	}
	return n
}
