package accel

import (
	"fmt"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
)

// Names of the embedding lookup kernel set.
const (
	EmbeddingLookupBinaryName = "embedding_lookup"
	LookupKernelName          = "embedding_lookup"
	ReductionKernelName       = "reduction_sum"
)

// Access is how a kernel touches one of its buffer arguments.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

// KernelSpec describes one single work-item kernel of an emulated binary.
// Run receives the device memory of each argument, in argument order.
type KernelSpec struct {
	Args []Access
	Run  func(args [][]int32) error
}

// Binary is a precompiled kernel set the emulated device can load. Load is
// called once per program and returns kernels sharing that program's on-device
// state. abort is closed when any kernel of the program fails; kernels that
// block on each other must give up with ErrProgramAborted once it is closed.
//
// Layout is the embedding layout compiled into the kernels, zero when the
// binary does not declare one.
type Binary struct {
	Name   string
	Layout embedding.Layout
	Load   func(abort <-chan struct{}) map[string]KernelSpec
}

// EmbeddingLookupBinary builds the two-stage lookup kernel set for layout with
// the access pattern indices compiled in.
//
// The lookup kernel reads the table (arg 0) and pushes, per batch item, one
// partial sum per sub-table into an on-chip channel. The reduction kernel
// (arg 0: output) pops the partials and writes one scalar per item, blocking
// until the lookup has produced them or the program aborts.
func EmbeddingLookupBinary(l embedding.Layout, indices embedding.IndexBatch) (Binary, error) {
	if err := l.Validate(); err != nil {
		return Binary{}, err
	}
	if err := indices.Validate(l); err != nil {
		return Binary{}, err
	}
	indices = indices.Clone()

	load := func(abort <-chan struct{}) map[string]KernelSpec {
		channel := make(chan [embedding.NumTables]int32, l.BatchSize)

		lookup := KernelSpec{
			Args: []Access{AccessRead},
			Run: func(args [][]int32) error {
				table := args[0]
				if len(table) < l.BankSize {
					return fmt.Errorf("table buffer holds %d elements, layout needs %d", len(table), l.BankSize)
				}
				for _, idx := range indices {
					var partial [embedding.NumTables]int32
					for k := range embedding.NumTables {
						base := l.AddrStart[k] + int(idx)*l.DataSize[k]
						for count := range l.DataSize[k] {
							partial[k] += table[base+count]
						}
					}
					select {
					case channel <- partial:
					case <-abort:
						return ErrProgramAborted
					}
				}
				return nil
			},
		}

		reduction := KernelSpec{
			Args: []Access{AccessWrite},
			Run: func(args [][]int32) error {
				out := args[0]
				if len(out) < l.BatchSize {
					return fmt.Errorf("output buffer holds %d elements, batch needs %d", len(out), l.BatchSize)
				}
				for item := range l.BatchSize {
					var partial [embedding.NumTables]int32
					select {
					case <-abort:
						return ErrProgramAborted
					default:
					}
					select {
					case partial = <-channel:
					case <-abort:
						return ErrProgramAborted
					}
					var result int32
					for _, v := range partial {
						result += v
					}
					out[item] = result
				}
				return nil
			},
		}

		return map[string]KernelSpec{
			LookupKernelName:    lookup,
			ReductionKernelName: reduction,
		}
	}

	return Binary{Name: EmbeddingLookupBinaryName, Layout: l, Load: load}, nil
}
