// Package kernels provides the embedded accelerator kernel sources
package kernels

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
)

// EmbeddingLookupOKL contains the OKL source of the embedding_lookup and
// reduction_sum kernels
//
//go:embed embedding_lookup.okl
var EmbeddingLookupOKL string

// Preamble returns the #define block binding the kernel source to a layout
func Preamble(l embedding.Layout) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#define BATCH_SIZE %d\n", l.BatchSize)
	fmt.Fprintf(&sb, "#define NUM_TABLES %d\n", embedding.NumTables)
	for k := range embedding.NumTables {
		fmt.Fprintf(&sb, "#define DATA_SIZE_%d %d\n", k, l.DataSize[k])
		fmt.Fprintf(&sb, "#define ADDR_START_TABLE_%d %d\n", k, l.AddrStart[k])
	}
	return sb.String()
}

// EmbeddingLookupSource returns the kernel source specialised for layout
func EmbeddingLookupSource(l embedding.Layout) string {
	return Preamble(l) + "\n" + EmbeddingLookupOKL
}
