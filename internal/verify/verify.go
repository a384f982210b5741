package verify

import (
	"fmt"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
)

// Result is the outcome of comparing accelerator output with the reference.
// When Pass is false, Index, Actual and Expected describe the first mismatch.
type Result struct {
	Pass       bool
	Index      int
	Actual     int32
	Expected   int32
	Mismatches int

	ActualLen   int
	ExpectedLen int
}

// Verify compares actual against expected element by element. The first
// differing element is reported; the remaining ones are only counted. Vectors
// of different lengths never pass, and the first missing element counts as a
// mismatch if nothing differed before it.
func Verify(actual, expected embedding.OutputVector) Result {
	res := Result{
		Pass:        true,
		Index:       -1,
		ActualLen:   len(actual),
		ExpectedLen: len(expected),
	}

	n := min(len(actual), len(expected))
	for i := range n {
		if actual[i] == expected[i] {
			continue
		}
		if res.Pass {
			res.Pass = false
			res.Index = i
			res.Actual = actual[i]
			res.Expected = expected[i]
		}
		res.Mismatches++
	}

	if len(actual) != len(expected) {
		if res.Pass {
			res.Pass = false
			res.Index = n
		}
		res.Mismatches += max(len(actual), len(expected)) - n
	}
	return res
}

// LengthMismatch reports whether the compared vectors differed in length.
func (r Result) LengthMismatch() bool {
	return r.ActualLen != r.ExpectedLen
}

// String renders the verdict.
func (r Result) String() string {
	if r.Pass {
		return "PASS"
	}
	return "FAIL"
}

// Detail describes the first mismatch, or is empty for a passing result.
func (r Result) Detail() string {
	if r.Pass {
		return ""
	}
	if r.Index >= min(r.ActualLen, r.ExpectedLen) {
		return fmt.Sprintf("Failed verification: output has %d elements, reference has %d", r.ActualLen, r.ExpectedLen)
	}
	return fmt.Sprintf("Failed verification @ index %d\nOutput: %d\nReference: %d", r.Index, r.Actual, r.Expected)
}
