// Package report records the outcome of one pipeline run as JSON.
package report

import (
	"fmt"
	"os"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/fxnlabs/embedding-lookup/internal/verify"
)

// Mismatch is the first element where output and reference differ
type Mismatch struct {
	Index    int   `json:"index"`
	Actual   int32 `json:"actual"`
	Expected int32 `json:"expected"`
}

type Report struct {
	RunID         string                 `json:"runId"`
	Timestamp     time.Time              `json:"timestamp"`
	Backend       string                 `json:"backend"`
	Platform      string                 `json:"platform"`
	Device        accel.DeviceInfo       `json:"device"`
	WallMs        float64                `json:"wallMs"`
	KernelMs      float64                `json:"kernelMs"`
	Pass          bool                   `json:"pass"`
	Mismatches    int                    `json:"mismatches"`
	FirstMismatch *Mismatch              `json:"firstMismatch,omitempty"`
	Indices       embedding.IndexBatch   `json:"indices"`
	Output        embedding.OutputVector `json:"output"`
	Expected      embedding.OutputVector `json:"expected"`
}

// New starts a report with a fresh run id.
func New(backend string, platform accel.PlatformInfo, device accel.DeviceInfo) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Backend:   backend,
		Platform:  platform.Name,
		Device:    device,
	}
}

// SetOutcome records timings, vectors and the verification result.
func (r *Report) SetOutcome(wall, kernel time.Duration, output, expected embedding.OutputVector, v verify.Result) {
	r.WallMs = float64(wall) / float64(time.Millisecond)
	r.KernelMs = float64(kernel) / float64(time.Millisecond)
	r.Output = output
	r.Expected = expected
	r.Pass = v.Pass
	r.Mismatches = v.Mismatches
	r.FirstMismatch = nil
	if !v.Pass && !v.LengthMismatch() {
		r.FirstMismatch = &Mismatch{Index: v.Index, Actual: v.Actual, Expected: v.Expected}
	}
}

// Marshal encodes the report as indented JSON.
func (r *Report) Marshal() ([]byte, error) {
	return gojson.MarshalIndent(r, "", "  ")
}

// Write writes the report to path.
func (r *Report) Write(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Read loads a report written by Write.
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := gojson.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
