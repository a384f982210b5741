// Package pipeline drives one embedding lookup through the accelerator:
// upload, lookup, reduction and download, ordered only by completion events.
package pipeline

import (
	"fmt"
	"time"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/fxnlabs/embedding-lookup/internal/metrics"
	"github.com/fxnlabs/embedding-lookup/internal/session"
	"github.com/fxnlabs/embedding-lookup/internal/verify"
	"go.uber.org/zap"
)

// Stage names in dispatch order
const (
	StageUpload    = "upload"
	StageLookup    = "lookup"
	StageReduction = "reduction"
	StageDownload  = "download"
)

// Result of one pipeline run
type Result struct {
	Output embedding.OutputVector
	// Wall is host time from the first enqueue to the completed download
	Wall time.Duration
	// Kernel is the device execution time of the lookup kernel
	Kernel time.Duration
	// Stages lists the dispatched stages in order
	Stages []string
}

// Orchestrator runs the lookup pipeline on an open session.
type Orchestrator struct {
	logger *zap.Logger
}

// New creates an Orchestrator
func New(logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{logger: logger}
}

// Run copies table into the session's host buffer and executes
//
//	upload -> lookup
//	upload -> reduction -> download
//
// The reduction waits only for the upload; it drains the lookup's on-device
// channel itself. The host blocks once, on the download. Run may be called
// repeatedly on the same session.
//
// If Run fails after the first command was enqueued, it waits for every
// dispatched command to finish and faults the session: a lookup without its
// reduction leaves partial sums on the device that a later run would consume.
// Later calls then fail with session.ErrFaulted.
func (o *Orchestrator) Run(s *session.AcceleratorSession, table embedding.Table) (_ *Result, err error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(table) != s.Layout.BankSize {
		return nil, fmt.Errorf("table holds %d elements, layout needs %d", len(table), s.Layout.BankSize)
	}
	host := s.HostTable.Int32s()
	copy(host, table)

	g := &Graph{}
	upload := g.Add(StageUpload)
	lookup := g.Add(StageLookup, upload)
	reduction := g.Add(StageReduction, upload)
	download := g.Add(StageDownload, reduction)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	defer g.Release()
	defer func() {
		if err != nil && upload.Event != nil {
			g.Settle()
			s.Fault(err)
		}
	}()

	start := time.Now()

	wait, err := upload.WaitList()
	if err != nil {
		return nil, err
	}
	if upload.Event, err = s.Memory.Upload(s.LookupQueue, s.Input, host, wait...); err != nil {
		return nil, err
	}

	if err := s.LookupKernel.SetArg(0, s.Input); err != nil {
		return nil, fmt.Errorf("set lookup kernel arg: %w", err)
	}
	if lookup.Event, err = o.dispatch(s.LookupQueue, s.LookupKernel, lookup); err != nil {
		return nil, err
	}

	if err := s.ReductionKernel.SetArg(0, s.Output); err != nil {
		return nil, fmt.Errorf("set reduction kernel arg: %w", err)
	}
	if reduction.Event, err = o.dispatch(s.ReductionQueue, s.ReductionKernel, reduction); err != nil {
		return nil, err
	}

	if wait, err = download.WaitList(); err != nil {
		return nil, err
	}
	out := s.HostOutput.Int32s()
	if download.Event, err = s.Memory.Download(s.ReductionQueue, s.Output, out, wait...); err != nil {
		return nil, err
	}

	if err := download.Event.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	wall := time.Since(start)

	kernel, err := o.kernelTime(lookup.Event)
	if err != nil {
		return nil, fmt.Errorf("lookup kernel: %w", err)
	}

	res := &Result{
		Output: append(embedding.OutputVector(nil), out...),
		Wall:   wall,
		Kernel: kernel,
	}
	for _, st := range g.Stages() {
		res.Stages = append(res.Stages, st.Name)
	}

	metrics.PipelineWallDuration.Observe(milliseconds(wall))
	metrics.PipelineKernelDuration.Observe(milliseconds(kernel))
	o.logger.Debug("Pipeline run complete",
		zap.Duration("wall", wall),
		zap.Duration("kernel", kernel))
	return res, nil
}

func (o *Orchestrator) dispatch(q accel.Queue, k accel.Kernel, st *Stage) (accel.Event, error) {
	wait, err := st.WaitList()
	if err != nil {
		return nil, err
	}
	// Single work-item kernels
	ev, err := q.EnqueueNDRange(k, 1, 1, wait...)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", st.Name, err)
	}
	o.logger.Debug("Kernel dispatched", zap.String("stage", st.Name), zap.String("kernel", k.Name()))
	return ev, nil
}

// kernelTime reads the lookup's device timestamps without blocking. The
// lookup has produced every partial once the download completes, but its
// event may not have been retired yet; the kernel time is then reported as
// zero.
func (o *Orchestrator) kernelTime(ev accel.Event) (time.Duration, error) {
	select {
	case <-ev.Done():
		return accel.Duration(ev)
	default:
		o.logger.Debug("Lookup profile not available yet, reporting zero kernel time")
		return 0, nil
	}
}

// Check verifies a run against the reference output and counts the outcome.
func (o *Orchestrator) Check(res *Result, expected embedding.OutputVector) verify.Result {
	v := verify.Verify(res.Output, expected)
	label := metrics.ResultPass
	if !v.Pass {
		label = metrics.ResultFail
		o.logger.Warn("Verification failed",
			zap.Int("index", v.Index),
			zap.Int32("actual", v.Actual),
			zap.Int32("expected", v.Expected),
			zap.Int("mismatches", v.Mismatches))
	}
	metrics.PipelineVerifications.WithLabelValues(label).Inc()
	return v
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
