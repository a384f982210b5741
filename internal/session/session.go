// Package session acquires every accelerator resource the lookup pipeline
// needs and releases them again, exactly once, on every path.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/fxnlabs/embedding-lookup/internal/memory"
	"go.uber.org/zap"
)

var (
	// ErrLayoutMismatch is returned by Open when the loaded binary was built
	// for a different layout than the session's.
	ErrLayoutMismatch = errors.New("binary layout does not match session layout")
	// ErrFaulted is returned by Err once a run has left device state behind.
	ErrFaulted = errors.New("session faulted")
)

// AcquireError reports which resource could not be acquired while opening a
// session.
type AcquireError struct {
	Resource string
	Err      error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// DeviceCountError is returned when the platform does not expose exactly one
// device.
type DeviceCountError struct {
	Count int
}

func (e *DeviceCountError) Error() string {
	return fmt.Sprintf("expected exactly one accelerator device, found %d", e.Count)
}

// Options configure Open
type Options struct {
	// Layout of the table the loaded binary implements; DefaultLayout if zero
	Layout embedding.Layout
	// Binary is the kernel set to load; accel.EmbeddingLookupBinaryName if empty
	Binary string
	Logger *zap.Logger
	Memory *memory.Manager
}

// AcceleratorSession exclusively owns the device resources of one pipeline.
// Fields are valid between a successful Open and Close.
type AcceleratorSession struct {
	Platform    accel.PlatformInfo
	Device      accel.DeviceInfo
	DeviceCount int
	Layout      embedding.Layout

	Context         accel.Context
	Program         accel.Program
	LookupQueue     accel.Queue
	ReductionQueue  accel.Queue
	LookupKernel    accel.Kernel
	ReductionKernel accel.Kernel
	Input           accel.Buffer
	Output          accel.Buffer
	HostTable       *memory.HostBuffer
	HostOutput      *memory.HostBuffer

	Memory *memory.Manager

	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error

	faultMu sync.Mutex
	fault   error
}

// Open provisions the platform's single device and acquires, in dependency
// order, the context, program, both queues, both kernels, the device buffers
// and the host buffers. On failure everything acquired so far is released
// and an *AcquireError naming the failed resource is returned.
func Open(backend accel.Backend, opts Options) (*AcceleratorSession, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewManager(opts.Logger)
	}
	if opts.Layout.BankSize == 0 {
		opts.Layout = embedding.DefaultLayout
	}
	if opts.Binary == "" {
		opts.Binary = accel.EmbeddingLookupBinaryName
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, &AcquireError{Resource: "layout", Err: err}
	}

	s := &AcceleratorSession{
		Layout: opts.Layout,
		Memory: opts.Memory,
		logger: opts.Logger,
	}
	if err := s.acquire(backend, opts.Binary); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.logger.Warn("Teardown after failed acquisition", zap.Error(cerr))
		}
		return nil, err
	}
	s.logger.Info("Accelerator session open",
		zap.String("platform", s.Platform.Name),
		zap.String("device", s.Device.Name),
		zap.String("binary", opts.Binary))
	return s, nil
}

func (s *AcceleratorSession) acquire(backend accel.Backend, binary string) error {
	fail := func(resource string, err error) error {
		s.logger.Error("Failed to acquire accelerator resource", zap.String("resource", resource), zap.Error(err))
		return &AcquireError{Resource: resource, Err: err}
	}
	var err error

	if s.Platform, err = backend.Platform(); err != nil {
		return fail("platform", err)
	}
	devices, err := backend.Devices()
	if err != nil {
		return fail("devices", err)
	}
	s.DeviceCount = len(devices)
	if len(devices) != 1 {
		return fail("devices", &DeviceCountError{Count: len(devices)})
	}
	s.Device = devices[0]

	if s.Context, err = backend.CreateContext(s.Device); err != nil {
		return fail("context", err)
	}
	if s.Program, err = s.Context.LoadProgram(binary); err != nil {
		return fail("program", err)
	}
	if l, ok := s.Program.Layout(); ok && l != s.Layout {
		return fail("program", fmt.Errorf("%w: binary %s has bank size %d and batch size %d, session has %d and %d",
			ErrLayoutMismatch, binary, l.BankSize, l.BatchSize, s.Layout.BankSize, s.Layout.BatchSize))
	}
	if s.LookupQueue, err = s.Context.CreateQueue(accel.QueueOptions{Profiling: true}); err != nil {
		return fail("lookup queue", err)
	}
	if s.ReductionQueue, err = s.Context.CreateQueue(accel.QueueOptions{Profiling: true}); err != nil {
		return fail("reduction queue", err)
	}
	if s.LookupKernel, err = s.Program.CreateKernel(accel.LookupKernelName); err != nil {
		return fail("lookup kernel", err)
	}
	if s.ReductionKernel, err = s.Program.CreateKernel(accel.ReductionKernelName); err != nil {
		return fail("reduction kernel", err)
	}
	if s.Input, err = s.Memory.CreateInputBuffer(s.Context, s.Layout.BankSize); err != nil {
		return fail("input buffer", err)
	}
	if s.Output, err = s.Memory.CreateOutputBuffer(s.Context, s.Layout.BatchSize); err != nil {
		return fail("output buffer", err)
	}
	if s.HostTable, err = s.Memory.AllocateTable(s.Layout.BankSize); err != nil {
		return fail("host table", err)
	}
	if s.HostOutput, err = s.Memory.AllocateOutput(s.Layout.BatchSize); err != nil {
		return fail("host output", err)
	}
	return nil
}

// Fault marks the session unusable. Only the first cause is kept.
func (s *AcceleratorSession) Fault(cause error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil {
		s.fault = cause
		s.logger.Warn("Accelerator session faulted", zap.Error(cause))
	}
}

// Err returns an error wrapping ErrFaulted and the cause once Fault has been
// called, nil otherwise.
func (s *AcceleratorSession) Err() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFaulted, s.fault)
}

// Close releases every acquired resource in reverse dependency order. Only
// the first call does any work; later calls return its result.
func (s *AcceleratorSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		release := func(resource string, r interface{ Release() error }) {
			if r == nil {
				return
			}
			if err := r.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", resource, err))
			}
		}
		releaseBuffer := func(resource string, b accel.Buffer) {
			if b == nil {
				return
			}
			if err := s.Memory.ReleaseBuffer(b); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", resource, err))
			}
		}
		free := func(resource string, h *memory.HostBuffer) {
			if h == nil {
				return
			}
			if err := h.Free(); err != nil {
				errs = append(errs, fmt.Errorf("free %s: %w", resource, err))
			}
		}

		release("reduction kernel", s.ReductionKernel)
		release("lookup kernel", s.LookupKernel)
		release("reduction queue", s.ReductionQueue)
		release("lookup queue", s.LookupQueue)
		releaseBuffer("output buffer", s.Output)
		releaseBuffer("input buffer", s.Input)
		release("program", s.Program)
		release("context", s.Context)
		free("host output", s.HostOutput)
		free("host table", s.HostTable)

		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("Accelerator session closed with errors", zap.Error(s.closeErr))
		} else {
			s.logger.Debug("Accelerator session closed")
		}
	})
	return s.closeErr
}
