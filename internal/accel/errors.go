package accel

import (
	"errors"
	"fmt"
)

// Status is a runtime status code. Values follow the OpenCL numbering so the
// codes printed in diagnostics are familiar.
type Status int32

const (
	StatusSuccess                  Status = 0
	StatusDeviceNotFound           Status = -1
	StatusMemAllocationFailure     Status = -4
	StatusProfilingInfoUnavailable Status = -7
	StatusExecFailureInWaitList    Status = -14
	StatusInvalidValue             Status = -30
	StatusInvalidDevice            Status = -33
	StatusInvalidContext           Status = -34
	StatusInvalidCommandQueue      Status = -36
	StatusInvalidMemObject         Status = -38
	StatusInvalidBinary            Status = -42
	StatusInvalidProgram           Status = -44
	StatusInvalidKernelName        Status = -46
	StatusInvalidKernel            Status = -48
	StatusInvalidArgIndex          Status = -49
	StatusInvalidKernelArgs        Status = -52
	StatusInvalidWorkGroupSize     Status = -54
	StatusInvalidEvent             Status = -58
	StatusInvalidOperation         Status = -59
	StatusInvalidGlobalWorkSize    Status = -63
)

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrOutOfDeviceMemory   = errors.New("insufficient device memory")
	ErrUnknownBinary       = errors.New("unknown accelerator binary")
	ErrUnknownKernel       = errors.New("unknown kernel")
	ErrInvalidWorkSize     = errors.New("invalid work size")
	ErrArgIndex            = errors.New("kernel argument index out of range")
	ErrArgMissing          = errors.New("kernel argument not set")
	ErrAccessDenied        = errors.New("buffer access violates memory flags")
	ErrReleased            = errors.New("handle already released")
	ErrSizeMismatch        = errors.New("transfer size does not match buffer")
	ErrProfilingDisabled   = errors.New("profiling not enabled on queue")
	ErrNotComplete         = errors.New("command not complete")
	ErrForeignHandle       = errors.New("handle belongs to another backend")
	ErrDependencyFailed    = errors.New("command in wait list failed")
	ErrProgramAborted      = errors.New("program aborted by a failed kernel")
	ErrBackendNotAvailable = errors.New("backend not available")
)

// Error reports a failed runtime call together with the resource involved and
// its status code.
type Error struct {
	Op       string
	Resource string
	Status   Status
	Err      error
}

func (e *Error) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("%s %s: %v (status %d)", e.Op, e.Resource, e.Err, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, resource string, status Status, err error) *Error {
	return &Error{Op: op, Resource: resource, Status: status, Err: err}
}

// StatusOf extracts the status code carried by err, StatusSuccess for nil and
// StatusInvalidValue for errors that did not come from a backend.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Status
	}
	return StatusInvalidValue
}
