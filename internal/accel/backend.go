package accel

import (
	"time"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
)

// PlatformInfo describes the accelerator platform a backend exposes
type PlatformInfo struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

// DeviceInfo contains information about one accelerator device
type DeviceInfo struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	GlobalMemory int64  `json:"globalMemory"` // in bytes
	Mode         string `json:"mode"`
}

// MemFlags describe how the accelerator may access a buffer.
type MemFlags uint8

const (
	MemReadWrite MemFlags = iota
	// MemReadOnly buffers are read by kernels and written only by host transfers
	MemReadOnly
	// MemWriteOnly buffers are written by kernels and read only by host transfers
	MemWriteOnly
)

func (f MemFlags) String() string {
	switch f {
	case MemReadOnly:
		return "read-only"
	case MemWriteOnly:
		return "write-only"
	default:
		return "read-write"
	}
}

// QueueOptions configure a command queue
type QueueOptions struct {
	// Profiling enables device timestamps on the queue's events
	Profiling bool
}

// Backend is an accelerator runtime: it discovers a platform and its devices
// and creates contexts on them.
//
// Implementation notes:
//   - Every handle created through a Backend must be released exactly once;
//     releasing twice returns ErrReleased
//   - Enqueue operations never block the caller; ordering is expressed only
//     through events and per-queue order
//   - Fallback between backends is handled by NewBackend, not the backend
type Backend interface {
	// Name identifies the backend ("emulated", "occa")
	Name() string

	// IsAvailable performs a quick check without heavy initialization
	IsAvailable() bool

	// Platform returns the platform this backend drives
	Platform() (PlatformInfo, error)

	// Devices enumerates the devices of the platform
	Devices() ([]DeviceInfo, error)

	// CreateContext creates a context on a single device
	CreateContext(device DeviceInfo) (Context, error)
}

// Context owns programs, queues and buffers created on one device
type Context interface {
	// LoadProgram loads a precompiled accelerator binary by kernel-set name
	LoadProgram(binary string) (Program, error)
	CreateQueue(opts QueueOptions) (Queue, error)
	// CreateBuffer allocates size bytes of device memory
	CreateBuffer(flags MemFlags, size int) (Buffer, error)
	Release() error
}

// Program is a loaded accelerator binary
type Program interface {
	Name() string
	// Layout reports the embedding layout compiled into the binary, if the
	// binary declares one.
	Layout() (embedding.Layout, bool)
	CreateKernel(name string) (Kernel, error)
	Release() error
}

// Kernel is one compute unit of a program
type Kernel interface {
	Name() string
	// SetArg binds a buffer to a kernel argument. Arguments are captured when
	// the kernel is enqueued.
	SetArg(index int, buf Buffer) error
	Release() error
}

// Buffer is a region of device memory
type Buffer interface {
	Size() int
	Flags() MemFlags
	Release() error
}

// Queue accepts device commands. Commands on one queue execute in order;
// commands on different queues are ordered only through wait lists.
type Queue interface {
	// EnqueueWrite copies src into buf once every event in wait has completed
	EnqueueWrite(buf Buffer, src []int32, wait ...Event) (Event, error)
	// EnqueueNDRange launches kernel with the given global and local work sizes
	EnqueueNDRange(kernel Kernel, global, local int, wait ...Event) (Event, error)
	// EnqueueRead copies buf into dst once every event in wait has completed
	EnqueueRead(buf Buffer, dst []int32, wait ...Event) (Event, error)
	Release() error
}

// Event marks the completion of one enqueued command. It orders commands and
// carries device timestamps; it never owns data.
type Event interface {
	// Wait blocks until the command completes and returns its error
	Wait() error
	// Done is closed when the command completes
	Done() <-chan struct{}
	// Profile returns device start and end times of a completed command
	Profile() (start, end time.Time, err error)
	Release()
}

// Duration returns end-start of a completed, profiled event.
func Duration(ev Event) (time.Duration, error) {
	start, end, err := ev.Profile()
	if err != nil {
		return 0, err
	}
	return end.Sub(start), nil
}
