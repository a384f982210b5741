package accel

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultEmulatedMemory is the device memory of an emulated device in bytes.
const DefaultEmulatedMemory = 64 << 20

// EmulatedBackend implements Backend with an in-process device. Commands run on
// goroutines ordered by their wait lists, kernels come from registered
// Binaries, and device memory is accounted against a fixed capacity. It is
// always available and is the fallback when no hardware backend is.
type EmulatedBackend struct {
	logger      *zap.Logger
	platform    PlatformInfo
	deviceCount int
	memoryLimit int64
	memory      *semaphore.Weighted
	binaries    map[string]Binary
	fault       func(resource string) error

	live       atomic.Int64
	memoryUsed atomic.Int64
}

// EmulatedOption configures an EmulatedBackend
type EmulatedOption func(*EmulatedBackend)

// WithLogger sets the backend logger
func WithLogger(logger *zap.Logger) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.logger = logger
	}
}

// WithDeviceCount sets how many devices the platform reports
func WithDeviceCount(n int) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.deviceCount = n
	}
}

// WithMemoryLimit sets the device memory capacity in bytes
func WithMemoryLimit(bytes int64) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.memoryLimit = bytes
	}
}

// WithPlatformName overrides the reported platform name
func WithPlatformName(name string) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.platform.Name = name
	}
}

// WithBinary registers a loadable binary, replacing one with the same name
func WithBinary(bin Binary) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.binaries[bin.Name] = bin
	}
}

// WithFaultInjector makes every acquisition first consult fn with the
// resource being acquired ("devices", "context", "queue", "buffer",
// "program <name>", "kernel <name>"); a non-nil error fails the acquisition.
func WithFaultInjector(fn func(resource string) error) EmulatedOption {
	return func(b *EmulatedBackend) {
		b.fault = fn
	}
}

// NewEmulatedBackend creates an emulated backend with one device and the
// embedding lookup binary for the default layout.
func NewEmulatedBackend(opts ...EmulatedOption) *EmulatedBackend {
	b := &EmulatedBackend{
		logger: zap.NewNop(),
		platform: PlatformInfo{
			Name:    "Emulated FPGA Platform",
			Vendor:  "fxnlabs",
			Version: runtime.Version(),
		},
		deviceCount: 1,
		memoryLimit: DefaultEmulatedMemory,
		binaries:    make(map[string]Binary),
	}

	bin, err := EmbeddingLookupBinary(embedding.DefaultLayout, embedding.DefaultIndices)
	if err != nil {
		panic(fmt.Sprintf("default embedding lookup binary: %v", err))
	}
	b.binaries[bin.Name] = bin

	for _, opt := range opts {
		opt(b)
	}
	b.memory = semaphore.NewWeighted(b.memoryLimit)
	return b
}

func (b *EmulatedBackend) Name() string {
	return "emulated"
}

func (b *EmulatedBackend) IsAvailable() bool {
	return true
}

func (b *EmulatedBackend) Platform() (PlatformInfo, error) {
	return b.platform, nil
}

func (b *EmulatedBackend) Devices() ([]DeviceInfo, error) {
	if err := b.inject("devices"); err != nil {
		return nil, newError("get devices", "", StatusDeviceNotFound, err)
	}
	devices := make([]DeviceInfo, b.deviceCount)
	for i := range devices {
		devices[i] = DeviceInfo{
			ID:           i,
			Name:         fmt.Sprintf("Emulated FPGA device %d", i),
			GlobalMemory: b.memoryLimit,
			Mode:         "emulated",
		}
	}
	return devices, nil
}

func (b *EmulatedBackend) CreateContext(device DeviceInfo) (Context, error) {
	if device.ID < 0 || device.ID >= b.deviceCount {
		return nil, newError("create context", device.Name, StatusInvalidDevice, ErrDeviceNotFound)
	}
	if err := b.inject("context"); err != nil {
		return nil, newError("create context", device.Name, StatusInvalidContext, err)
	}
	ctx := &emulatedContext{device: device}
	ctx.init(b, "context", device.Name, StatusInvalidContext)
	b.logger.Debug("context created", zap.String("device", device.Name))
	return ctx, nil
}

// LiveHandles returns the number of created and not yet released handles.
func (b *EmulatedBackend) LiveHandles() int64 {
	return b.live.Load()
}

// MemoryInUse returns the bytes of device memory held by live buffers.
func (b *EmulatedBackend) MemoryInUse() int64 {
	return b.memoryUsed.Load()
}

func (b *EmulatedBackend) inject(resource string) error {
	if b.fault == nil {
		return nil
	}
	return b.fault(resource)
}

// handle is the release bookkeeping shared by every emulated resource.
type handle struct {
	backend  *EmulatedBackend
	kind     string
	name     string
	status   Status
	released atomic.Bool
}

func (h *handle) init(b *EmulatedBackend, kind, name string, status Status) {
	h.backend = b
	h.kind = kind
	h.name = name
	h.status = status
	b.live.Add(1)
}

func (h *handle) check(op string) error {
	if h.released.Load() {
		return newError(op, h.kind+" "+h.name, h.status, ErrReleased)
	}
	return nil
}

func (h *handle) release() error {
	if !h.released.CompareAndSwap(false, true) {
		return newError("release", h.kind+" "+h.name, h.status, ErrReleased)
	}
	h.backend.live.Add(-1)
	return nil
}
