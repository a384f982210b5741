//go:build occa
// +build occa

package accel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/fxnlabs/embedding-lookup/kernels"
	"github.com/notargets/gocca"
	"go.uber.org/zap"
)

// DefaultOCCAProperties selects the portable Serial OCCA mode
const DefaultOCCAProperties = `{"mode": "Serial"}`

// OCCABackend implements Backend on an OCCA device. OCCA exposes one device
// per property string, so the platform always reports exactly one device.
type OCCABackend struct {
	logger     *zap.Logger
	properties string
	layout     embedding.Layout
	indices    embedding.IndexBatch

	mu        sync.Mutex
	device    *gocca.OCCADevice
	available bool
}

// NewOCCABackend creates an OCCA backend for the given device properties. The
// device is opened eagerly to find out whether the backend is usable.
func NewOCCABackend(properties string, logger *zap.Logger) *OCCABackend {
	if properties == "" {
		properties = DefaultOCCAProperties
	}
	b := &OCCABackend{
		logger:     logger,
		properties: properties,
		layout:     embedding.DefaultLayout,
		indices:    embedding.DefaultIndices.Clone(),
	}

	device, err := gocca.NewDevice(properties)
	if err != nil {
		logger.Warn("OCCA device not available", zap.String("properties", properties), zap.Error(err))
		return b
	}
	b.device = device
	b.available = true
	return b
}

func (b *OCCABackend) Name() string {
	return "occa"
}

func (b *OCCABackend) IsAvailable() bool {
	return b.available
}

func (b *OCCABackend) Platform() (PlatformInfo, error) {
	if !b.available {
		return PlatformInfo{}, newError("get platform", "occa", StatusDeviceNotFound, ErrBackendNotAvailable)
	}
	return PlatformInfo{Name: "OCCA", Vendor: "libocca", Version: b.device.Mode()}, nil
}

func (b *OCCABackend) Devices() ([]DeviceInfo, error) {
	if !b.available {
		return nil, nil
	}
	return []DeviceInfo{{ID: 0, Name: "OCCA " + b.device.Mode(), Mode: b.device.Mode()}}, nil
}

func (b *OCCABackend) CreateContext(device DeviceInfo) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available || b.device == nil {
		return nil, newError("create context", device.Name, StatusInvalidContext, ErrBackendNotAvailable)
	}
	if device.ID != 0 {
		return nil, newError("create context", device.Name, StatusInvalidDevice, ErrDeviceNotFound)
	}
	// The context takes ownership of the device; a second context needs a new
	// backend.
	ctx := &occaContext{backend: b, device: b.device}
	b.device = nil
	return ctx, nil
}

// occaContext serializes every call into OCCA: the device is not safe for
// concurrent use from the goroutines executing queued commands.
type occaContext struct {
	backend  *OCCABackend
	mu       sync.Mutex
	device   *gocca.OCCADevice
	released atomic.Bool
}

func (c *occaContext) check(op string) error {
	if c.released.Load() {
		return newError(op, "context", StatusInvalidContext, ErrReleased)
	}
	return nil
}

func (c *occaContext) LoadProgram(binary string) (Program, error) {
	if err := c.check("load program"); err != nil {
		return nil, err
	}
	if binary != EmbeddingLookupBinaryName {
		return nil, newError("load program", binary, StatusInvalidBinary, ErrUnknownBinary)
	}
	l := c.backend.layout
	src := kernels.EmbeddingLookupSource(l)

	c.mu.Lock()
	defer c.mu.Unlock()

	p := &occaProgram{ctx: c, name: binary, layout: l, ready: make(chan struct{}, 16), fault: newFault()}
	for _, name := range []string{LookupKernelName, ReductionKernelName} {
		k, err := c.device.BuildKernelFromString(src, name, nil)
		if err != nil {
			p.freeLocked()
			return nil, newError("load program", name, StatusInvalidBinary, err)
		}
		if p.kernels == nil {
			p.kernels = make(map[string]*gocca.OCCAKernel)
		}
		p.kernels[name] = k
	}

	indices := make([]int32, len(c.backend.indices))
	copy(indices, c.backend.indices)
	p.indices = c.device.Malloc(int64(len(indices)*4), unsafe.Pointer(&indices[0]), nil)
	p.partials = c.device.Malloc(int64(l.BatchSize*embedding.NumTables*4), nil, nil)

	c.backend.logger.Debug("OCCA program built", zap.String("binary", binary), zap.String("mode", c.device.Mode()))
	return p, nil
}

func (c *occaContext) CreateQueue(opts QueueOptions) (Queue, error) {
	if err := c.check("create queue"); err != nil {
		return nil, err
	}
	return &occaQueue{ctx: c, order: inOrder{profiling: opts.Profiling}}, nil
}

func (c *occaContext) CreateBuffer(flags MemFlags, size int) (Buffer, error) {
	if err := c.check("create buffer"); err != nil {
		return nil, err
	}
	if size <= 0 || size%4 != 0 {
		return nil, newError("create buffer", flags.String(), StatusInvalidValue, fmt.Errorf("size %d is not a positive multiple of 4", size))
	}
	c.mu.Lock()
	mem := c.device.Malloc(int64(size), nil, nil)
	c.mu.Unlock()
	if mem == nil {
		return nil, newError("create buffer", flags.String(), StatusMemAllocationFailure, ErrOutOfDeviceMemory)
	}
	return &occaBuffer{ctx: c, mem: mem, flags: flags, size: size}, nil
}

func (c *occaContext) Release() error {
	if !c.released.CompareAndSwap(false, true) {
		return newError("release", "context", StatusInvalidContext, ErrReleased)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device.Free()
	return nil
}

// occaProgram owns the on-device state shared by its kernels: the compiled-in
// access pattern and the partial sums the lookup hands to the reduction.
type occaProgram struct {
	ctx      *occaContext
	name     string
	kernels  map[string]*gocca.OCCAKernel
	indices  *gocca.OCCAMemory
	partials *gocca.OCCAMemory
	layout   embedding.Layout
	// ready carries one token per completed lookup; a reduction consumes one
	// before it runs.
	ready    chan struct{}
	fault    *fault
	released atomic.Bool
}

func (p *occaProgram) Name() string {
	return p.name
}

func (p *occaProgram) Layout() (embedding.Layout, bool) {
	return p.layout, true
}

func (p *occaProgram) CreateKernel(name string) (Kernel, error) {
	if p.released.Load() {
		return nil, newError("create kernel", name, StatusInvalidProgram, ErrReleased)
	}
	k, ok := p.kernels[name]
	if !ok {
		return nil, newError("create kernel", name, StatusInvalidKernelName, ErrUnknownKernel)
	}
	return &occaKernel{program: p, name: name, kernel: k}, nil
}

func (p *occaProgram) freeLocked() {
	for _, k := range p.kernels {
		k.Free()
	}
	if p.indices != nil {
		p.indices.Free()
	}
	if p.partials != nil {
		p.partials.Free()
	}
}

func (p *occaProgram) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return newError("release", "program "+p.name, StatusInvalidProgram, ErrReleased)
	}
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.freeLocked()
	return nil
}

type occaKernel struct {
	program  *occaProgram
	name     string
	kernel   *gocca.OCCAKernel
	mu       sync.Mutex
	arg      *occaBuffer
	released atomic.Bool
}

func (k *occaKernel) Name() string {
	return k.name
}

func (k *occaKernel) SetArg(index int, buf Buffer) error {
	if k.released.Load() {
		return newError("set kernel arg", k.name, StatusInvalidKernel, ErrReleased)
	}
	if index != 0 {
		return newError("set kernel arg", fmt.Sprintf("%s[%d]", k.name, index), StatusInvalidArgIndex, ErrArgIndex)
	}
	ob, ok := buf.(*occaBuffer)
	if !ok {
		return newError("set kernel arg", fmt.Sprintf("%s[%d]", k.name, index), StatusInvalidMemObject, ErrForeignHandle)
	}
	k.mu.Lock()
	k.arg = ob
	k.mu.Unlock()
	return nil
}

// launch returns the command body for one kernel launch with the currently
// bound argument.
func (k *occaKernel) launch() (func() error, error) {
	k.mu.Lock()
	arg := k.arg
	k.mu.Unlock()
	if arg == nil {
		return nil, newError("enqueue kernel", k.name+"[0]", StatusInvalidKernelArgs, ErrArgMissing)
	}

	p := k.program
	ctx := p.ctx
	switch k.name {
	case LookupKernelName:
		if arg.flags == MemWriteOnly {
			return nil, newError("enqueue kernel", k.name+"[0]", StatusInvalidOperation, ErrAccessDenied)
		}
		return func() error {
			ctx.mu.Lock()
			err := k.kernel.RunWithArgs(arg.mem, p.indices, p.partials)
			if err == nil {
				ctx.device.Finish()
			}
			ctx.mu.Unlock()
			if err != nil {
				return err
			}
			select {
			case p.ready <- struct{}{}:
				return nil
			case <-p.fault.done:
				return ErrProgramAborted
			}
		}, nil
	case ReductionKernelName:
		if arg.flags == MemReadOnly {
			return nil, newError("enqueue kernel", k.name+"[0]", StatusInvalidOperation, ErrAccessDenied)
		}
		return func() error {
			select {
			case <-p.ready:
			case <-p.fault.done:
				return ErrProgramAborted
			}
			ctx.mu.Lock()
			defer ctx.mu.Unlock()
			if err := k.kernel.RunWithArgs(p.partials, arg.mem); err != nil {
				return err
			}
			ctx.device.Finish()
			return nil
		}, nil
	default:
		return nil, newError("enqueue kernel", k.name, StatusInvalidKernelName, ErrUnknownKernel)
	}
}

func (k *occaKernel) Release() error {
	if !k.released.CompareAndSwap(false, true) {
		return newError("release", "kernel "+k.name, StatusInvalidKernel, ErrReleased)
	}
	// The compiled kernel is owned by the program.
	return nil
}

type occaBuffer struct {
	ctx      *occaContext
	mem      *gocca.OCCAMemory
	flags    MemFlags
	size     int
	released atomic.Bool
}

func (b *occaBuffer) Size() int {
	return b.size
}

func (b *occaBuffer) Flags() MemFlags {
	return b.flags
}

func (b *occaBuffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return newError("release", "buffer", StatusInvalidMemObject, ErrReleased)
	}
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	b.mem.Free()
	return nil
}

type occaQueue struct {
	ctx      *occaContext
	order    inOrder
	released atomic.Bool
}

func (q *occaQueue) transfer(op string, buf Buffer, elements int, wait []Event) (*occaBuffer, error) {
	if q.released.Load() {
		return nil, newError(op, "queue", StatusInvalidCommandQueue, ErrReleased)
	}
	ob, ok := buf.(*occaBuffer)
	if !ok {
		return nil, newError(op, "buffer", StatusInvalidMemObject, ErrForeignHandle)
	}
	if ob.released.Load() {
		return nil, newError(op, "buffer", StatusInvalidMemObject, ErrReleased)
	}
	if elements == 0 || elements*4 > ob.size {
		return nil, newError(op, "buffer", StatusInvalidValue,
			fmt.Errorf("%w: %d elements into %d bytes", ErrSizeMismatch, elements, ob.size))
	}
	if err := checkWaitList(op, wait); err != nil {
		return nil, err
	}
	return ob, nil
}

func (q *occaQueue) EnqueueWrite(buf Buffer, src []int32, wait ...Event) (Event, error) {
	ob, err := q.transfer("enqueue write", buf, len(src), wait)
	if err != nil {
		return nil, err
	}
	return q.order.schedule("write", wait, func() error {
		q.ctx.mu.Lock()
		defer q.ctx.mu.Unlock()
		ob.mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)*4))
		return nil
	}), nil
}

func (q *occaQueue) EnqueueRead(buf Buffer, dst []int32, wait ...Event) (Event, error) {
	ob, err := q.transfer("enqueue read", buf, len(dst), wait)
	if err != nil {
		return nil, err
	}
	return q.order.schedule("read", wait, func() error {
		q.ctx.mu.Lock()
		defer q.ctx.mu.Unlock()
		ob.mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)*4))
		return nil
	}), nil
}

func (q *occaQueue) EnqueueNDRange(kernel Kernel, global, local int, wait ...Event) (Event, error) {
	const op = "enqueue kernel"
	if q.released.Load() {
		return nil, newError(op, "queue", StatusInvalidCommandQueue, ErrReleased)
	}
	k, ok := kernel.(*occaKernel)
	if !ok {
		return nil, newError(op, "kernel", StatusInvalidKernel, ErrForeignHandle)
	}
	if global != 1 {
		return nil, newError(op, k.name, StatusInvalidGlobalWorkSize, fmt.Errorf("%w: global %d", ErrInvalidWorkSize, global))
	}
	if local != 1 {
		return nil, newError(op, k.name, StatusInvalidWorkGroupSize, fmt.Errorf("%w: local %d", ErrInvalidWorkSize, local))
	}
	if err := k.program.fault.check(op, k.name); err != nil {
		return nil, err
	}
	run, err := k.launch()
	if err != nil {
		return nil, err
	}
	if err := checkWaitList(op, wait); err != nil {
		return nil, err
	}
	cmd := q.order.schedule(k.name, wait, run)
	k.program.fault.watch(cmd)
	return cmd, nil
}

func (q *occaQueue) Release() error {
	if !q.released.CompareAndSwap(false, true) {
		return newError("release", "queue", StatusInvalidCommandQueue, ErrReleased)
	}
	return nil
}
