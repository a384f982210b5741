package accel

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"go.uber.org/zap"
)

type emulatedContext struct {
	handle
	device DeviceInfo
}

func (c *emulatedContext) LoadProgram(binary string) (Program, error) {
	if err := c.check("load program"); err != nil {
		return nil, err
	}
	b := c.backend
	if err := b.inject("program " + binary); err != nil {
		return nil, newError("load program", binary, StatusInvalidProgram, err)
	}
	bin, ok := b.binaries[binary]
	if !ok {
		return nil, newError("load program", binary, StatusInvalidBinary, ErrUnknownBinary)
	}
	f := newFault()
	p := &emulatedProgram{kernels: bin.Load(f.done), layout: bin.Layout, fault: f}
	p.init(b, "program", binary, StatusInvalidProgram)
	b.logger.Debug("program loaded", zap.String("binary", binary), zap.Int("kernels", len(p.kernels)))
	return p, nil
}

func (c *emulatedContext) CreateQueue(opts QueueOptions) (Queue, error) {
	if err := c.check("create queue"); err != nil {
		return nil, err
	}
	if err := c.backend.inject("queue"); err != nil {
		return nil, newError("create queue", c.device.Name, StatusInvalidCommandQueue, err)
	}
	q := &emulatedQueue{order: inOrder{profiling: opts.Profiling}}
	q.init(c.backend, "queue", c.device.Name, StatusInvalidCommandQueue)
	return q, nil
}

func (c *emulatedContext) CreateBuffer(flags MemFlags, size int) (Buffer, error) {
	if err := c.check("create buffer"); err != nil {
		return nil, err
	}
	b := c.backend
	if err := b.inject("buffer"); err != nil {
		return nil, newError("create buffer", flags.String(), StatusMemAllocationFailure, err)
	}
	if size <= 0 || size%4 != 0 {
		return nil, newError("create buffer", flags.String(), StatusInvalidValue, fmt.Errorf("size %d is not a positive multiple of 4", size))
	}
	if !b.memory.TryAcquire(int64(size)) {
		return nil, newError("create buffer", flags.String(), StatusMemAllocationFailure,
			fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfDeviceMemory, size, b.memoryUsed.Load(), b.memoryLimit))
	}
	b.memoryUsed.Add(int64(size))

	buf := &emulatedBuffer{flags: flags, size: size, data: make([]int32, size/4)}
	buf.init(b, "buffer", flags.String(), StatusInvalidMemObject)
	return buf, nil
}

func (c *emulatedContext) Release() error {
	return c.release()
}

type emulatedProgram struct {
	handle
	kernels map[string]KernelSpec
	layout  embedding.Layout
	fault   *fault
}

func (p *emulatedProgram) Name() string {
	return p.name
}

func (p *emulatedProgram) Layout() (embedding.Layout, bool) {
	return p.layout, p.layout.BankSize != 0
}

func (p *emulatedProgram) CreateKernel(name string) (Kernel, error) {
	if err := p.check("create kernel"); err != nil {
		return nil, err
	}
	if err := p.backend.inject("kernel " + name); err != nil {
		return nil, newError("create kernel", name, StatusInvalidKernel, err)
	}
	spec, ok := p.kernels[name]
	if !ok {
		return nil, newError("create kernel", name, StatusInvalidKernelName, ErrUnknownKernel)
	}
	k := &emulatedKernel{program: p, spec: spec, args: make([]*emulatedBuffer, len(spec.Args))}
	k.init(p.backend, "kernel", name, StatusInvalidKernel)
	return k, nil
}

func (p *emulatedProgram) Release() error {
	return p.release()
}

type emulatedKernel struct {
	handle
	program *emulatedProgram
	spec    KernelSpec

	mu   sync.Mutex
	args []*emulatedBuffer
}

func (k *emulatedKernel) Name() string {
	return k.name
}

func (k *emulatedKernel) SetArg(index int, buf Buffer) error {
	if err := k.check("set kernel arg"); err != nil {
		return err
	}
	if index < 0 || index >= len(k.args) {
		return newError("set kernel arg", fmt.Sprintf("%s[%d]", k.name, index), StatusInvalidArgIndex, ErrArgIndex)
	}
	eb, ok := buf.(*emulatedBuffer)
	if !ok {
		return newError("set kernel arg", fmt.Sprintf("%s[%d]", k.name, index), StatusInvalidMemObject, ErrForeignHandle)
	}
	k.mu.Lock()
	k.args[index] = eb
	k.mu.Unlock()
	return nil
}

// boundArgs snapshots the current arguments and checks them against the
// kernel's declared access.
func (k *emulatedKernel) boundArgs() ([][]int32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	views := make([][]int32, len(k.args))
	for i, buf := range k.args {
		resource := fmt.Sprintf("%s[%d]", k.name, i)
		if buf == nil {
			return nil, newError("enqueue kernel", resource, StatusInvalidKernelArgs, ErrArgMissing)
		}
		if err := buf.check("enqueue kernel"); err != nil {
			return nil, err
		}
		switch {
		case k.spec.Args[i] == AccessRead && buf.flags == MemWriteOnly,
			k.spec.Args[i] == AccessWrite && buf.flags == MemReadOnly:
			return nil, newError("enqueue kernel", resource, StatusInvalidOperation,
				fmt.Errorf("%w: %s buffer", ErrAccessDenied, buf.flags))
		}
		views[i] = buf.data
	}
	return views, nil
}

func (k *emulatedKernel) Release() error {
	return k.release()
}

type emulatedBuffer struct {
	handle
	flags MemFlags
	size  int
	data  []int32
}

func (b *emulatedBuffer) Size() int {
	return b.size
}

func (b *emulatedBuffer) Flags() MemFlags {
	return b.flags
}

func (b *emulatedBuffer) Release() error {
	if err := b.release(); err != nil {
		return err
	}
	b.backend.memory.Release(int64(b.size))
	b.backend.memoryUsed.Add(-int64(b.size))
	return nil
}

type emulatedQueue struct {
	handle
	order inOrder
}

func (q *emulatedQueue) buffer(op string, buf Buffer, elements int) (*emulatedBuffer, error) {
	eb, ok := buf.(*emulatedBuffer)
	if !ok {
		return nil, newError(op, "buffer", StatusInvalidMemObject, ErrForeignHandle)
	}
	if err := eb.check(op); err != nil {
		return nil, err
	}
	if elements > len(eb.data) {
		return nil, newError(op, "buffer", StatusInvalidValue,
			fmt.Errorf("%w: %d elements into buffer of %d", ErrSizeMismatch, elements, len(eb.data)))
	}
	return eb, nil
}

func (q *emulatedQueue) EnqueueWrite(buf Buffer, src []int32, wait ...Event) (Event, error) {
	const op = "enqueue write"
	if err := q.check(op); err != nil {
		return nil, err
	}
	eb, err := q.buffer(op, buf, len(src))
	if err != nil {
		return nil, err
	}
	if err := checkWaitList(op, wait); err != nil {
		return nil, err
	}
	q.backend.logger.Debug("write enqueued", zap.Int("elements", len(src)), zap.Int("wait", len(wait)))
	return q.order.schedule("write", wait, func() error {
		copy(eb.data, src)
		return nil
	}), nil
}

func (q *emulatedQueue) EnqueueRead(buf Buffer, dst []int32, wait ...Event) (Event, error) {
	const op = "enqueue read"
	if err := q.check(op); err != nil {
		return nil, err
	}
	eb, err := q.buffer(op, buf, len(dst))
	if err != nil {
		return nil, err
	}
	if err := checkWaitList(op, wait); err != nil {
		return nil, err
	}
	q.backend.logger.Debug("read enqueued", zap.Int("elements", len(dst)), zap.Int("wait", len(wait)))
	return q.order.schedule("read", wait, func() error {
		copy(dst, eb.data)
		return nil
	}), nil
}

func (q *emulatedQueue) EnqueueNDRange(kernel Kernel, global, local int, wait ...Event) (Event, error) {
	const op = "enqueue kernel"
	if err := q.check(op); err != nil {
		return nil, err
	}
	k, ok := kernel.(*emulatedKernel)
	if !ok {
		return nil, newError(op, "kernel", StatusInvalidKernel, ErrForeignHandle)
	}
	if err := k.check(op); err != nil {
		return nil, err
	}
	if err := k.program.fault.check(op, k.name); err != nil {
		return nil, err
	}
	// Emulated kernels are single work-item tasks.
	if global != 1 {
		return nil, newError(op, k.name, StatusInvalidGlobalWorkSize, fmt.Errorf("%w: global %d", ErrInvalidWorkSize, global))
	}
	if local != 1 {
		return nil, newError(op, k.name, StatusInvalidWorkGroupSize, fmt.Errorf("%w: local %d", ErrInvalidWorkSize, local))
	}
	args, err := k.boundArgs()
	if err != nil {
		return nil, err
	}
	if err := checkWaitList(op, wait); err != nil {
		return nil, err
	}
	q.backend.logger.Debug("kernel enqueued", zap.String("kernel", k.name), zap.Int("wait", len(wait)))
	cmd := q.order.schedule(k.name, wait, func() error {
		return k.spec.Run(args)
	})
	k.program.fault.watch(cmd)
	return cmd, nil
}

func (q *emulatedQueue) Release() error {
	return q.release()
}
