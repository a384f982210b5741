package accel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openEmulated returns a context on the only device of b.
func openEmulated(t *testing.T, b *EmulatedBackend) Context {
	t.Helper()
	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	ctx, err := b.CreateContext(devices[0])
	require.NoError(t, err)
	return ctx
}

func smallLayout(t *testing.T) embedding.Layout {
	t.Helper()
	l, err := embedding.NewLayout([embedding.NumTables]int{embedding.DataSize0, embedding.DataSize1, embedding.DataSize2}, 4, 3)
	require.NoError(t, err)
	return l
}

func TestEmulatedBackend_Discovery(t *testing.T) {
	b := NewEmulatedBackend()
	assert.True(t, b.IsAvailable())
	assert.Equal(t, "emulated", b.Name())

	platform, err := b.Platform()
	require.NoError(t, err)
	assert.Equal(t, "Emulated FPGA Platform", platform.Name)

	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, int64(DefaultEmulatedMemory), devices[0].GlobalMemory)

	for _, n := range []int{0, 2, 4} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			devices, err := NewEmulatedBackend(WithDeviceCount(n)).Devices()
			require.NoError(t, err)
			assert.Len(t, devices, n)
		})
	}

	_, err = b.CreateContext(DeviceInfo{ID: 3})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, StatusInvalidDevice, StatusOf(err))
}

func TestEmulatedBackend_RoundTrip(t *testing.T) {
	b := NewEmulatedBackend()
	ctx := openEmulated(t, b)
	defer ctx.Release()

	queue, err := ctx.CreateQueue(QueueOptions{})
	require.NoError(t, err)
	defer queue.Release()

	buf, err := ctx.CreateBuffer(MemReadOnly, embedding.BankSize*4)
	require.NoError(t, err)
	defer buf.Release()

	src := embedding.RandomTable(embedding.DefaultLayout, 99)
	dst := make([]int32, len(src))

	write, err := queue.EnqueueWrite(buf, src)
	require.NoError(t, err)
	read, err := queue.EnqueueRead(buf, dst, write)
	require.NoError(t, err)

	require.NoError(t, read.Wait())
	assert.Equal(t, []int32(src), dst)
}

func TestEmulatedBackend_LookupThenReduce(t *testing.T) {
	l := smallLayout(t)
	bin, err := EmbeddingLookupBinary(l, embedding.IndexBatch{0, 0, 1})
	require.NoError(t, err)

	// Dispatch order must not matter: the reduction blocks on the channel
	// until the lookup has produced partials.
	for _, reduceFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("reduceFirst=%v", reduceFirst), func(t *testing.T) {
			b := NewEmulatedBackend(WithBinary(bin))
			ctx := openEmulated(t, b)
			defer ctx.Release()

			program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
			require.NoError(t, err)
			defer program.Release()
			lookup, err := program.CreateKernel(LookupKernelName)
			require.NoError(t, err)
			defer lookup.Release()
			reduce, err := program.CreateKernel(ReductionKernelName)
			require.NoError(t, err)
			defer reduce.Release()

			lookupQueue, err := ctx.CreateQueue(QueueOptions{Profiling: true})
			require.NoError(t, err)
			defer lookupQueue.Release()
			reduceQueue, err := ctx.CreateQueue(QueueOptions{Profiling: true})
			require.NoError(t, err)
			defer reduceQueue.Release()

			in, err := ctx.CreateBuffer(MemReadOnly, l.BankSize*4)
			require.NoError(t, err)
			defer in.Release()
			out, err := ctx.CreateBuffer(MemWriteOnly, l.BatchSize*4)
			require.NoError(t, err)
			defer out.Release()

			require.NoError(t, lookup.SetArg(0, in))
			require.NoError(t, reduce.SetArg(0, out))

			upload, err := lookupQueue.EnqueueWrite(in, embedding.FillTable(l, 1))
			require.NoError(t, err)

			var reduceDone Event
			if reduceFirst {
				reduceDone, err = reduceQueue.EnqueueNDRange(reduce, 1, 1, upload)
				require.NoError(t, err)
				_, err = lookupQueue.EnqueueNDRange(lookup, 1, 1, upload)
				require.NoError(t, err)
			} else {
				_, err = lookupQueue.EnqueueNDRange(lookup, 1, 1, upload)
				require.NoError(t, err)
				reduceDone, err = reduceQueue.EnqueueNDRange(reduce, 1, 1, upload)
				require.NoError(t, err)
			}

			result := make([]int32, l.BatchSize)
			download, err := reduceQueue.EnqueueRead(out, result, reduceDone)
			require.NoError(t, err)
			require.NoError(t, download.Wait())

			want := int32(embedding.DataSize0 + embedding.DataSize1 + embedding.DataSize2)
			assert.Equal(t, []int32{want, want, want}, result)

			d, err := Duration(reduceDone)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		})
	}
}

func TestEmulatedBackend_WorkSizeAndArgs(t *testing.T) {
	b := NewEmulatedBackend()
	ctx := openEmulated(t, b)
	defer ctx.Release()

	program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
	require.NoError(t, err)
	defer program.Release()
	lookup, err := program.CreateKernel(LookupKernelName)
	require.NoError(t, err)
	defer lookup.Release()
	queue, err := ctx.CreateQueue(QueueOptions{})
	require.NoError(t, err)
	defer queue.Release()

	t.Run("missing argument", func(t *testing.T) {
		_, err := queue.EnqueueNDRange(lookup, 1, 1)
		assert.ErrorIs(t, err, ErrArgMissing)
		assert.Equal(t, StatusInvalidKernelArgs, StatusOf(err))
	})

	t.Run("argument index out of range", func(t *testing.T) {
		buf, err := ctx.CreateBuffer(MemReadOnly, 4)
		require.NoError(t, err)
		defer buf.Release()
		assert.ErrorIs(t, lookup.SetArg(1, buf), ErrArgIndex)
	})

	t.Run("write-only buffer as lookup input", func(t *testing.T) {
		buf, err := ctx.CreateBuffer(MemWriteOnly, embedding.BankSize*4)
		require.NoError(t, err)
		defer buf.Release()
		require.NoError(t, lookup.SetArg(0, buf))
		_, err = queue.EnqueueNDRange(lookup, 1, 1)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	in, err := ctx.CreateBuffer(MemReadOnly, embedding.BankSize*4)
	require.NoError(t, err)
	defer in.Release()
	require.NoError(t, lookup.SetArg(0, in))

	testCases := []struct {
		global, local int
		status        Status
	}{
		{global: 32, local: 1, status: StatusInvalidGlobalWorkSize},
		{global: 0, local: 1, status: StatusInvalidGlobalWorkSize},
		{global: 1, local: 4, status: StatusInvalidWorkGroupSize},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("global=%d local=%d", tc.global, tc.local), func(t *testing.T) {
			_, err := queue.EnqueueNDRange(lookup, tc.global, tc.local)
			assert.ErrorIs(t, err, ErrInvalidWorkSize)
			assert.Equal(t, tc.status, StatusOf(err))
		})
	}
}

func TestEmulatedBackend_MemoryLimit(t *testing.T) {
	b := NewEmulatedBackend(WithMemoryLimit(1024))
	ctx := openEmulated(t, b)
	defer ctx.Release()

	first, err := ctx.CreateBuffer(MemReadOnly, 768)
	require.NoError(t, err)
	assert.Equal(t, int64(768), b.MemoryInUse())

	_, err = ctx.CreateBuffer(MemWriteOnly, 512)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
	assert.Equal(t, StatusMemAllocationFailure, StatusOf(err))

	require.NoError(t, first.Release())
	assert.Equal(t, int64(0), b.MemoryInUse())

	second, err := ctx.CreateBuffer(MemWriteOnly, 512)
	require.NoError(t, err)
	require.NoError(t, second.Release())

	_, err = ctx.CreateBuffer(MemReadOnly, 6)
	assert.Equal(t, StatusInvalidValue, StatusOf(err))
}

func TestEmulatedBackend_ReleaseOnce(t *testing.T) {
	b := NewEmulatedBackend()
	ctx := openEmulated(t, b)

	program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
	require.NoError(t, err)
	kernel, err := program.CreateKernel(ReductionKernelName)
	require.NoError(t, err)
	queue, err := ctx.CreateQueue(QueueOptions{})
	require.NoError(t, err)
	buf, err := ctx.CreateBuffer(MemWriteOnly, 128)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.LiveHandles())

	releasers := []interface{ Release() error }{kernel, queue, buf, program, ctx}
	for _, r := range releasers {
		require.NoError(t, r.Release())
	}
	assert.Equal(t, int64(0), b.LiveHandles())

	for _, r := range releasers {
		assert.ErrorIs(t, r.Release(), ErrReleased)
	}
	assert.Equal(t, int64(0), b.LiveHandles())

	_, err = queue.EnqueueRead(buf, make([]int32, 4))
	assert.ErrorIs(t, err, ErrReleased)
	_, err = ctx.CreateQueue(QueueOptions{})
	assert.ErrorIs(t, err, ErrReleased)
}

func TestEmulatedBackend_UnknownNames(t *testing.T) {
	b := NewEmulatedBackend()
	ctx := openEmulated(t, b)
	defer ctx.Release()

	_, err := ctx.LoadProgram("vector_add")
	assert.ErrorIs(t, err, ErrUnknownBinary)
	assert.Equal(t, StatusInvalidBinary, StatusOf(err))

	program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
	require.NoError(t, err)
	defer program.Release()
	_, err = program.CreateKernel("gather")
	assert.ErrorIs(t, err, ErrUnknownKernel)
}

func TestEmulatedBackend_DependencyFailure(t *testing.T) {
	boom := errors.New("kernel fault")
	bin := Binary{
		Name: "faulty",
		Load: func(<-chan struct{}) map[string]KernelSpec {
			return map[string]KernelSpec{
				"fail": {Args: []Access{AccessWrite}, Run: func([][]int32) error { return boom }},
			}
		},
	}
	b := NewEmulatedBackend(WithBinary(bin))
	ctx := openEmulated(t, b)
	defer ctx.Release()

	program, err := ctx.LoadProgram("faulty")
	require.NoError(t, err)
	defer program.Release()
	kernel, err := program.CreateKernel("fail")
	require.NoError(t, err)
	defer kernel.Release()
	kernelQueue, err := ctx.CreateQueue(QueueOptions{Profiling: true})
	require.NoError(t, err)
	defer kernelQueue.Release()
	readQueue, err := ctx.CreateQueue(QueueOptions{})
	require.NoError(t, err)
	defer readQueue.Release()
	out, err := ctx.CreateBuffer(MemWriteOnly, 16)
	require.NoError(t, err)
	defer out.Release()
	require.NoError(t, kernel.SetArg(0, out))

	run, err := kernelQueue.EnqueueNDRange(kernel, 1, 1)
	require.NoError(t, err)
	read, err := readQueue.EnqueueRead(out, make([]int32, 4), run)
	require.NoError(t, err)

	assert.ErrorIs(t, run.Wait(), boom)
	err = read.Wait()
	assert.ErrorIs(t, err, ErrDependencyFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusExecFailureInWaitList, StatusOf(err))

	_, _, err = run.Profile()
	assert.ErrorIs(t, err, boom)
}

// failingLookupBinary is the lookup kernel set with a lookup that fails
// before producing any partial sum.
func failingLookupBinary(t *testing.T, cause error) Binary {
	t.Helper()
	good, err := EmbeddingLookupBinary(embedding.DefaultLayout, embedding.DefaultIndices)
	require.NoError(t, err)
	return Binary{
		Name:   good.Name,
		Layout: good.Layout,
		Load: func(abort <-chan struct{}) map[string]KernelSpec {
			kernels := good.Load(abort)
			lookup := kernels[LookupKernelName]
			lookup.Run = func([][]int32) error { return cause }
			kernels[LookupKernelName] = lookup
			return kernels
		},
	}
}

func TestEmulatedBackend_FailedLookupAbortsReduction(t *testing.T) {
	testCases := []struct {
		name        string
		reduceFirst bool
	}{
		{name: "lookup enqueued first"},
		{name: "reduction enqueued first", reduceFirst: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			boom := errors.New("lookup fault")
			b := NewEmulatedBackend(WithBinary(failingLookupBinary(t, boom)))
			ctx := openEmulated(t, b)
			defer ctx.Release()

			program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
			require.NoError(t, err)
			defer program.Release()
			lookup, err := program.CreateKernel(LookupKernelName)
			require.NoError(t, err)
			defer lookup.Release()
			reduction, err := program.CreateKernel(ReductionKernelName)
			require.NoError(t, err)
			defer reduction.Release()

			lookupQueue, err := ctx.CreateQueue(QueueOptions{})
			require.NoError(t, err)
			defer lookupQueue.Release()
			reductionQueue, err := ctx.CreateQueue(QueueOptions{})
			require.NoError(t, err)
			defer reductionQueue.Release()

			in, err := ctx.CreateBuffer(MemReadOnly, embedding.BankSize*4)
			require.NoError(t, err)
			defer in.Release()
			out, err := ctx.CreateBuffer(MemWriteOnly, embedding.BatchSize*4)
			require.NoError(t, err)
			defer out.Release()
			require.NoError(t, lookup.SetArg(0, in))
			require.NoError(t, reduction.SetArg(0, out))

			var lookupDone, reduceDone Event
			if tc.reduceFirst {
				reduceDone, err = reductionQueue.EnqueueNDRange(reduction, 1, 1)
				require.NoError(t, err)
				lookupDone, err = lookupQueue.EnqueueNDRange(lookup, 1, 1)
				require.NoError(t, err)
			} else {
				lookupDone, err = lookupQueue.EnqueueNDRange(lookup, 1, 1)
				require.NoError(t, err)
				reduceDone, err = reductionQueue.EnqueueNDRange(reduction, 1, 1)
				require.NoError(t, err)
			}
			read, err := reductionQueue.EnqueueRead(out, make([]int32, embedding.BatchSize), reduceDone)
			require.NoError(t, err)

			select {
			case <-read.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("read still pending after the lookup failed")
			}
			assert.ErrorIs(t, lookupDone.Wait(), boom)
			assert.ErrorIs(t, reduceDone.Wait(), ErrProgramAborted)
			err = read.Wait()
			assert.ErrorIs(t, err, ErrDependencyFailed)
			assert.ErrorIs(t, err, ErrProgramAborted)

			// The program stays aborted.
			_, err = lookupQueue.EnqueueNDRange(lookup, 1, 1)
			assert.ErrorIs(t, err, ErrProgramAborted)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, StatusInvalidOperation, StatusOf(err))
		})
	}
}

func TestEmulatedBackend_ProgramLayout(t *testing.T) {
	l := smallLayout(t)
	bin, err := EmbeddingLookupBinary(l, embedding.IndexBatch{0, 1, 3})
	require.NoError(t, err)

	b := NewEmulatedBackend(WithBinary(bin), WithBinary(Binary{
		Name: "undeclared",
		Load: func(<-chan struct{}) map[string]KernelSpec { return nil },
	}))
	ctx := openEmulated(t, b)
	defer ctx.Release()

	testCases := []struct {
		binary   string
		expected embedding.Layout
		declared bool
	}{
		{binary: EmbeddingLookupBinaryName, expected: l, declared: true},
		{binary: "undeclared"},
	}
	for _, tc := range testCases {
		t.Run(tc.binary, func(t *testing.T) {
			program, err := ctx.LoadProgram(tc.binary)
			require.NoError(t, err)
			defer program.Release()
			layout, ok := program.Layout()
			assert.Equal(t, tc.declared, ok)
			assert.Equal(t, tc.expected, layout)
		})
	}
}

func TestEmulatedBackend_Profiling(t *testing.T) {
	b := NewEmulatedBackend()
	ctx := openEmulated(t, b)
	defer ctx.Release()

	buf, err := ctx.CreateBuffer(MemReadOnly, 64)
	require.NoError(t, err)
	defer buf.Release()

	plain, err := ctx.CreateQueue(QueueOptions{})
	require.NoError(t, err)
	defer plain.Release()
	ev, err := plain.EnqueueWrite(buf, make([]int32, 16))
	require.NoError(t, err)
	require.NoError(t, ev.Wait())
	_, _, err = ev.Profile()
	assert.ErrorIs(t, err, ErrProfilingDisabled)

	profiled, err := ctx.CreateQueue(QueueOptions{Profiling: true})
	require.NoError(t, err)
	defer profiled.Release()
	ev, err = profiled.EnqueueWrite(buf, make([]int32, 16))
	require.NoError(t, err)
	<-ev.Done()
	start, end, err := ev.Profile()
	require.NoError(t, err)
	assert.False(t, end.Before(start))

	ev.Release()
	_, err = profiled.EnqueueWrite(buf, make([]int32, 16), ev)
	assert.ErrorIs(t, err, ErrReleased)

	_, err = profiled.EnqueueWrite(buf, make([]int32, 17))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestEmulatedBackend_FaultInjector(t *testing.T) {
	injected := errors.New("injected")
	b := NewEmulatedBackend(WithFaultInjector(func(resource string) error {
		if resource == "kernel "+ReductionKernelName {
			return injected
		}
		return nil
	}))
	ctx := openEmulated(t, b)
	defer ctx.Release()

	program, err := ctx.LoadProgram(EmbeddingLookupBinaryName)
	require.NoError(t, err)
	defer program.Release()

	lookup, err := program.CreateKernel(LookupKernelName)
	require.NoError(t, err)
	defer lookup.Release()

	_, err = program.CreateKernel(ReductionKernelName)
	assert.ErrorIs(t, err, injected)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "create kernel", aerr.Op)
	assert.Equal(t, ReductionKernelName, aerr.Resource)
}

func TestEmbeddingLookupBinary_Validation(t *testing.T) {
	_, err := EmbeddingLookupBinary(embedding.DefaultLayout, embedding.IndexBatch{1, 2, 3})
	assert.ErrorIs(t, err, embedding.ErrBatchSize)

	l := embedding.DefaultLayout
	l.Rows = 0
	_, err = EmbeddingLookupBinary(l, embedding.DefaultIndices)
	assert.Error(t, err)
}
