package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// failNth fails the nth acquisition (1-based) of resource.
func failNth(resource string, nth int, err error) func(string) error {
	seen := 0
	return func(r string) error {
		if r != resource {
			return nil
		}
		seen++
		if seen == nth {
			return err
		}
		return nil
	}
}

func TestOpenClose(t *testing.T) {
	b := accel.NewEmulatedBackend()
	s, err := Open(b, Options{Logger: zap.NewNop()})
	require.NoError(t, err)

	assert.Equal(t, "Emulated FPGA Platform", s.Platform.Name)
	assert.Equal(t, 1, s.DeviceCount)
	assert.Equal(t, embedding.DefaultLayout, s.Layout)
	assert.Equal(t, embedding.BankSize*4, s.Input.Size())
	assert.Equal(t, accel.MemReadOnly, s.Input.Flags())
	assert.Equal(t, embedding.BatchSize*4, s.Output.Size())
	assert.Equal(t, accel.MemWriteOnly, s.Output.Flags())
	assert.Equal(t, embedding.BankSize, s.HostTable.Len())
	assert.Equal(t, embedding.BatchSize, s.HostOutput.Len())
	assert.Equal(t, accel.LookupKernelName, s.LookupKernel.Name())
	assert.Equal(t, accel.ReductionKernelName, s.ReductionKernel.Name())
	// context, program, 2 queues, 2 kernels, 2 buffers
	assert.Equal(t, int64(8), b.LiveHandles())

	require.NoError(t, s.Close())
	assert.Zero(t, b.LiveHandles())
	assert.Zero(t, b.MemoryInUse())

	// Repeated Close is a no-op, not a second release
	require.NoError(t, s.Close())
	assert.Zero(t, b.LiveHandles())
}

func TestOpen_DeviceCount(t *testing.T) {
	for _, n := range []int{0, 2} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			b := accel.NewEmulatedBackend(accel.WithDeviceCount(n))
			_, err := Open(b, Options{})
			require.Error(t, err)

			var acquireErr *AcquireError
			require.ErrorAs(t, err, &acquireErr)
			assert.Equal(t, "devices", acquireErr.Resource)

			var countErr *DeviceCountError
			require.ErrorAs(t, err, &countErr)
			assert.Equal(t, n, countErr.Count)
			assert.Zero(t, b.LiveHandles())
		})
	}
}

func TestOpen_PartialInitTeardown(t *testing.T) {
	injected := errors.New("injected")

	testCases := []struct {
		fault    string
		nth      int
		resource string
	}{
		{fault: "devices", nth: 1, resource: "devices"},
		{fault: "context", nth: 1, resource: "context"},
		{fault: "program " + accel.EmbeddingLookupBinaryName, nth: 1, resource: "program"},
		{fault: "queue", nth: 1, resource: "lookup queue"},
		{fault: "queue", nth: 2, resource: "reduction queue"},
		{fault: "kernel " + accel.LookupKernelName, nth: 1, resource: "lookup kernel"},
		{fault: "kernel " + accel.ReductionKernelName, nth: 1, resource: "reduction kernel"},
		{fault: "buffer", nth: 1, resource: "input buffer"},
		{fault: "buffer", nth: 2, resource: "output buffer"},
	}

	for _, tc := range testCases {
		t.Run(tc.resource, func(t *testing.T) {
			b := accel.NewEmulatedBackend(accel.WithFaultInjector(failNth(tc.fault, tc.nth, injected)))
			s, err := Open(b, Options{})
			require.Error(t, err)
			assert.Nil(t, s)

			var acquireErr *AcquireError
			require.ErrorAs(t, err, &acquireErr)
			assert.Equal(t, tc.resource, acquireErr.Resource)
			assert.ErrorIs(t, err, injected)

			// A double release would drive the live count negative.
			assert.Zero(t, b.LiveHandles())
			assert.Zero(t, b.MemoryInUse())
		})
	}
}

func TestOpen_OutOfDeviceMemory(t *testing.T) {
	b := accel.NewEmulatedBackend(accel.WithMemoryLimit(embedding.BankSize * 4))
	_, err := Open(b, Options{})
	require.Error(t, err)

	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "output buffer", acquireErr.Resource)
	assert.ErrorIs(t, err, accel.ErrOutOfDeviceMemory)
	assert.Zero(t, b.LiveHandles())
	assert.Zero(t, b.MemoryInUse())
}

func TestOpen_UnknownBinary(t *testing.T) {
	b := accel.NewEmulatedBackend()
	_, err := Open(b, Options{Binary: "vector_add"})

	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "program", acquireErr.Resource)
	assert.ErrorIs(t, err, accel.ErrUnknownBinary)
	assert.Zero(t, b.LiveHandles())
}

func TestOpen_InvalidLayout(t *testing.T) {
	l := embedding.DefaultLayout
	l.AddrStart[1] = 0

	_, err := Open(accel.NewEmulatedBackend(), Options{Layout: l})
	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "layout", acquireErr.Resource)
}

func TestOpen_LayoutMismatch(t *testing.T) {
	small, err := embedding.NewLayout([embedding.NumTables]int{embedding.DataSize0, embedding.DataSize1, embedding.DataSize2}, 4, 3)
	require.NoError(t, err)
	smallBinary, err := accel.EmbeddingLookupBinary(small, embedding.IndexBatch{0, 1, 2})
	require.NoError(t, err)

	testCases := []struct {
		name     string
		options  []accel.EmulatedOption
		layout   embedding.Layout
		mismatch bool
	}{
		{name: "default binary with smaller session layout", layout: small, mismatch: true},
		{name: "smaller binary with default session layout", options: []accel.EmulatedOption{accel.WithBinary(smallBinary)}, mismatch: true},
		{name: "matching layouts", options: []accel.EmulatedOption{accel.WithBinary(smallBinary)}, layout: small},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := accel.NewEmulatedBackend(tc.options...)
			s, err := Open(b, Options{Layout: tc.layout})
			if !tc.mismatch {
				require.NoError(t, err)
				require.NoError(t, s.Close())
				return
			}
			var acquireErr *AcquireError
			require.ErrorAs(t, err, &acquireErr)
			assert.Equal(t, "program", acquireErr.Resource)
			assert.ErrorIs(t, err, ErrLayoutMismatch)
			assert.Zero(t, b.LiveHandles())
		})
	}
}

func TestSession_Fault(t *testing.T) {
	s, err := Open(accel.NewEmulatedBackend(), Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Err())

	first := errors.New("dispatch failed")
	s.Fault(first)
	s.Fault(errors.New("later failure"))

	err = s.Err()
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, err, first)
	assert.NotContains(t, err.Error(), "later failure")
}
