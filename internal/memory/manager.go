// Package memory owns host and device buffers of the lookup pipeline and
// moves data between them.
package memory

import (
	"fmt"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/metrics"
	"go.uber.org/zap"
)

// Manager allocates buffers and enqueues transfers. It holds no buffers
// itself; ownership stays with the caller.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a Manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// AllocateTable allocates an aligned host buffer for a flat table of size
// elements.
func (m *Manager) AllocateTable(size int) (*HostBuffer, error) {
	buf, err := NewHostBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("table host buffer: %w", err)
	}
	return buf, nil
}

// AllocateOutput allocates an aligned host buffer for batchSize results.
func (m *Manager) AllocateOutput(batchSize int) (*HostBuffer, error) {
	buf, err := NewHostBuffer(batchSize)
	if err != nil {
		return nil, fmt.Errorf("output host buffer: %w", err)
	}
	return buf, nil
}

// CreateInputBuffer creates a device buffer of elements int32 values that
// kernels may only read.
func (m *Manager) CreateInputBuffer(ctx accel.Context, elements int) (accel.Buffer, error) {
	return m.createBuffer(ctx, accel.MemReadOnly, elements)
}

// CreateOutputBuffer creates a device buffer of elements int32 values that
// kernels may only write.
func (m *Manager) CreateOutputBuffer(ctx accel.Context, elements int) (accel.Buffer, error) {
	return m.createBuffer(ctx, accel.MemWriteOnly, elements)
}

func (m *Manager) createBuffer(ctx accel.Context, flags accel.MemFlags, elements int) (accel.Buffer, error) {
	buf, err := ctx.CreateBuffer(flags, elements*4)
	if err != nil {
		return nil, fmt.Errorf("create %s device buffer: %w", flags, err)
	}
	metrics.DeviceBuffersAllocated.Inc()
	m.logger.Debug("device buffer created", zap.Stringer("flags", flags), zap.Int("bytes", elements*4))
	return buf, nil
}

// ReleaseBuffer releases a buffer created by this Manager.
func (m *Manager) ReleaseBuffer(buf accel.Buffer) error {
	if err := buf.Release(); err != nil {
		return err
	}
	metrics.DeviceBuffersAllocated.Dec()
	return nil
}

// Upload enqueues a non-blocking copy of table into dst on q.
func (m *Manager) Upload(q accel.Queue, dst accel.Buffer, table []int32, wait ...accel.Event) (accel.Event, error) {
	ev, err := q.EnqueueWrite(dst, table, wait...)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	metrics.DeviceBytesTransferred.WithLabelValues(metrics.DirectionUpload).Add(float64(len(table) * 4))
	return ev, nil
}

// Download enqueues a non-blocking copy of the first len(out) elements of src
// into out on q. out is valid once the returned event completes.
func (m *Manager) Download(q accel.Queue, src accel.Buffer, out []int32, wait ...accel.Event) (accel.Event, error) {
	ev, err := q.EnqueueRead(src, out, wait...)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	metrics.DeviceBytesTransferred.WithLabelValues(metrics.DirectionDownload).Add(float64(len(out) * 4))
	return ev, nil
}

// RoundTrip uploads data into buf, reads it back and blocks until the read
// completes.
func (m *Manager) RoundTrip(q accel.Queue, buf accel.Buffer, data []int32) ([]int32, error) {
	upload, err := m.Upload(q, buf, data)
	if err != nil {
		return nil, err
	}
	defer upload.Release()

	back := make([]int32, len(data))
	download, err := m.Download(q, buf, back, upload)
	if err != nil {
		return nil, err
	}
	defer download.Release()

	if err := download.Wait(); err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return back, nil
}
