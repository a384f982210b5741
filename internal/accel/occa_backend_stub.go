//go:build !occa
// +build !occa

package accel

import "go.uber.org/zap"

// DefaultOCCAProperties selects the portable Serial OCCA mode
const DefaultOCCAProperties = `{"mode": "Serial"}`

// OCCABackend is a stub type when OCCA support is not compiled in
type OCCABackend struct {
	logger     *zap.Logger
	properties string
}

// NewOCCABackend returns a backend that always reports itself unavailable
func NewOCCABackend(properties string, logger *zap.Logger) *OCCABackend {
	return &OCCABackend{logger: logger, properties: properties}
}

// Stub implementations to satisfy Backend interface
func (b *OCCABackend) Name() string {
	return "occa"
}

func (b *OCCABackend) IsAvailable() bool {
	return false
}

func (b *OCCABackend) Platform() (PlatformInfo, error) {
	return PlatformInfo{}, newError("get platform", "occa", StatusDeviceNotFound, ErrBackendNotAvailable)
}

func (b *OCCABackend) Devices() ([]DeviceInfo, error) {
	return nil, newError("get devices", "occa", StatusDeviceNotFound, ErrBackendNotAvailable)
}

func (b *OCCABackend) CreateContext(device DeviceInfo) (Context, error) {
	return nil, newError("create context", device.Name, StatusInvalidContext, ErrBackendNotAvailable)
}
