package accel

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend kinds accepted by NewBackend
const (
	KindAuto     = "auto"
	KindEmulated = "emulated"
	KindOCCA     = "occa"
)

// Options select and configure a backend
type Options struct {
	Kind           string
	OCCAProperties string
	Emulated       []EmulatedOption
}

// NewBackend creates the requested backend. KindAuto tries OCCA first and
// falls back to the emulated device.
func NewBackend(opts Options, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	emulated := func() Backend {
		return NewEmulatedBackend(append([]EmulatedOption{WithLogger(logger.Named("emulated"))}, opts.Emulated...)...)
	}

	switch opts.Kind {
	case KindEmulated:
		logger.Info("Using emulated accelerator backend")
		return emulated(), nil
	case KindOCCA:
		occa := NewOCCABackend(opts.OCCAProperties, logger.Named("occa"))
		if !occa.IsAvailable() {
			return nil, fmt.Errorf("occa backend: %w", ErrBackendNotAvailable)
		}
		logger.Info("Using OCCA accelerator backend", zap.String("properties", opts.OCCAProperties))
		return occa, nil
	case KindAuto, "":
		occa := NewOCCABackend(opts.OCCAProperties, logger.Named("occa"))
		if occa.IsAvailable() {
			logger.Info("Using OCCA accelerator backend", zap.String("properties", opts.OCCAProperties))
			return occa, nil
		}
		logger.Info("Using emulated accelerator backend (no OCCA device available)")
		return emulated(), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", opts.Kind)
	}
}
