package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a production logger at verbosity. encoding is "json" or
// "console"; empty keeps the production default of json.
func New(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	switch encoding {
	case "":
	case "json", "console":
		config.Encoding = encoding
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
	return config.Build()
}
