package logger

import (
	"go.uber.org/zap"
)

// New builds the production logger at the given verbosity. Sampling is off
// so repeated allocator warnings are never dropped.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	config.Sampling = nil
	config.InitialFields = map[string]interface{}{"service": "rdna"}
	return config.Build()
}
