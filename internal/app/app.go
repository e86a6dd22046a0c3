// Package app wires the allocator service together with fx.
package app

import (
	"context"

	"github.com/fxnlabs/rdna/internal/config"
	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/fxnlabs/rdna/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module provides the device managers, the metrics registry, the HTTP
// handler and a server started with the application. It expects a
// *config.Config and a *zap.Logger to be supplied.
var Module = fx.Options(
	fx.Provide(
		NewDevices,
		NewMemory,
		NewRegistry,
		NewHandler,
		NewServer,
	),
	fx.Invoke(func(*Server) {}),
)

// WithLogger routes fx's own events through logger.
func WithLogger(logger *zap.Logger) fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	})
}

// NewDevices opens the configured backends and cleans them up on stop.
func NewDevices(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*gpu.Manager, error) {
	opts, err := cfg.GPUOptions()
	if err != nil {
		return nil, err
	}
	devices, err := gpu.NewManager(opts, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return devices.Cleanup()
		},
	})
	return devices, nil
}

// NewMemory creates the allocator manager on top of devices. Its allocators
// are closed on stop, before the backends they draw from.
func NewMemory(lc fx.Lifecycle, cfg *config.Config, devices *gpu.Manager, logger *zap.Logger) (*memory.Manager, error) {
	memCfg, err := cfg.MemoryConfig()
	if err != nil {
		return nil, err
	}
	mem := memory.NewManager(devices.Store, devices, memCfg, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return mem.Close()
		},
	})
	return mem, nil
}

// NewRegistry creates the registry holding the allocator collector. It is
// served on /metrics next to the default registry, which already carries the
// runtime collectors.
func NewRegistry(mem *memory.Manager, logger *zap.Logger) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewAllocatorCollector(mem, logger)); err != nil {
		return nil, err
	}
	return reg, nil
}
