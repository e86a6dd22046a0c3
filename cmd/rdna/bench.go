package main

import (
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/fxnlabs/rdna/internal/bench"
	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/fxnlabs/rdna/internal/report"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run a synthetic allocation workload and print the memory summary",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "device", Usage: "Device to run on"},
			&cli.IntFlag{Name: "workers", Value: runtime.NumCPU(), Usage: "Concurrent workers"},
			&cli.IntFlag{Name: "iterations", Value: 1000, Usage: "Allocations per worker"},
			&cli.StringFlag{Name: "min-size", Value: "256", Usage: "Smallest allocation"},
			&cli.StringFlag{Name: "max-size", Value: "4MiB", Usage: "Largest allocation"},
			&cli.BoolFlag{Name: "streams", Value: true, Usage: "Give each worker its own stream"},
			&cli.BoolFlag{Name: "verify", Usage: "Read written data back and compare"},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "Random seed"},
			&cli.BoolFlag{Name: "empty-cache", Usage: "Empty the cache before printing the summary"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			minSize, err := units.RAMInBytes(c.String("min-size"))
			if err != nil {
				return fmt.Errorf("min-size: %w", err)
			}
			maxSize, err := units.RAMInBytes(c.String("max-size"))
			if err != nil {
				return fmt.Errorf("max-size: %w", err)
			}
			if minSize <= 0 || maxSize <= 0 {
				return fmt.Errorf("sizes must be positive")
			}

			gpuOpts, err := cfg.GPUOptions()
			if err != nil {
				return err
			}
			memCfg, err := cfg.MemoryConfig()
			if err != nil {
				return err
			}
			devices, err := gpu.NewManager(gpuOpts, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := devices.Cleanup(); err != nil {
					log.Warn("failed to clean up devices", zap.Error(err))
				}
			}()

			events := memory.NewEventCounter()
			mem := memory.NewManager(devices.Store, devices, memCfg, log, memory.WithStreamTracker(events))
			defer func() {
				if err := mem.Close(); err != nil {
					log.Warn("failed to close allocators", zap.Error(err))
				}
			}()

			device := c.Int("device")
			res, err := bench.NewRunner(devices, mem, events, log).Run(c.Context, bench.Options{
				Device:     device,
				Workers:    c.Int("workers"),
				Iterations: c.Int("iterations"),
				MinSize:    uint64(minSize),
				MaxSize:    uint64(maxSize),
				Streams:    c.Bool("streams"),
				Verify:     c.Bool("verify"),
				Seed:       c.Int64("seed"),
			})
			if err != nil {
				return err
			}

			a, err := mem.Allocator(device)
			if err != nil {
				return err
			}
			if c.Bool("empty-cache") {
				if err := a.EmptyCache(); err != nil {
					return err
				}
			}
			total, err := a.TotalMemory()
			if err != nil {
				return err
			}
			free, err := a.FreeMemory()
			if err != nil {
				return err
			}

			fmt.Printf("%d allocations (%s) in %s, %d out of memory\n",
				res.Allocations, units.BytesSize(float64(res.Bytes)), res.Elapsed, res.OutOfMemory)
			if secs := res.Elapsed.Seconds(); secs > 0 {
				fmt.Printf("%.0f allocations/s\n", float64(res.Allocations)/secs)
			}
			fmt.Print(report.Build(a.Snapshot(), total, free).String())
			return nil
		},
	}
}
