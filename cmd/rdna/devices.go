package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/docker/go-units"
	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const smiTimeout = 5 * time.Second

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices the allocator can use",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "smi",
				Usage: "Also report VRAM usage from rocm-smi",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			opts, err := cfg.GPUOptions()
			if err != nil {
				return err
			}
			devices, err := gpu.NewManager(opts, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := devices.Cleanup(); err != nil {
					log.Warn("failed to clean up devices", zap.Error(err))
				}
			}()

			figure.NewFigure("rdna", "", true).Print()
			fmt.Println("")
			fmt.Printf("Backend: %s\n", devices.GetBackendType())
			for _, info := range devices.DeviceInfos() {
				fmt.Printf("   Device %d: %s\n", info.Index, info.Name)
				if info.Architecture != "" {
					fmt.Printf("     Architecture: %s\n", info.Architecture)
				}
				if info.DriverVersion != "" {
					fmt.Printf("     Driver: %s\n", info.DriverVersion)
				}
				if info.TotalMemory > 0 {
					fmt.Printf("     Memory: %s free of %s\n",
						units.BytesSize(float64(info.AvailableMemory)),
						units.BytesSize(float64(info.TotalMemory)))
				}
			}

			if !c.Bool("smi") {
				return nil
			}
			ctx, cancel := context.WithTimeout(c.Context, smiTimeout)
			defer cancel()
			mem, err := gpu.QuerySMI(ctx)
			if errors.Is(err, gpu.ErrSMINotFound) {
				fmt.Println("rocm-smi: not installed")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("rocm-smi:")
			for _, m := range mem {
				fmt.Printf("   %s: %s used of %s\n", m.Device,
					units.BytesSize(float64(m.UsedBytes)),
					units.BytesSize(float64(m.TotalBytes)))
			}
			return nil
		},
	}
}
