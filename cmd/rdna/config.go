package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/rdna/fixtures"
	"github.com/fxnlabs/rdna/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func configCommands() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a default configuration file",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = defaultConfigPath
					}
					flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
					if c.Bool("force") {
						flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
					}
					f, err := os.OpenFile(path, flags, 0o644)
					if err != nil {
						return err
					}
					if _, err := f.Write(fixtures.ConfigTemplate); err != nil {
						f.Close()
						return err
					}
					if err := f.Close(); err != nil {
						return err
					}
					appLogger(c).Info("Wrote configuration", zap.String("path", path))
					return nil
				},
			},
			{
				Name:      "check",
				Usage:     "Validate a configuration file",
				ArgsUsage: "[path]",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = defaultConfigPath
					}
					cfg, err := config.LoadConfig(path)
					if err != nil {
						return err
					}
					memCfg, _ := cfg.MemoryConfig()
					fmt.Printf("%s: ok (backend %s, cache limit %d bytes, listening on %s)\n",
						path, cfg.Backend.Kind, memCfg.CacheSizeLimit, cfg.Addr())
					return nil
				},
			},
		},
	}
}
