package main

import (
	"context"

	"github.com/fxnlabs/rdna/internal/app"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve allocator state and metrics over HTTP",
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			service := fx.New(
				fx.Supply(cfg, log),
				app.WithLogger(log),
				app.Module,
			)
			if err := service.Start(c.Context); err != nil {
				return err
			}

			sig := <-service.Wait()
			log.Info("shutting down", zap.Any("signal", sig.Signal))

			ctx, cancel := context.WithTimeout(context.Background(), service.StopTimeout())
			defer cancel()
			return service.Stop(ctx)
		},
	}
}
