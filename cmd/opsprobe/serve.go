package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opsprobe-dev/opsprobe/internal/gateway"
	"github.com/opsprobe-dev/opsprobe/internal/queue"
	"github.com/opsprobe-dev/opsprobe/internal/registry"
)

// newServeCmd creates the serve command
func newServeCmd(configPath *string) *cobra.Command {
	var embeddedWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the viewer gateway",
		Long: `Run the WebSocket gateway serving live investigation viewers.

With --embedded-workers (the default) an investigation worker pool runs in
the same process, so published events reach viewers over the in-process
bus. Disable it when dedicated worker processes consume the queue; viewers
then rely on history replay from the durable store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := registry.New(rt.bus, rt.cfg.Server.HeartbeatInterval, rt.logger)
			server := gateway.New(rt.cfg.Server, rt.store, rt.sessions, rt.queue, rt.engine, reg, rt.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx) })
			g.Go(func() error { return reg.Run(gctx) })
			if embeddedWorkers {
				pool := queue.NewPool(rt.queue, rt.engine, rt.cfg.Worker, rt.logger)
				g.Go(func() error { return pool.Run(gctx) })
			}

			err = g.Wait()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&embeddedWorkers, "embedded-workers", true, "run an investigation worker pool in this process")
	return cmd
}
