package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsprobe-dev/opsprobe/internal/queue"
)

// newWorkerCmd creates the worker command
func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run an investigation worker pool",
		Long: `Run a standalone worker pool that claims investigation jobs from
the queue and executes them. Every produced fact is appended to the
durable session store; viewers attached to a gateway replay it from
there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool := queue.NewPool(rt.queue, rt.engine, rt.cfg.Worker, rt.logger)
			err = pool.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}
