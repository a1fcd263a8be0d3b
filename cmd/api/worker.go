package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Settle queued inter-bank transfers and run the reconciliation sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Queue.Backend != "redis" {
				return errors.New("the worker command needs QUEUE_BACKEND=redis")
			}

			a.logger.Info("worker started", "workers", a.cfg.Federation.Workers, "queue", a.cfg.Queue.Key)
			a.core.RunBackground(ctx)
			a.logger.Info("worker stopped")
			return nil
		},
	}
}
