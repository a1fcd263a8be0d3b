package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if _, err := a.core.Accounts.EnsureInternal(ctx); err != nil {
		if errors.Is(err, ledger.ErrInternalAccountMissing) {
			return fmt.Errorf("%w: run the provision command first", err)
		}
		return err
	}

	srv := server.New(a.core)

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if a.cfg.Federation.InlineWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.core.RunBackground(bgCtx)
		}()
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("server started", "addr", a.cfg.Address(), "env", a.cfg.AppEnv)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-srvErrCh:
		if serveErr != nil {
			logger.Error("server error", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownPeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		serveErr = errors.Join(serveErr, err)
	}

	cancelBackground()
	wg.Wait()

	if serveErr == nil {
		logger.Info("server exited cleanly")
	}
	return serveErr
}
