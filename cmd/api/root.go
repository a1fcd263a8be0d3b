package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kea-semester-1/best-bank-as/internal/config"
	"github.com/kea-semester-1/best-bank-as/internal/core"
	"github.com/kea-semester-1/best-bank-as/internal/infra"
	"github.com/kea-semester-1/best-bank-as/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bestbank",
		Short:         "Ledger core and inter-bank transfer service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newProvisionCmd())
	return root
}

// app is the runtime shared by every command that talks to the ledger.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *pgxpool.Pool
	cache  *redis.Client
	core   *core.Core
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		a.db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using the in-memory ledger")
	}

	if cfg.RedisURL != "" {
		blocking := 0
		if cfg.Queue.Backend == "redis" {
			blocking = cfg.Federation.Workers
		}
		a.cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, infra.RedisOptions{
			PoolSize:        cfg.RedisPoolSize,
			BlockingClients: blocking,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	a.core, err = core.New(ctx, cfg, a.db, a.cache, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
