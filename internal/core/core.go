// Package core builds the bank's services from configuration and shared
// infrastructure, so the HTTP server, the worker and the CLI use one wiring.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kea-semester-1/best-bank-as/internal/account"
	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/config"
	"github.com/kea-semester-1/best-bank-as/internal/federation"
	"github.com/kea-semester-1/best-bank-as/internal/identity"
	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/notification"
	"github.com/kea-semester-1/best-bank-as/internal/tasks"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

const developmentSecret = "development-only-secret"

// Core holds every service of the bank.
type Core struct {
	Cfg    config.Config
	DB     *pgxpool.Pool // nil when running on the in-memory ledger
	Cache  *redis.Client // nil without Redis
	Logger *slog.Logger

	Store      ledger.Store
	Queue      tasks.Queue
	Notifier   notification.Notifier
	Accounts   *account.Service
	Engine     *transfer.Engine
	Federation *federation.Client
	Receiver   *federation.Receiver
	Reconciler *federation.Reconciler
	Identity   *identity.Service
	Tokens     *auth.Service
}

// New wires the services. Without a database the ledger and credential
// stores are in memory, which is only allowed in development; the settlement
// account and the configured peers are then provisioned immediately.
func New(ctx context.Context, cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Core, error) {
	if !cfg.Development() {
		if db == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv)
		}
		if cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv)
		}
	}

	c := &Core{Cfg: cfg, DB: db, Cache: cache, Logger: logger}

	var identityRepo identity.Repository
	if db != nil {
		c.Store = ledger.NewPostgresStore(db)
		identityRepo = identity.NewPostgresRepository(db)
	} else {
		c.Store = ledger.NewInMemory()
		identityRepo = identity.NewMemoryRepository()
	}

	switch cfg.Queue.Backend {
	case "redis":
		if cache == nil {
			return nil, errors.New("redis queue backend needs a redis client")
		}
		c.Queue = tasks.NewRedisQueue(cache, cfg.Queue.Key)
	default:
		c.Queue = tasks.NewMemoryQueue(1024)
	}

	c.Notifier = notification.NewLoggerNotifier(logger)
	c.Accounts = account.NewService(c.Store, logger)
	c.Engine = transfer.NewEngine(c.Store, c.Notifier, logger)
	c.Federation = federation.NewClient(c.Store, c.Engine, c.Queue, federation.Options{
		RegistrationNumber: cfg.Bank.RegistrationNumber,
		Credentials:        federation.Credentials{Username: cfg.Federation.Username, Password: cfg.Federation.Password},
		HTTPTimeout:        cfg.Federation.HTTPTimeout,
		MaxAttempts:        cfg.Federation.MaxAttempts,
		InitialBackoff:     cfg.Federation.InitialBackoff,
		Notifier:           c.Notifier,
	}, logger)
	c.Receiver = federation.NewReceiver(c.Store, c.Engine, c.Notifier, logger)
	c.Reconciler = federation.NewReconciler(c.Store, c.Engine, c.Notifier, logger)
	c.Identity = identity.NewService(identityRepo)

	secret := cfg.Auth.TokenSecret
	if secret == "" {
		logger.Warn("AUTH_TOKEN_SECRET not set, using the development secret")
		secret = developmentSecret
	}
	c.Tokens = auth.NewService(secret, cfg.Auth.TokenTTL)

	if db == nil {
		if _, err := c.Provision(ctx); err != nil {
			return nil, fmt.Errorf("provision in-memory ledger: %w", err)
		}
	}
	return c, nil
}

// ProvisionReport summarises what Provision changed.
type ProvisionReport struct {
	Internal        ledger.Account
	InternalCreated bool
	Peers           []ledger.Bank
}

// Provision creates the internal settlement account when it is missing and
// upserts every configured peer bank. It is safe to run repeatedly.
func (c *Core) Provision(ctx context.Context) (ProvisionReport, error) {
	var report ProvisionReport
	internal, created, err := c.Accounts.ProvisionInternal(ctx)
	if err != nil {
		return report, fmt.Errorf("internal account: %w", err)
	}
	report.Internal, report.InternalCreated = internal, created

	for _, p := range c.Cfg.Peers {
		scheme := ledger.AuthScheme(p.AuthScheme)
		if scheme == "" {
			scheme = ledger.AuthToken
		}
		if !scheme.Valid() {
			return report, fmt.Errorf("peer %s: unknown auth scheme %q", p.RegistrationNumber, p.AuthScheme)
		}
		bank, err := c.Store.CreateBank(ctx, ledger.Bank{
			RegistrationNumber: p.RegistrationNumber,
			Name:               p.Name,
			BranchName:         p.BranchName,
			BaseURL:            p.BaseURL,
			AuthScheme:         scheme,
		})
		if err != nil {
			return report, fmt.Errorf("peer %s: %w", p.RegistrationNumber, err)
		}
		report.Peers = append(report.Peers, bank)
	}
	return report, nil
}

// NewWorker returns a task worker with the federation handlers registered.
func (c *Core) NewWorker() *tasks.Worker {
	w := tasks.NewWorker(c.Queue, c.Cfg.Federation.Workers, c.Logger)
	w.Handle(tasks.KindFederationSettle, c.Federation.SettleTask)
	return w
}

// RunBackground runs the task worker and the reconciliation sweep until ctx
// is done.
func (c *Core) RunBackground(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Reconciler.Run(ctx, c.Cfg.Federation.ReconcileAfter, c.Cfg.Federation.ReconcileInterval)
	}()
	c.NewWorker().Run(ctx)
	<-done
}
