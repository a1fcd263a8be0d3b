package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/kea-semester-1/best-bank-as/internal/account"
	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/core"
	"github.com/kea-semester-1/best-bank-as/internal/federation"
	"github.com/kea-semester-1/best-bank-as/internal/identity"
	"github.com/kea-semester-1/best-bank-as/internal/middleware"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Core *core.Core
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	c := d.Core
	cfg := c.Cfg

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if cfg.LogFormat == "text" {
		// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(c.Logger))
	}

	RegisterHealthRoutes(app, d)

	accountHandler := account.NewHandler(c.Accounts)
	transferHandler := transfer.NewHandler(c.Engine, c.Store)
	federationHandler := federation.NewHandler(c.Federation, c.Receiver)
	identityHandler := identity.NewHandler(c.Identity)
	authHandler := auth.NewHandler(c.Identity, c.Tokens)

	// Peer facing protocol
	RegisterAuthRoutes(app, authHandler, middleware.TokenRateLimit(c.Cache, 10))
	RegisterPeerRoutes(app, federationHandler,
		middleware.BearerAuth(c.Tokens, c.Identity, c.Logger, auth.RoleBank),
		middleware.Idempotency(c.Cache, middleware.IdempotencyConfig{
			TTL: cfg.IdempotencyTTL,
			Scope: func(ctx *fiber.Ctx) string {
				claims, _ := auth.ClaimsFrom(ctx)
				return "peer:" + claims.Registration
			},
		}, c.Logger),
	)

	// Staff API
	api := app.Group("/api/v1")
	api.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(ctx),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("",
		middleware.BearerAuth(c.Tokens, c.Identity, c.Logger, auth.RoleStaff),
		middleware.Idempotency(c.Cache, middleware.IdempotencyConfig{
			TTL:      cfg.IdempotencyTTL,
			Optional: true,
			Scope: func(ctx *fiber.Ctx) string {
				claims, _ := auth.ClaimsFrom(ctx)
				return "staff:" + claims.Subject
			},
		}, c.Logger),
	)
	RegisterAccountRoutes(protected, accountHandler)
	RegisterTransferRoutes(protected, transferHandler, federationHandler)
	RegisterIdentityRoutes(protected, identityHandler)
}
