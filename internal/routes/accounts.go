package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/account"
)

// RegisterAccountRoutes wires account endpoints.
func RegisterAccountRoutes(r fiber.Router, h *account.Handler) {
	r.Post("/accounts", h.Create)
	r.Get("/accounts/:id", h.Get)
	r.Get("/accounts/:id/balance", h.Balance)
	r.Get("/accounts/:id/transactions", h.Transactions)
	r.Patch("/accounts/:id/status", h.UpdateStatus)
}
