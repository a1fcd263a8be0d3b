package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/identity"
)

// RegisterIdentityRoutes wires service account administration.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/service-accounts", h.Register)
	r.Post("/service-accounts/:id/revoke", h.Revoke)
}
