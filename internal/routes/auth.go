package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

// RegisterAuthRoutes wires the token endpoint peers log in through.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter fiber.Handler) {
	if rateLimiter != nil {
		r.Post("/auth-token/", rateLimiter, h.Token)
		return
	}
	r.Post("/auth-token/", h.Token)
}
