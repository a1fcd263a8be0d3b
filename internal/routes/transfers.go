package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/federation"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

// RegisterTransferRoutes wires internal and outgoing federated transfers and
// the transaction status endpoint.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler, fh *federation.Handler) {
	r.Post("/transfers", h.Create)
	r.Post("/transfers/external", fh.Create)
	r.Get("/transactions/:id", h.Status)
}

// RegisterPeerRoutes wires the endpoint peer banks push transfers to. guard
// runs before the handler, in order.
func RegisterPeerRoutes(r fiber.Router, fh *federation.Handler, guard ...fiber.Handler) {
	handlers := append(guard, fh.Receive)
	r.Post("/external-transfer/", handlers...)
}
