package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/cardtransfer"
)

// RegisterCardTransferRoutes wires device migration.
func RegisterCardTransferRoutes(r fiber.Router, h *cardtransfer.Handler) {
	group := r.Group("/cards/transfer")
	group.Post("/start", h.Start)
	group.Post("/complete", h.Complete)
}
