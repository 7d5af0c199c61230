package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/payments"
)

// RegisterPaymentRoutes wires the offline batch upload.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, rateLimiter fiber.Handler) {
	if rateLimiter != nil {
		r.Post("/offline-transactions/sync", rateLimiter, h.Sync)
		return
	}
	r.Post("/offline-transactions/sync", h.Sync)
}
