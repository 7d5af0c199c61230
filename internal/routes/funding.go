package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/funding"
)

// RegisterFundingRoutes wires the direct ledger paths. Money-moving calls go
// through idempotency.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler, idempotency fiber.Handler) {
	r.Post("/wallet/topup", idempotency, h.TopUp)
	r.Post("/wallet/refund", idempotency, h.Refund)
	r.Get("/wallet/:accountId/balance", h.Balance)
	r.Get("/history/:accountId", h.History)
}
