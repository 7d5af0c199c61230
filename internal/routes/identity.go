package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/identity"
)

// RegisterIdentityRoutes wires account and device provisioning endpoints.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/:accountId", h.GetAccount)
	r.Post("/devices/register", h.RegisterDevice)
	r.Get("/devices/:deviceId", h.GetDevice)
	r.Post("/devices/:deviceId/freeze", h.FreezeDevice)
	r.Post("/devices/:deviceId/revoke", h.RevokeDevice)
}
