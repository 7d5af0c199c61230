package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/settlement"
)

// RegisterSettlementRoutes wires the daily merchant reconciliation.
func RegisterSettlementRoutes(r fiber.Router, h *settlement.Handler) {
	r.Post("/settlements/reconcile", h.Reconcile)
}

// RegisterAuditRoutes exposes audit events by subject.
func RegisterAuditRoutes(r fiber.Router, h *audit.Handler) {
	r.Get("/audit/:subjectId", h.ListBySubject)
}
