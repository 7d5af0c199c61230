package settlement

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// Handler exposes the settlement endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type reconcileRequest struct {
	MerchantAccountID string `json:"merchantAccountId"`
	Date              string `json:"date"`
	ActorAccountID    string `json:"actorAccountId"`
}

// Reconcile runs a settlement pass for one merchant-day.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	var req reconcileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	if req.MerchantAccountID == "" {
		return apperror.BadRequest("INVALID_REQUEST", "merchantAccountId is required")
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return err
	}
	summary, err := h.service.Reconcile(c.UserContext(), req.MerchantAccountID, date, req.ActorAccountID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(summary)
}
