package payments

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// Handler exposes the offline sync endpoint.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler constructs a payment handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// Sync accepts a merchant device batch. Row outcomes are in the body; the
// status is 202 whenever the batch was processed.
func (h *Handler) Sync(c *fiber.Ctx) error {
	var req SyncRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	if req.MerchantDeviceID == "" || req.SubmittedAt.IsZero() {
		return apperror.BadRequest("INVALID_REQUEST", "merchantDeviceId and submittedAt are required")
	}
	for _, t := range req.Transactions {
		if t.TxID == "" || t.IdempotencyKey == "" {
			return apperror.BadRequest("INVALID_REQUEST", "every transaction needs txId and idempotencyKey")
		}
	}

	resp, err := h.reconciler.Sync(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(resp)
}
