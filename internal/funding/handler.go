package funding

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// Handler exposes wallet and history endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// TopUp credits a wallet.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	var req TopUpRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	if req.AccountID == "" {
		return apperror.BadRequest("INVALID_REQUEST", "accountId is required")
	}
	res, err := h.service.TopUp(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Refund returns money to a payer.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req RefundRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	if req.OriginalTxID == "" {
		return apperror.BadRequest("INVALID_REQUEST", "originalTxId is required")
	}
	res, err := h.service.Refund(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(res)
}

// Balance returns a wallet snapshot.
func (h *Handler) Balance(c *fiber.Ctx) error {
	res, err := h.service.Balance(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// History lists recent activity; ?limit defaults to 50 and caps at 500.
func (h *Handler) History(c *fiber.Ctx) error {
	res, err := h.service.History(c.UserContext(), c.Params("accountId"), c.QueryInt("limit", DefaultHistoryLimit))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
