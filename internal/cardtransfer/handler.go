package cardtransfer

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// Handler exposes card transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a card transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Start opens a transfer and returns the one-time code.
func (h *Handler) Start(c *fiber.Ctx) error {
	var req StartInput
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	res, err := h.service.Start(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Complete redeems a transfer code.
func (h *Handler) Complete(c *fiber.Ctx) error {
	var req CompleteInput
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	res, err := h.service.Complete(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(res)
}
