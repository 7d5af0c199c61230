package identity

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/risk"
)

// Handler exposes account and device endpoints.
type Handler struct {
	service *Service
	policy  risk.Policy
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service, policy risk.Policy) *Handler {
	return &Handler{service: service, policy: policy}
}

type statusRequest struct {
	Reason         string `json:"reason"`
	ActorAccountID string `json:"actorAccountId"`
	ActorDeviceID  string `json:"actorDeviceId"`
}

// CreateAccount handles account onboarding.
func (h *Handler) CreateAccount(c *fiber.Ctx) error {
	var req CreateAccountInput
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	account, err := h.service.CreateAccount(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(account)
}

// GetAccount returns an account with its current balance.
func (h *Handler) GetAccount(c *fiber.Ctx) error {
	account, wallet, err := h.service.AccountWallet(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"account": account, "balance": wallet})
}

// RegisterDevice binds a device key and hands back the risk policy the device
// must enforce offline.
func (h *Handler) RegisterDevice(c *fiber.Ctx) error {
	var req RegisterDeviceInput
	if err := c.BodyParser(&req); err != nil {
		return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
	}
	device, err := h.service.RegisterDevice(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"device": device, "riskPolicy": h.policy})
}

// GetDevice returns one device.
func (h *Handler) GetDevice(c *fiber.Ctx) error {
	device, err := h.service.GetDevice(c.UserContext(), c.Params("deviceId"))
	if err != nil {
		return err
	}
	return c.JSON(device)
}

// FreezeDevice suspends a device.
func (h *Handler) FreezeDevice(c *fiber.Ctx) error {
	return h.changeStatus(c, "operator_freeze", h.service.FreezeDevice)
}

// RevokeDevice permanently retires a device key.
func (h *Handler) RevokeDevice(c *fiber.Ctx) error {
	return h.changeStatus(c, "operator_revoke", h.service.RevokeDevice)
}

type statusChange func(ctx context.Context, id, reason string, actor audit.Actor) (Device, error)

func (h *Handler) changeStatus(c *fiber.Ctx, defaultReason string, apply statusChange) error {
	var req statusRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperror.BadRequest("INVALID_REQUEST", "%s", err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = defaultReason
	}
	actor := audit.Actor{AccountID: req.ActorAccountID, DeviceID: req.ActorDeviceID}
	device, err := apply(c.UserContext(), c.Params("deviceId"), req.Reason, actor)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": device.Status})
}
