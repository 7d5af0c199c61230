package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// ErrorEnvelope is the JSON error shape returned by every endpoint.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse maps err to its envelope.
func ErrorResponse(err error) ErrorEnvelope {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return ErrorEnvelope{Error: ErrorDetail{Code: appErr.Code, Message: appErr.Message}}
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return ErrorEnvelope{Error: ErrorDetail{Code: strings.ToUpper(strings.ReplaceAll(http.StatusText(fe.Code), " ", "_")), Message: fe.Message}}
	}
	return ErrorEnvelope{Error: ErrorDetail{Code: "INTERNAL_ERROR", Message: "internal server error"}}
}

// ErrorHandler renders handler errors as ErrorEnvelope with the carried status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var appErr *apperror.Error
	var fe *fiber.Error
	switch {
	case errors.As(err, &appErr):
		status = appErr.Status
	case errors.As(err, &fe):
		status = fe.Code
	}
	return c.Status(status).JSON(ErrorResponse(err))
}
