package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

// Audit emits one structured line per request. Handler errors have not been
// rendered yet when the chain returns, so the status is taken from the error.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("route", c.Route().Path),
			slog.Duration("duration", time.Since(start)),
		}
		if id := RequestIDFrom(c); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}

		if err == nil {
			logger.Info("request completed", append(attrs, slog.Int("status", status))...)
			return nil
		}

		var fe *fiber.Error
		switch {
		case apperror.Code(err) != "":
			status = apperror.Status(err)
			attrs = append(attrs, slog.String("error_code", apperror.Code(err)))
		case errors.As(err, &fe):
			status = fe.Code
		default:
			status = fiber.StatusInternalServerError
		}
		attrs = append(attrs, slog.Int("status", status), slog.Any("error", err))
		if status >= fiber.StatusInternalServerError {
			logger.Error("request failed", attrs...)
		} else {
			logger.Warn("request rejected", attrs...)
		}
		return err
	}
}
