package audit

import "github.com/gofiber/fiber/v2"

// DefaultListLimit bounds audit queries without an explicit ?limit.
const DefaultListLimit = 50

// Handler exposes the audit query endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs an audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ListBySubject returns a subject's events, newest first.
func (h *Handler) ListBySubject(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", DefaultListLimit)
	if limit <= 0 || limit > 500 {
		limit = DefaultListLimit
	}
	events, err := h.service.ListBySubject(c.UserContext(), c.Params("subjectId"), limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []Event{}
	}
	return c.JSON(fiber.Map{"events": events})
}
